package feedback

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeReader(t *testing.T) (*Reader, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	reader := NewReader("feedback.sandbox.push.apple.com:2196", nil, 50*time.Millisecond, newTestLogger())
	reader.dial = func(_ context.Context, _ string, _ *tls.Config) (net.Conn, error) {
		return client, nil
	}
	return reader, server
}

func encodeRecord(timestamp uint32, token []byte) []byte {
	out := make([]byte, 0, recordLength)
	out = binary.BigEndian.AppendUint32(out, timestamp)
	out = binary.BigEndian.AppendUint16(out, uint16(len(token)))
	return append(out, token...)
}

func TestFetch(t *testing.T) {
	tokenA := bytes.Repeat([]byte{0x01}, push.TokenLength)
	tokenB := bytes.Repeat([]byte{0x02}, push.TokenLength)

	t.Run("Reads the backlog until the service closes", func(t *testing.T) {
		reader, server := newPipeReader(t)

		go func() {
			_, _ = server.Write(encodeRecord(1700000000, tokenA))
			_, _ = server.Write(encodeRecord(1700000100, tokenB))
			_ = server.Close()
		}()

		records, err := reader.Fetch(context.Background())
		require.NoError(t, err)

		require.Len(t, records, 2)
		assert.Equal(t, hex.EncodeToString(tokenA), records[0].Token)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), records[0].Timestamp)
		assert.Equal(t, hex.EncodeToString(tokenB), records[1].Token)
	})

	t.Run("Idle stream counts as drained", func(t *testing.T) {
		reader, server := newPipeReader(t)

		go func() {
			_, _ = server.Write(encodeRecord(1700000000, tokenA))
			// Keep the connection open but silent.
		}()

		records, err := reader.Fetch(context.Background())
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("Truncated record is a protocol error", func(t *testing.T) {
		reader, server := newPipeReader(t)

		go func() {
			full := encodeRecord(1700000000, tokenA)
			_, _ = server.Write(full[:10])
			_ = server.Close()
		}()

		_, err := reader.Fetch(context.Background())

		var protoErr *push.ProtocolError
		assert.ErrorAs(t, err, &protoErr)
	})

	t.Run("Bad token length is a protocol error", func(t *testing.T) {
		reader, server := newPipeReader(t)

		go func() {
			record := encodeRecord(1700000000, tokenA)
			binary.BigEndian.PutUint16(record[4:6], 16)
			_, _ = server.Write(record)
			_ = server.Close()
		}()

		_, err := reader.Fetch(context.Background())

		var protoErr *push.ProtocolError
		assert.ErrorAs(t, err, &protoErr)
	})

	t.Run("Cancelled context stops the read loop", func(t *testing.T) {
		reader, server := newPipeReader(t)

		go func() {
			// A stream that keeps producing records forever.
			for {
				if _, err := server.Write(encodeRecord(1700000000, tokenA)); err != nil {
					return
				}
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := reader.Fetch(ctx)

		var connErr *push.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Dial failure is a connection error", func(t *testing.T) {
		reader := NewReader("addr", nil, 10*time.Millisecond, newTestLogger())
		reader.dial = func(_ context.Context, _ string, _ *tls.Config) (net.Conn, error) {
			return nil, io.ErrClosedPipe
		}

		_, err := reader.Fetch(context.Background())

		var connErr *push.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})
}
