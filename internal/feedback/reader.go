// Package feedback reads the gateway's feedback service: a bulk
// stream of fixed-size records naming device tokens the gateway has
// decided are no longer valid (typically uninstalled apps).
package feedback

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

// recordLength is one feedback record: [time:4][token_len:2][token:32].
const recordLength = 4 + 2 + push.TokenLength

// Record is one invalidated registration.
type Record struct {
	// Token is the hex-encoded device token.
	Token string
	// Timestamp is when the gateway invalidated the token. A token
	// re-registered after this instant is valid again.
	Timestamp time.Time
}

// Reader bulk-fetches pending feedback records. The service closes the
// stream once its backlog is exhausted.
type Reader struct {
	addr        string
	tlsConfig   *tls.Config
	readTimeout time.Duration
	dial        func(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error)
	logger      *slog.Logger
}

// NewReader targets a feedback endpoint. The TLS setup carries the
// same certificate session the gateway connection uses.
func NewReader(addr string, tlsConfig *tls.Config, readTimeout time.Duration, logger *slog.Logger) *Reader {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	r := &Reader{
		addr:        addr,
		tlsConfig:   tlsConfig,
		readTimeout: readTimeout,
		logger:      logger.With("component", "FeedbackReader"),
	}
	r.dial = r.dialTLS
	return r
}

// Fetch connects, reads every pending record and returns them. An idle
// stream that neither closes nor produces a full record within the
// read timeout is treated as drained.
func (r *Reader) Fetch(ctx context.Context) ([]Record, error) {
	conn, err := r.dial(ctx, r.addr, r.tlsConfig)
	if err != nil {
		return nil, &push.ConnectionError{Op: "dial " + r.addr, Err: err}
	}
	defer func() { _ = conn.Close() }()

	var records []Record
	buf := make([]byte, recordLength)
	for {
		if err := ctx.Err(); err != nil {
			return records, &push.ConnectionError{Op: "read feedback record", Err: err}
		}
		if err := conn.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
			return records, &push.ConnectionError{Op: "set read deadline", Err: err}
		}
		n, err := io.ReadFull(conn, buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if isTimeout(err) && n == 0 {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || isTimeout(err) {
				return records, &push.ProtocolError{Reason: fmt.Sprintf("truncated feedback record (%d of %d bytes)", n, recordLength)}
			}
			return records, &push.ConnectionError{Op: "read feedback record", Err: err}
		}

		tokenLen := int(binary.BigEndian.Uint16(buf[4:6]))
		if tokenLen != push.TokenLength {
			return records, &push.ProtocolError{Reason: fmt.Sprintf("feedback record declares token length %d", tokenLen)}
		}
		records = append(records, Record{
			Token:     hex.EncodeToString(buf[6:]),
			Timestamp: time.Unix(int64(binary.BigEndian.Uint32(buf[0:4])), 0).UTC(),
		})
	}

	r.logger.Info("feedback fetched", "records", len(records))
	return records, nil
}

func (r *Reader) dialTLS(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: r.readTimeout},
		Config:    tlsCfg,
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
