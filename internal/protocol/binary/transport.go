package binary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

// Transport drives the binary provider protocol over one encrypted
// stream. The gateway never acknowledges a message; rejection arrives,
// if at all, as a delayed error frame on the read side. Send writes
// the frame, Confirm runs the bounded wait that substitutes for an
// acknowledgment.
type Transport struct {
	conn          net.Conn
	selectTimeout time.Duration
	logger        *slog.Logger
}

// NewTransport wraps an established gateway connection. selectTimeout
// bounds the per-message error-detection window: smaller is faster but
// lets more genuine failures pass as silent successes.
func NewTransport(conn net.Conn, selectTimeout time.Duration, logger *slog.Logger) *Transport {
	return &Transport{
		conn:          conn,
		selectTimeout: selectTimeout,
		logger:        logger.With("component", "BinaryTransport"),
	}
}

// Send encodes and writes one frame. Encoding failures are permanent
// delivery errors; write failures are connection errors that leave the
// whole send window in doubt.
func (t *Transport) Send(ctx context.Context, msg *push.Message) error {
	if err := ctx.Err(); err != nil {
		return &push.ConnectionError{Op: "send", Err: err}
	}
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.selectTimeout)); err != nil {
		return &push.ConnectionError{Op: "set write deadline", Err: err}
	}
	if _, err := t.conn.Write(frame); err != nil {
		return &push.ConnectionError{Op: "write frame", Err: err}
	}
	t.logger.Debug("frame written", "id", msg.ID, "uuid", msg.UUID, "bytes", len(frame))
	return nil
}

// Confirm waits up to the select window for the gateway to push an
// error frame. Three outcomes:
//
//  1. the window elapses in silence: optimistic acknowledgment, nil;
//  2. a 6-byte error frame arrives: *DeliveryError identifying the
//     rejected message;
//  3. the stream reports EOF or a truncated frame: *ProtocolError,
//     every unconfirmed message must be resent on a new connection.
func (t *Transport) Confirm() error {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.selectTimeout)); err != nil {
		return &push.ConnectionError{Op: "set read deadline", Err: err}
	}
	buf := make([]byte, ErrorFrameLength)
	n, err := io.ReadFull(t.conn, buf)
	switch {
	case err == nil:
		rejection, decodeErr := DecodeErrorFrame(buf)
		if decodeErr != nil {
			return decodeErr
		}
		t.logger.Debug("gateway rejected message", "status", rejection.Status, "id", rejection.ID)
		return rejection
	case isTimeout(err) && n == 0:
		// The gateway had no complaint in time.
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &push.ProtocolError{Reason: "gateway closed the connection"}
	case isTimeout(err):
		return &push.ProtocolError{Reason: fmt.Sprintf("truncated error frame (%d of %d bytes)", n, ErrorFrameLength)}
	default:
		return &push.ConnectionError{Op: "read error frame", Err: err}
	}
}

// Close tears the stream down.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
