// Package binary implements the persistent framed provider protocol:
// fixed binary frames over a long-lived TLS stream, with rejection
// reported only through a delayed asynchronous error frame.
package binary

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

const (
	commandSend  = 1
	commandError = 8

	// ErrorFrameLength is the size of the asynchronous rejection
	// frame: command, status, identifier.
	ErrorFrameLength = 6

	// fixedFrameBytes is everything in a send frame except the
	// payload: cmd(1) + id(4) + expiry(4) + token(32) + len(2) + priority(1).
	fixedFrameBytes = 44
)

// EncodeFrame serializes a message into the gateway's send frame:
//
//	[cmd:1][id:4][expiry:4][token:32][payload_len:2][payload:N][priority:1]
//
// with big-endian integers. The layout is bit-exact for gateway
// compatibility. Validation failures are permanent delivery errors.
func EncodeFrame(msg *push.Message) ([]byte, error) {
	token, err := hex.DecodeString(msg.Token)
	if err != nil {
		return nil, push.NewStatusError(push.StatusInvalidToken, msg.ID)
	}
	if len(token) != push.TokenLength {
		return nil, push.NewStatusError(push.StatusInvalidTokenSize, msg.ID)
	}
	if len(msg.Payload) == 0 {
		return nil, push.NewStatusError(push.StatusMissingPayload, msg.ID)
	}
	if len(msg.Payload) > push.MaxPayloadSize {
		return nil, push.NewStatusError(push.StatusInvalidPayloadSize, msg.ID)
	}

	priority := msg.Priority
	if priority == 0 {
		priority = push.PriorityImmediate
	}

	buf := bytes.NewBuffer(make([]byte, 0, fixedFrameBytes+len(msg.Payload)))
	buf.WriteByte(commandSend)
	_ = binary.Write(buf, binary.BigEndian, msg.ID)
	_ = binary.Write(buf, binary.BigEndian, msg.ExpiryEpoch())
	buf.Write(token)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(msg.Payload)))
	buf.Write(msg.Payload)
	buf.WriteByte(priority)
	return buf.Bytes(), nil
}

// DecodeFrame parses a send frame back into a message. Used by tests
// and by the fake gateway in the integration harness.
func DecodeFrame(b []byte) (*push.Message, error) {
	if len(b) < fixedFrameBytes {
		return nil, &push.ProtocolError{Reason: fmt.Sprintf("frame too short (%d bytes)", len(b))}
	}
	if b[0] != commandSend {
		return nil, &push.ProtocolError{Reason: fmt.Sprintf("unexpected command %d", b[0])}
	}
	payloadLen := int(binary.BigEndian.Uint16(b[41:43]))
	if len(b) != fixedFrameBytes+payloadLen {
		return nil, &push.ProtocolError{Reason: "frame length does not match payload length field"}
	}

	msg := &push.Message{
		ID:       binary.BigEndian.Uint32(b[1:5]),
		Token:    hex.EncodeToString(b[9:41]),
		Payload:  append([]byte(nil), b[43:43+payloadLen]...),
		Priority: b[43+payloadLen],
	}
	if expiry := binary.BigEndian.Uint32(b[5:9]); expiry != 0 {
		msg.Expiry = time.Unix(int64(expiry), 0).UTC()
	}
	return msg, nil
}

// DecodeErrorFrame parses the 6-byte asynchronous rejection frame:
//
//	[cmd:1=8][status:1][id:4]
func DecodeErrorFrame(b []byte) (*push.DeliveryError, error) {
	if len(b) != ErrorFrameLength {
		return nil, &push.ProtocolError{Reason: fmt.Sprintf("error frame is %d bytes, want %d", len(b), ErrorFrameLength)}
	}
	if b[0] != commandError {
		return nil, &push.ProtocolError{Reason: fmt.Sprintf("unexpected error frame command %d", b[0])}
	}
	return push.NewStatusError(b[1], binary.BigEndian.Uint32(b[2:6])), nil
}
