// Package push contains the public domain model for the delivery
// client: messages, transport contracts and the failure taxonomy
// shared by both wire protocols.
package push

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sideshow/apns2/payload"
)

const (
	// TokenLength is the size of a device token in its binary form.
	TokenLength = 32

	// MaxPayloadSize is the binary-protocol payload ceiling. The
	// request protocol accepts larger bodies, but we enforce the
	// stricter bound so a message stays valid on either transport.
	MaxPayloadSize = 2048
)

// Priorities understood by the gateway.
const (
	PriorityImmediate uint8 = 10
	PriorityConserve  uint8 = 5
)

// Message is one push notification bound for a single device.
type Message struct {
	// UUID correlates log lines across workers and restarts. The
	// numeric ID is only unique within one connection's send window.
	UUID string

	// Token is the hex-encoded device token (64 characters).
	Token string

	// Payload is the serialized notification body.
	Payload []byte

	// ID is the queue-assigned sequence identifier the binary
	// protocol uses to correlate asynchronous error frames.
	ID uint32

	// Expiry tells the gateway how long to retain an undeliverable
	// notification. Zero means discard immediately on failure.
	Expiry time.Time

	Priority uint8

	// CollapseID lets the gateway coalesce superseded notifications.
	CollapseID string

	// Attempts counts delivery attempts made so far.
	Attempts int
}

// NewMessage creates a message with a fresh correlation UUID and
// immediate priority.
func NewMessage(token string, body []byte) *Message {
	return &Message{
		UUID:     uuid.NewString(),
		Token:    token,
		Payload:  body,
		Priority: PriorityImmediate,
	}
}

// ExpiryEpoch returns the expiry as epoch seconds, zero when unset.
func (m *Message) ExpiryEpoch() uint32 {
	if m.Expiry.IsZero() {
		return 0
	}
	return uint32(m.Expiry.Unix())
}

// Alert describes a user-visible notification body.
type Alert struct {
	Title  string
	Body   string
	Sound  string
	Badge  int
	Custom map[string]string
}

// BuildPayload serializes an alert into the gateway's JSON payload
// format, enforcing the size ceiling.
func BuildPayload(a Alert) ([]byte, error) {
	b := payload.NewPayload().AlertTitle(a.Title).AlertBody(a.Body)
	if a.Sound != "" {
		b = b.Sound(a.Sound)
	}
	if a.Badge > 0 {
		b = b.Badge(a.Badge)
	}
	for k, v := range a.Custom {
		b = b.Custom(k, v)
	}
	raw, err := b.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if len(raw) > MaxPayloadSize {
		return nil, NewStatusError(StatusInvalidPayloadSize, 0)
	}
	return raw, nil
}
