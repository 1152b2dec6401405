package push

import (
	"errors"
	"fmt"
)

// ErrTokenInvalid rejects an enqueue for a token the gateway has
// already condemned. Callers should stop submitting for that token
// until the device re-registers.
var ErrTokenInvalid = errors.New("device token marked invalid")

// ConfigError reports invalid construction-time configuration: an
// unknown environment or protocol, or credential material that cannot
// be loaded. It is fatal and never retried.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError reports a transport-level connect, read or write
// failure. Connect-time occurrences are retried up to the configured
// bound; send-time occurrences trigger recovery and a reconnect.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or truncated gateway response. It
// is always transient: the session is torn down and re-established.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

// DeliveryError is a per-message rejection. On the binary path ID
// identifies the rejected message within the connection's send window;
// the request path leaves it zero because only one message is ever
// outstanding there.
type DeliveryError struct {
	Status    uint8
	ID        uint32
	Reason    string
	Permanent bool
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.ID != 0 {
		return fmt.Sprintf("delivery rejected (%s, status %d, id %d): %s", kind, e.Status, e.ID, e.Reason)
	}
	return fmt.Sprintf("delivery rejected (%s, status %d): %s", kind, e.Status, e.Reason)
}

// NewStatusError builds a DeliveryError from a gateway status code,
// classifying it against the shared status table.
func NewStatusError(status uint8, id uint32) *DeliveryError {
	return &DeliveryError{
		Status:    status,
		ID:        id,
		Reason:    StatusText(status),
		Permanent: PermanentStatus(status),
	}
}
