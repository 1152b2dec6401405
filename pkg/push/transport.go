package push

import "context"

// Transport sends a single message to the gateway. Implementations are
// not safe for concurrent use: each delivery engine owns exactly one
// transport at a time, and a transport is never shared across workers.
type Transport interface {
	// Send submits one message. A nil return means the message was
	// written; whether that implies acceptance depends on the
	// protocol (see Confirmer).
	Send(ctx context.Context, msg *Message) error

	// Close releases the underlying connection. Safe to call more
	// than once.
	Close() error
}

// Confirmer is implemented by transports that have no synchronous
// acknowledgment. Confirm blocks for the error-detection window after
// a Send; silence within the window is an optimistic acknowledgment.
//
// Confirm returns nil when no complaint arrived, a *DeliveryError when
// the gateway pushed an error frame, and a *ProtocolError or
// *ConnectionError when the stream failed in a way that leaves every
// unconfirmed message in doubt.
type Confirmer interface {
	Confirm() error
}
