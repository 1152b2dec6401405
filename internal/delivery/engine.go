// Package delivery contains the per-worker send loop: queue iteration,
// failure classification, resume-after-failure recovery and the retry
// ceiling.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-delivery/internal/queue"
	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

// State is the engine's position in its delivery cycle.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateAwaitingConfirmation
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingConfirmation:
		return "awaiting-confirmation"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Connector abstracts the connection manager so engines can be tested
// without credentials or sockets.
type Connector interface {
	Connect(ctx context.Context) (push.Transport, error)
	Disconnect() bool
}

// TokenRecorder records device tokens the gateway has condemned so
// producers stop enqueueing to them. Optional.
type TokenRecorder interface {
	MarkInvalid(ctx context.Context, token string, since time.Time) error
}

// Config tunes the engine's retry and pacing behavior.
type Config struct {
	// RetryCeiling bounds how many sends a message gets before it is
	// dropped and reported: one initial attempt plus RetryCeiling
	// retries.
	RetryCeiling int

	// WriteInterval paces consecutive binary writes.
	WriteInterval time.Duration

	// PollInterval is how long the engine naps on an empty queue.
	PollInterval time.Duration
}

const (
	DefaultRetryCeiling  = 3
	DefaultWriteInterval = 10 * time.Millisecond
	DefaultPollInterval  = 100 * time.Millisecond

	// sentWindowMax caps how many optimistically acknowledged
	// messages are retained for late error-frame correlation. A
	// message aged out of the window counts as delivered.
	sentWindowMax = 512
)

func (c Config) withDefaults() Config {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	if c.WriteInterval <= 0 {
		c.WriteInterval = DefaultWriteInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Engine drains the shared queue through whichever transport the
// connection manager produces. Exactly one engine owns a connection;
// engines share nothing but the queue.
type Engine struct {
	queue   *queue.Queue
	conn    Connector
	cfg     Config
	invalid TokenRecorder
	logger  *slog.Logger

	state     atomic.Int32
	transport push.Transport

	// window holds messages written on the current connection whose
	// rejection could still arrive as a late error frame, oldest
	// first. Identifiers in the window are strictly increasing.
	window []*push.Message

	delivered atomic.Int64
	dropped   atomic.Int64
}

// New assembles an engine. recorder may be nil when no invalid-token
// store is configured.
func New(q *queue.Queue, conn Connector, cfg Config, recorder TokenRecorder, logger *slog.Logger) *Engine {
	return &Engine{
		queue:   q,
		conn:    conn,
		cfg:     cfg.withDefaults(),
		invalid: recorder,
		logger:  logger.With("component", "DeliveryEngine"),
	}
}

// State reports the engine's current position in the delivery cycle.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Delivered counts messages confirmed (optimistically or positively)
// since the engine started.
func (e *Engine) Delivered() int64 { return e.delivered.Load() }

// Dropped counts messages reported as permanently failed, either by
// gateway rejection or by exhausting the retry ceiling.
func (e *Engine) Dropped() int64 { return e.dropped.Load() }

// Run drains the queue until the context is cancelled or the queue is
// closed and empty. Connection failures are retried inside the
// connection manager; Run returns an error only once connect retries
// are exhausted, leaving the queue contents intact.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setState(StateStopped)
	defer e.conn.Disconnect()
	defer e.flushWindow()

	for {
		e.setState(StateIdle)
		if ctx.Err() != nil {
			return nil
		}
		msg, ok := e.queue.Pop()
		if !ok {
			if e.queue.Closed() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}
		if err := e.deliver(ctx, msg); err != nil {
			return err
		}
	}
}

func (e *Engine) deliver(ctx context.Context, msg *push.Message) error {
	if e.transport == nil {
		transport, err := e.conn.Connect(ctx)
		if err != nil {
			// Put the message back before stopping so nothing is
			// lost when the worker dies.
			e.queue.Requeue([]*push.Message{msg})
			return err
		}
		e.transport = transport
		e.window = nil
	}

	e.setState(StateSending)
	msg.Attempts++
	if err := e.transport.Send(ctx, msg); err != nil {
		e.setState(StateRecovering)
		return e.recoverFromSend(ctx, msg, err)
	}

	if confirmer, ok := e.transport.(push.Confirmer); ok {
		e.setState(StateAwaitingConfirmation)
		if err := confirmer.Confirm(); err != nil {
			e.setState(StateRecovering)
			return e.recoverFromConfirm(ctx, msg, err)
		}
		e.accept(msg)
		e.pace(ctx)
		return nil
	}

	// Synchronous transports positively confirmed the message.
	e.delivered.Add(1)
	e.logger.Debug("message delivered", "uuid", msg.UUID)
	return nil
}

// accept records an optimistic acknowledgment: the gateway had no
// complaint within the window, but a late error frame may still name
// this message.
func (e *Engine) accept(msg *push.Message) {
	e.window = append(e.window, msg)
	if len(e.window) > sentWindowMax {
		aged := len(e.window) - sentWindowMax
		e.delivered.Add(int64(aged))
		e.window = append([]*push.Message(nil), e.window[aged:]...)
	}
	e.logger.Debug("message accepted", "uuid", msg.UUID, "id", msg.ID)
}

// recoverFromSend handles failures where no frame reached the gateway:
// local validation failures and write errors. The send window is only
// in doubt when the stream itself failed.
func (e *Engine) recoverFromSend(ctx context.Context, msg *push.Message, err error) error {
	var deliveryErr *push.DeliveryError
	if errors.As(err, &deliveryErr) {
		if deliveryErr.Permanent {
			e.reportPermanent(ctx, msg, deliveryErr)
		} else {
			e.requeue([]*push.Message{msg}, deliveryErr.Status)
		}
		return nil
	}
	return e.recoverStream(ctx, msg, err)
}

// recoverFromConfirm handles the binary protocol's delayed outcomes:
// an error frame correlated by identifier, or a dead stream that
// leaves the whole window in doubt.
func (e *Engine) recoverFromConfirm(ctx context.Context, msg *push.Message, err error) error {
	var deliveryErr *push.DeliveryError
	if errors.As(err, &deliveryErr) {
		e.splitWindow(ctx, msg, deliveryErr)
		e.teardown()
		return nil
	}
	return e.recoverStream(ctx, msg, err)
}

// recoverStream requeues everything unconfirmed and tears the
// connection down. A fresh connect happens lazily on the next send.
func (e *Engine) recoverStream(ctx context.Context, msg *push.Message, err error) error {
	var protoErr *push.ProtocolError
	var connErr *push.ConnectionError
	if !errors.As(err, &protoErr) && !errors.As(err, &connErr) {
		return err
	}
	e.logger.Warn("connection failed mid-delivery, requeueing unconfirmed messages",
		"unconfirmed", len(e.window)+1,
		"err", err,
	)
	inflight := append(e.window, msg)
	e.window = nil
	e.requeue(inflight, push.StatusUnknown)
	e.teardown()
	return nil
}

// splitWindow applies the error frame's resume-after-failure
// semantics: everything sent before the failed identifier was
// delivered, the failed message is classified, and everything after it
// goes back to the queue in original order for resend.
func (e *Engine) splitWindow(ctx context.Context, current *push.Message, rejection *push.DeliveryError) {
	inflight := append(e.window, current)
	e.window = nil

	var failed *push.Message
	var resend []*push.Message
	deliveredCount := 0
	for _, m := range inflight {
		switch {
		case m.ID < rejection.ID:
			deliveredCount++
		case m.ID == rejection.ID:
			failed = m
		default:
			resend = append(resend, m)
		}
	}
	e.delivered.Add(int64(deliveredCount))

	switch {
	case failed == nil:
		e.logger.Warn("error frame names a message outside the window",
			"id", rejection.ID, "status", rejection.Status)
	case rejection.Permanent:
		e.reportPermanent(ctx, failed, rejection)
	default:
		resend = append([]*push.Message{failed}, resend...)
	}

	e.requeue(resend, rejection.Status)
	e.logger.Info("recovered from gateway rejection",
		"status", rejection.Status,
		"failed_id", rejection.ID,
		"delivered", deliveredCount,
		"requeued", len(resend),
	)
}

// requeue returns messages to the queue head, dropping any that have
// exhausted the retry ceiling. Dropped messages are reported exactly
// once, with the status that killed them.
func (e *Engine) requeue(msgs []*push.Message, status uint8) {
	var keep []*push.Message
	for _, m := range msgs {
		if m.Attempts > e.cfg.RetryCeiling {
			e.dropped.Add(1)
			e.logger.Error("message dropped after exhausting retries",
				"uuid", m.UUID,
				"token", m.Token,
				"attempts", m.Attempts,
				"status", status,
			)
			continue
		}
		keep = append(keep, m)
	}
	e.queue.Requeue(keep)
}

func (e *Engine) reportPermanent(ctx context.Context, msg *push.Message, rejection *push.DeliveryError) {
	e.dropped.Add(1)
	e.logger.Error("message permanently rejected",
		"uuid", msg.UUID,
		"token", msg.Token,
		"status", rejection.Status,
		"reason", rejection.Reason,
	)
	if e.invalid != nil && push.TokenStatus(rejection.Status) {
		if err := e.invalid.MarkInvalid(ctx, msg.Token, time.Now()); err != nil {
			e.logger.Warn("failed to record invalid token", "token", msg.Token, "err", err)
		}
	}
}

func (e *Engine) teardown() {
	e.conn.Disconnect()
	e.transport = nil
}

// flushWindow marks everything still unconfirmed at shutdown as
// delivered: the gateway had its window to complain and stayed silent.
func (e *Engine) flushWindow() {
	e.delivered.Add(int64(len(e.window)))
	e.window = nil
}

func (e *Engine) pace(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(e.cfg.WriteInterval):
	}
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}
