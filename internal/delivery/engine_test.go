package delivery_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-delivery/internal/delivery"
	"github.com/tinywideclouds/go-push-delivery/internal/queue"
	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() delivery.Config {
	return delivery.Config{
		RetryCeiling:  3,
		WriteInterval: time.Microsecond,
		PollInterval:  time.Millisecond,
	}
}

// fakeBinaryTransport scripts Confirm outcomes per call, mimicking the
// write+detect protocol. It implements push.Confirmer.
type fakeBinaryTransport struct {
	sent     []uint32
	script   []func(lastID uint32) error
	confirms int
	fallback func(lastID uint32) error
	closed   int
}

func (f *fakeBinaryTransport) Send(_ context.Context, msg *push.Message) error {
	f.sent = append(f.sent, msg.ID)
	return nil
}

func (f *fakeBinaryTransport) Confirm() error {
	lastID := f.sent[len(f.sent)-1]
	f.confirms++
	if f.confirms <= len(f.script) {
		return f.script[f.confirms-1](lastID)
	}
	if f.fallback != nil {
		return f.fallback(lastID)
	}
	return nil
}

func (f *fakeBinaryTransport) Close() error {
	f.closed++
	return nil
}

// fakeRequestTransport is synchronous: Send is the whole outcome. It
// deliberately does not implement push.Confirmer.
type fakeRequestTransport struct {
	sent   []string
	script []error
	calls  int
}

func (f *fakeRequestTransport) Send(_ context.Context, msg *push.Message) error {
	f.sent = append(f.sent, msg.Token)
	f.calls++
	if f.calls <= len(f.script) {
		return f.script[f.calls-1]
	}
	return nil
}

func (f *fakeRequestTransport) Close() error { return nil }

// fakeConnector hands out a fresh scripted transport per connect.
type fakeConnector struct {
	transports  []push.Transport
	connectErr  error
	connects    int
	disconnects int
}

func (c *fakeConnector) Connect(_ context.Context) (push.Transport, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	idx := c.connects
	if idx >= len(c.transports) {
		idx = len(c.transports) - 1
	}
	c.connects++
	return c.transports[idx], nil
}

func (c *fakeConnector) Disconnect() bool {
	c.disconnects++
	return true
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) MarkInvalid(ctx context.Context, token string, since time.Time) error {
	args := m.Called(ctx, token, since)
	return args.Error(0)
}

func newClosedQueue(t *testing.T, tokens ...string) *queue.Queue {
	t.Helper()
	q := queue.New(100)
	for _, token := range tokens {
		require.NoError(t, q.Push(push.NewMessage(token, []byte("{}"))))
	}
	q.Close()
	return q
}

func rejection(id uint32, status uint8) func(uint32) error {
	return func(uint32) error { return push.NewStatusError(status, id) }
}

func silent(uint32) error { return nil }

func TestEngine_BinaryProtocol(t *testing.T) {
	ctx := context.Background()

	t.Run("Quiet windows deliver everything on one connection", func(t *testing.T) {
		q := newClosedQueue(t, "tok1", "tok2", "tok3")
		transport := &fakeBinaryTransport{}
		conn := &fakeConnector{transports: []push.Transport{transport}}
		engine := delivery.New(q, conn, fastConfig(), nil, newTestLogger())

		require.NoError(t, engine.Run(ctx))

		assert.Equal(t, []uint32{1, 2, 3}, transport.sent)
		assert.EqualValues(t, 3, engine.Delivered())
		assert.EqualValues(t, 0, engine.Dropped())
		assert.Equal(t, 1, conn.connects, "connection should stay open across quiet sends")
		assert.Equal(t, 1, conn.disconnects, "only the shutdown disconnect")
		assert.Equal(t, delivery.StateStopped, engine.State())
	})

	t.Run("Permanent rejection splits the window", func(t *testing.T) {
		// Error frame for id2 arrives while awaiting id3: id1 is
		// delivered, id2 dropped, id3 requeued and resent on a new
		// connection.
		q := newClosedQueue(t, "tok1", "tok2", "tok3")
		first := &fakeBinaryTransport{
			script: []func(uint32) error{silent, silent, rejection(2, push.StatusInvalidToken)},
		}
		second := &fakeBinaryTransport{}
		conn := &fakeConnector{transports: []push.Transport{first, second}}

		recorder := new(mockRecorder)
		recorder.On("MarkInvalid", mock.Anything, "tok2", mock.Anything).Return(nil).Once()

		engine := delivery.New(q, conn, fastConfig(), recorder, newTestLogger())
		require.NoError(t, engine.Run(ctx))

		assert.Equal(t, []uint32{1, 2, 3}, first.sent)
		assert.Equal(t, []uint32{3}, second.sent, "only the message after the failure is resent")
		assert.EqualValues(t, 2, engine.Delivered())
		assert.EqualValues(t, 1, engine.Dropped())
		assert.Equal(t, 2, conn.connects, "connection must be re-established after the error frame")
		recorder.AssertExpectations(t)
	})

	t.Run("Transient rejection requeues the failed message first", func(t *testing.T) {
		q := newClosedQueue(t, "tok1", "tok2", "tok3")
		first := &fakeBinaryTransport{
			script: []func(uint32) error{silent, silent, rejection(2, push.StatusShutdown)},
		}
		second := &fakeBinaryTransport{}
		conn := &fakeConnector{transports: []push.Transport{first, second}}
		engine := delivery.New(q, conn, fastConfig(), nil, newTestLogger())

		require.NoError(t, engine.Run(ctx))

		assert.Equal(t, []uint32{2, 3}, second.sent, "failed message resends ahead of its successors")
		assert.EqualValues(t, 3, engine.Delivered())
		assert.EqualValues(t, 0, engine.Dropped())
	})

	t.Run("Stream EOF requeues every unconfirmed message", func(t *testing.T) {
		q := newClosedQueue(t, "tok1", "tok2", "tok3")
		first := &fakeBinaryTransport{
			script: []func(uint32) error{
				silent,
				silent,
				func(uint32) error { return &push.ProtocolError{Reason: "gateway closed the connection"} },
			},
		}
		second := &fakeBinaryTransport{}
		conn := &fakeConnector{transports: []push.Transport{first, second}}
		engine := delivery.New(q, conn, fastConfig(), nil, newTestLogger())

		require.NoError(t, engine.Run(ctx))

		assert.Equal(t, []uint32{1, 2, 3}, second.sent, "nothing was confirmed, everything resends in order")
		assert.EqualValues(t, 3, engine.Delivered())
	})

	t.Run("Retry ceiling drops a message after ceiling plus one sends", func(t *testing.T) {
		q := newClosedQueue(t, "tok1")
		transport := &fakeBinaryTransport{
			fallback: func(lastID uint32) error { return push.NewStatusError(push.StatusProcessingError, lastID) },
		}
		conn := &fakeConnector{transports: []push.Transport{transport}}

		cfg := fastConfig()
		cfg.RetryCeiling = 2
		engine := delivery.New(q, conn, cfg, nil, newTestLogger())

		require.NoError(t, engine.Run(ctx))

		assert.Len(t, transport.sent, 3, "one initial attempt plus two retries")
		assert.EqualValues(t, 1, engine.Dropped())
		assert.EqualValues(t, 0, engine.Delivered())
		assert.Equal(t, 0, q.Len(), "dropped messages never return to the queue")
	})
}

func TestEngine_RequestProtocol(t *testing.T) {
	ctx := context.Background()

	t.Run("Transient failure retries on the same connection", func(t *testing.T) {
		q := newClosedQueue(t, "tok1")
		transport := &fakeRequestTransport{
			script: []error{&push.DeliveryError{Status: push.StatusProcessingError, Reason: "service unavailable"}},
		}
		conn := &fakeConnector{transports: []push.Transport{transport}}
		engine := delivery.New(q, conn, fastConfig(), nil, newTestLogger())

		require.NoError(t, engine.Run(ctx))

		assert.Equal(t, []string{"tok1", "tok1"}, transport.sent)
		assert.EqualValues(t, 1, engine.Delivered())
		assert.Equal(t, 1, conn.connects, "stateless transport keeps its connection")
	})

	t.Run("Permanent failure is dropped and the token recorded", func(t *testing.T) {
		q := newClosedQueue(t, "tok1")
		transport := &fakeRequestTransport{
			script: []error{&push.DeliveryError{
				Status:    push.StatusInvalidToken,
				Reason:    "Unregistered",
				Permanent: true,
			}},
		}
		conn := &fakeConnector{transports: []push.Transport{transport}}

		recorder := new(mockRecorder)
		recorder.On("MarkInvalid", mock.Anything, "tok1", mock.Anything).Return(nil).Once()

		engine := delivery.New(q, conn, fastConfig(), recorder, newTestLogger())
		require.NoError(t, engine.Run(ctx))

		assert.Len(t, transport.sent, 1)
		assert.EqualValues(t, 1, engine.Dropped())
		recorder.AssertExpectations(t)
	})

	t.Run("Transport-level failure reconnects and resends", func(t *testing.T) {
		q := newClosedQueue(t, "tok1")
		first := &fakeRequestTransport{
			script: []error{&push.ConnectionError{Op: "push", Err: errors.New("broken pipe")}},
		}
		second := &fakeRequestTransport{}
		conn := &fakeConnector{transports: []push.Transport{first, second}}
		engine := delivery.New(q, conn, fastConfig(), nil, newTestLogger())

		require.NoError(t, engine.Run(ctx))

		assert.Equal(t, []string{"tok1"}, first.sent)
		assert.Equal(t, []string{"tok1"}, second.sent)
		assert.Equal(t, 2, conn.connects)
	})
}

func TestEngine_Lifecycle(t *testing.T) {
	t.Run("Exhausted connect retries stop the worker and preserve the queue", func(t *testing.T) {
		q := queue.New(10)
		require.NoError(t, q.Push(push.NewMessage("tok1", []byte("{}"))))

		conn := &fakeConnector{connectErr: &push.ConnectionError{Op: "connect", Err: errors.New("refused")}}
		engine := delivery.New(q, conn, fastConfig(), nil, newTestLogger())

		err := engine.Run(context.Background())

		var connErr *push.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, 1, q.Len(), "the popped message must be requeued before stopping")
		assert.Equal(t, delivery.StateStopped, engine.State())
	})

	t.Run("Cancellation stops between messages and preserves the queue", func(t *testing.T) {
		q := queue.New(10)
		require.NoError(t, q.Push(push.NewMessage("tok1", []byte("{}"))))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		transport := &fakeBinaryTransport{}
		conn := &fakeConnector{transports: []push.Transport{transport}}
		engine := delivery.New(q, conn, fastConfig(), nil, newTestLogger())

		require.NoError(t, engine.Run(ctx))

		assert.Empty(t, transport.sent)
		assert.Equal(t, 1, q.Len())
	})
}
