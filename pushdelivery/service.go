// Package pushdelivery assembles the delivery service: the shared
// queue, the worker pool, the HTTP intake surface and the optional
// feedback sweep.
package pushdelivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-delivery/internal/api"
	"github.com/tinywideclouds/go-push-delivery/internal/delivery"
	"github.com/tinywideclouds/go-push-delivery/internal/feedback"
	"github.com/tinywideclouds/go-push-delivery/internal/gateway"
	"github.com/tinywideclouds/go-push-delivery/internal/queue"
	"github.com/tinywideclouds/go-push-delivery/internal/worker"
	"github.com/tinywideclouds/go-push-delivery/pkg/push"
	"github.com/tinywideclouds/go-push-delivery/pushdelivery/config"
)

// TokenStore tracks condemned device tokens across restarts. Optional:
// without one, condemned tokens are only dropped per delivery attempt.
type TokenStore interface {
	MarkInvalid(ctx context.Context, token string, since time.Time) error
	IsInvalid(ctx context.Context, token string) (bool, time.Time, error)
	Forget(ctx context.Context, token string) error
}

// feedbackFetcher is satisfied by feedback.Reader; swapped in tests.
type feedbackFetcher interface {
	Fetch(ctx context.Context) ([]feedback.Record, error)
}

// Service wires the queue, worker pool and HTTP intake together.
type Service struct {
	cfg    *config.Config
	queue  *queue.Queue
	pool   *worker.Pool
	tokens TokenStore
	logger *slog.Logger

	feedback feedbackFetcher

	httpServer  *http.Server
	ready       atomic.Bool
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New assembles the service. The gateway configuration is probed once
// up front so credential and environment mistakes fail here rather
// than inside a worker goroutine.
func New(cfg *config.Config, tokens TokenStore, logger *slog.Logger) (*Service, error) {
	probe, err := gateway.NewManager(cfg.Gateway, logger)
	if err != nil {
		return nil, fmt.Errorf("gateway configuration rejected: %w", err)
	}

	q := queue.New(cfg.QueueSize)

	s := &Service{
		cfg:    cfg,
		queue:  q,
		tokens: tokens,
		logger: logger,
	}

	// Each worker owns its connection: a fresh manager and engine per
	// slot, including respawns after a worker death.
	factory := func(slot int) (worker.Runner, error) {
		workerLogger := logger.With("worker", slot)
		mgr, err := gateway.NewManager(cfg.Gateway, workerLogger)
		if err != nil {
			return nil, err
		}
		var recorder delivery.TokenRecorder
		if tokens != nil {
			recorder = tokens
		}
		engineCfg := delivery.Config{
			RetryCeiling:  cfg.Delivery.RetryCeiling,
			WriteInterval: cfg.Delivery.WriteInterval,
		}
		return delivery.New(q, mgr, engineCfg, recorder, workerLogger), nil
	}

	s.pool = worker.New(worker.Config{Workers: cfg.NumWorkers}, q, factory, logger)

	if cfg.Feedback.Enabled {
		if tokens == nil {
			return nil, &push.ConfigError{Field: "feedback", Reason: "feedback sweep requires a token store"}
		}
		addr, tlsCfg, err := probe.FeedbackEndpoint()
		if err != nil {
			return nil, fmt.Errorf("feedback configuration rejected: %w", err)
		}
		s.feedback = feedback.NewReader(addr, tlsCfg, cfg.Feedback.ReadTimeout, logger)
	}

	messageAPI := api.NewMessageAPI(s, tokens, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/messages", messageAPI.EnqueueMessage)
	if tokens != nil {
		mux.HandleFunc("POST /api/v1/tokens/restore", messageAPI.RestoreToken)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	s.httpServer = &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	return s, nil
}

// Enqueue submits one message for delivery. Messages for tokens the
// gateway has condemned are refused with ErrTokenInvalid.
func (s *Service) Enqueue(ctx context.Context, msg *push.Message) error {
	if s.tokens != nil {
		invalid, since, err := s.tokens.IsInvalid(ctx, msg.Token)
		if err != nil {
			// A cache outage must not block delivery.
			s.logger.Warn("invalid-token lookup failed, accepting message", "err", err)
		} else if invalid {
			s.logger.Info("message refused for condemned token",
				"uuid", msg.UUID, "invalid_since", since)
			return push.ErrTokenInvalid
		}
	}
	return s.queue.Push(msg)
}

// Start launches the workers and serves the HTTP intake. It blocks
// until Shutdown is called or the listener fails.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Delivery workers starting...")
	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if s.feedback != nil {
		sweepCtx, cancel := context.WithCancel(context.Background())
		s.sweepCancel = cancel
		s.sweepDone = make(chan struct{})
		go s.runFeedbackSweep(sweepCtx)
	}

	s.ready.Store(true)
	s.logger.Info("Service is now ready.", "listen_addr", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops intake, drains the workers and reports anything left
// undelivered.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down service components...")
	s.ready.Store(false)

	var finalErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}

	if s.sweepCancel != nil {
		s.sweepCancel()
		<-s.sweepDone
	}

	undelivered := s.pool.Shutdown(ctx)
	if len(undelivered) > 0 {
		s.logger.Warn("Shutdown left messages undelivered.", "count", len(undelivered))
	}

	s.logger.Info("Service shutdown complete.")
	return finalErr
}

// runFeedbackSweep periodically drains the feedback service and
// condemns the tokens it reports.
func (s *Service) runFeedbackSweep(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.cfg.Feedback.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.sweepOnce(ctx)
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	records, err := s.feedback.Fetch(ctx)
	if err != nil {
		s.logger.Warn("feedback sweep failed", "err", err)
		return
	}
	for _, record := range records {
		if err := s.tokens.MarkInvalid(ctx, record.Token, record.Timestamp); err != nil {
			s.logger.Error("failed to record condemned token", "err", err)
		}
	}
	if len(records) > 0 {
		s.logger.Info("feedback sweep condemned tokens", "count", len(records))
	}
}
