// Package worker fans delivery out across a pool of independent
// workers draining one shared queue. Workers share nothing else: each
// gets its own connection manager and delivery engine, and the queue
// outlives any individual worker.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-delivery/internal/queue"
	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

// Runner is one worker's delivery loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds a fresh runner for a worker slot. Respawned workers
// get a new runner so no connection state crosses worker lifetimes.
type Factory func(slot int) (Runner, error)

// Config tunes the pool.
type Config struct {
	// Workers is the fan-out width.
	Workers int

	// CheckInterval is the liveness probe period.
	CheckInterval time.Duration

	// GracePeriod bounds how long Shutdown waits for workers to
	// drain before cancelling in-flight work.
	GracePeriod time.Duration

	// MaxRestarts caps respawns per slot; a slot that keeps dying is
	// left dead rather than flapping forever.
	MaxRestarts int
}

const (
	defaultWorkers       = 2
	defaultCheckInterval = time.Second
	defaultGracePeriod   = 10 * time.Second
	defaultMaxRestarts   = 5
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	return c
}

// slot tracks one worker's liveness. Guarded by Pool.mu.
type slot struct {
	id        int
	alive     bool
	restarts  int
	exhausted bool
}

// Pool spawns the workers, watches their liveness and respawns the
// ones that die unexpectedly. The shared queue survives worker deaths.
type Pool struct {
	cfg     Config
	queue   *queue.Queue
	factory Factory
	logger  *slog.Logger

	mu    sync.Mutex
	slots []*slot

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	monitorDone chan struct{}
	stopMonitor chan struct{}
	started     bool
}

// New assembles a pool around the shared queue.
func New(cfg Config, q *queue.Queue, factory Factory, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:         cfg,
		queue:       q,
		factory:     factory,
		logger:      logger.With("component", "WorkerPool"),
		monitorDone: make(chan struct{}),
		stopMonitor: make(chan struct{}),
	}
}

// Start spawns every worker and the liveness monitor. A factory
// failure at startup aborts the whole pool: it means configuration is
// bad and no worker could ever come up.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		return errors.New("worker pool already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.mu.Lock()
	p.slots = make([]*slot, p.cfg.Workers)
	for i := range p.slots {
		p.slots[i] = &slot{id: i}
		if err := p.spawnLocked(runCtx, p.slots[i]); err != nil {
			p.mu.Unlock()
			cancel()
			return err
		}
	}
	p.mu.Unlock()

	p.started = true
	go p.monitor(runCtx)
	p.logger.Info("worker pool started", "workers", p.cfg.Workers)
	return nil
}

// spawnLocked launches one worker goroutine for a slot. Callers hold
// p.mu.
func (p *Pool) spawnLocked(ctx context.Context, s *slot) error {
	runner, err := p.factory(s.id)
	if err != nil {
		return err
	}
	s.alive = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker panicked", "worker", s.id, "panic", r)
			}
			p.mu.Lock()
			s.alive = false
			p.mu.Unlock()
		}()
		p.logger.Info("worker started", "worker", s.id, "restarts", s.restarts)
		if err := runner.Run(ctx); err != nil {
			p.logger.Error("worker stopped with error", "worker", s.id, "err", err)
		}
	}()
	return nil
}

// monitor periodically probes each slot and respawns workers that died
// while there is still work to do.
func (p *Pool) monitor(ctx context.Context) {
	defer close(p.monitorDone)
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopMonitor:
			return
		case <-ticker.C:
		}
		if p.queue.Closed() && p.queue.Len() == 0 {
			continue
		}
		p.mu.Lock()
		for _, s := range p.slots {
			if s.alive || s.exhausted {
				continue
			}
			if s.restarts >= p.cfg.MaxRestarts {
				s.exhausted = true
				p.logger.Error("worker exceeded restart budget, leaving slot dead",
					"worker", s.id, "restarts", s.restarts)
				continue
			}
			s.restarts++
			p.logger.Warn("respawning dead worker", "worker", s.id, "restart", s.restarts)
			if err := p.spawnLocked(ctx, s); err != nil {
				p.logger.Error("worker respawn failed", "worker", s.id, "err", err)
			}
		}
		p.mu.Unlock()
	}
}

// Shutdown stops intake, waits up to the grace period for workers to
// finish in-flight sends, then cancels whatever is left and reports
// the messages still queued as undelivered.
func (p *Pool) Shutdown(ctx context.Context) []*push.Message {
	p.queue.Close()
	if !p.started {
		// Nothing was spawned: no monitor to stop, no workers to wait
		// for. Report whatever intake accepted before the failure.
		return p.queue.Drain()
	}
	p.started = false
	close(p.stopMonitor)
	<-p.monitorDone

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(p.cfg.GracePeriod):
		p.logger.Warn("grace period elapsed, cancelling in-flight workers")
		p.cancel()
		<-drained
	case <-ctx.Done():
		p.cancel()
		<-drained
	}
	p.cancel()

	undelivered := p.queue.Drain()
	if len(undelivered) > 0 {
		p.logger.Warn("messages left undelivered at shutdown", "count", len(undelivered))
	} else {
		p.logger.Info("worker pool drained cleanly")
	}
	return undelivered
}
