// Package worker runs a fixed pool of consumers over a disk queue. Failed
// elements are offered back to the tail with jittered exponential backoff.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/diskqueue/internal/logging"
	"github.com/szibis/diskqueue/internal/queue"
)

// Queue is the part of queue.Queue a Pool consumes from.
type Queue[E any] interface {
	Take(ctx context.Context) (E, error)
	Offer(e E) error
	Name() string
}

// Handler processes one element. Returning an error re-queues the element
// unless the error is wrapped with Permanent.
type Handler[E any] func(ctx context.Context, e E) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; the element is dropped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config holds the pool configuration.
type Config struct {
	// Workers is the number of concurrent consumers (default: 4).
	Workers int
	// HandlerTimeout bounds each Handler call (default: 30s).
	HandlerTimeout time.Duration
	// BaseDelay is the first backoff after a failure (default: 100ms).
	BaseDelay time.Duration
	// MaxDelay caps the backoff (default: 30s).
	MaxDelay time.Duration
	// BackoffMultiplier grows the delay after each consecutive failure
	// (default: 2).
	BackoffMultiplier float64
}

// DefaultConfig returns a default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		HandlerTimeout:    30 * time.Second,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = def.HandlerTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(def.MaxDelay, c.BaseDelay)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
}

// Pool consumes a queue with Config.Workers goroutines.
type Pool[E any] struct {
	cfg     Config
	q       Queue[E]
	handler Handler[E]
}

// New creates a pool over q. Nothing runs until Run.
func New[E any](cfg Config, q Queue[E], handler Handler[E]) *Pool[E] {
	cfg.applyDefaults()
	return &Pool[E]{cfg: cfg, q: q, handler: handler}
}

// Submit enqueues e for the workers.
func (p *Pool[E]) Submit(e E) error {
	return p.q.Offer(e)
}

// Run blocks until ctx is done or the queue is closed. It returns nil on
// either, and the first unexpected queue error otherwise.
func (p *Pool[E]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	workersTotal.WithLabelValues(p.q.Name()).Set(float64(p.cfg.Workers))
	defer workersTotal.WithLabelValues(p.q.Name()).Set(0)

	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return p.workerLoop(ctx, id)
		})
	}
	logging.Info("worker pool started", logging.F("queue", p.q.Name(), "workers", p.cfg.Workers))
	err := g.Wait()
	logging.Info("worker pool stopped", logging.F("queue", p.q.Name()))
	return err
}

func (p *Pool[E]) workerLoop(ctx context.Context, id int) error {
	name := p.q.Name()
	backoff := p.cfg.BaseDelay

	for {
		e, err := p.q.Take(ctx)
		switch {
		case errors.Is(err, queue.ErrQueueClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			logging.Error("worker: failed to take from queue", logging.F(
				"queue", name,
				"worker_id", id,
				"error", err.Error(),
			))
			return err
		}

		workersActive.WithLabelValues(name).Inc()
		hctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
		start := time.Now()
		err = p.handler(hctx, e)
		cancel()
		handleDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		workersActive.WithLabelValues(name).Dec()

		if err == nil {
			processedTotal.WithLabelValues(name).Inc()
			backoff = p.cfg.BaseDelay
			continue
		}

		if IsPermanent(err) {
			droppedTotal.WithLabelValues(name).Inc()
			logging.Warn("worker: dropping element", logging.F(
				"queue", name,
				"worker_id", id,
				"error", err.Error(),
			))
			continue
		}

		failedTotal.WithLabelValues(name).Inc()
		if offerErr := p.q.Offer(e); offerErr != nil {
			droppedTotal.WithLabelValues(name).Inc()
			logging.Error("worker: failed to re-queue", logging.F(
				"queue", name,
				"worker_id", id,
				"error", offerErr.Error(),
			))
		} else {
			requeuedTotal.WithLabelValues(name).Inc()
		}

		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = min(time.Duration(float64(backoff)*p.cfg.BackoffMultiplier), p.cfg.MaxDelay)
	}
}

// sleep waits for d with ±10% jitter. It returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	jitter := time.Duration(float64(d) * 0.1 * (2*rand.Float64() - 1)) //nolint:gosec // jitter doesn't need crypto randomness
	d += jitter
	if d <= 0 {
		d = time.Millisecond
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
