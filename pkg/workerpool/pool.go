package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/errorsx"
	"github.com/harunnryd/livetag/pkg/logging"
	"github.com/harunnryd/livetag/pkg/metrics"
	"github.com/sourcegraph/conc/pool"
)

var (
	ErrPoolExhausted = errors.New("worker pool exhausted")
	ErrPoolClosed    = errors.New("worker pool closed")
	ErrUnknownWorker = errors.New("worker not leased from this pool")
)

// Worker is a pooled resource. Reset clears per-stream state before the
// worker is handed to the next session.
type Worker interface {
	comparable
	Reset()
}

type Policy string

const (
	// PolicyFailFast makes Checkout fail immediately on an empty pool.
	PolicyFailFast Policy = "fail_fast"
	// PolicyWait makes Checkout block until a worker is checked in.
	PolicyWait Policy = "wait"
)

func ParsePolicy(value string) (Policy, error) {
	switch Policy(value) {
	case "", PolicyFailFast:
		return PolicyFailFast, nil
	case PolicyWait:
		return PolicyWait, nil
	default:
		return "", fmt.Errorf("unknown checkout policy %q", value)
	}
}

type Config struct {
	Size   int
	Policy Policy
	// Timeout bounds a waiting Checkout; zero waits until ctx ends.
	Timeout  time.Duration
	Observer metrics.Observer
	Name     string
}

// Factory builds one worker from provider settings.
type Factory[T Worker] func(ctx context.Context, settings map[string]any) (T, error)

// Pool is a fixed set of pre-built workers leased exclusively to one caller
// at a time.
type Pool[T Worker] struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	idle   []T
	leased map[T]struct{}
	closed bool
	// avail holds one token per idle worker for waiting checkouts.
	avail chan struct{}
	done  chan struct{}
}

// New builds cfg.Size workers in parallel and returns once every one of them
// is idle in the pool. Any construction error fails New.
func New[T Worker](ctx context.Context, cfg Config, factory Factory[T], settings map[string]any) (*Pool[T], error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", cfg.Size)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyFailFast
	}
	if cfg.Name == "" {
		cfg.Name = "workers"
	}
	p := &Pool[T]{
		cfg:    cfg,
		log:    logging.NewComponentLogger(slog.Default(), "workerpool"),
		leased: make(map[T]struct{}, cfg.Size),
		avail:  make(chan struct{}, cfg.Size),
		done:   make(chan struct{}),
	}

	start := time.Now()
	builders := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i := 0; i < cfg.Size; i++ {
		builders.Go(func(ctx context.Context) error {
			w, err := factory(ctx, settings)
			if err != nil {
				return fmt.Errorf("build worker %d: %w", i, err)
			}
			p.put(w)
			return nil
		})
	}
	if err := builders.Wait(); err != nil {
		p.closeIdle()
		return nil, err
	}
	p.log.Info("pool_ready",
		"pool", cfg.Name,
		"size", cfg.Size,
		"policy", string(cfg.Policy),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	p.gauge()
	return p, nil
}

func (p *Pool[T]) put(w T) {
	p.mu.Lock()
	p.idle = append(p.idle, w)
	p.mu.Unlock()
	p.avail <- struct{}{}
}

// Checkout leases one idle worker.
func (p *Pool[T]) Checkout(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	if p.cfg.Policy == PolicyWait {
		if err := p.awaitToken(ctx); err != nil {
			return zero, err
		}
	} else {
		select {
		case <-p.done:
			return zero, errorsx.Wrap(ErrPoolClosed, errorsx.ReasonPoolClosed)
		case <-p.avail:
		default:
			p.exhausted()
			return zero, errorsx.Wrap(ErrPoolExhausted, errorsx.ReasonPoolExhausted)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, errorsx.Wrap(ErrPoolClosed, errorsx.ReasonPoolClosed)
	}
	w := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.leased[w] = struct{}{}
	p.mu.Unlock()

	metrics.Count(p.cfg.Observer, "pool_checkout", map[string]string{"pool": p.cfg.Name})
	p.gauge()
	return w, nil
}

func (p *Pool[T]) awaitToken(ctx context.Context) error {
	var timeout <-chan time.Time
	if p.cfg.Timeout > 0 {
		timer := time.NewTimer(p.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-p.avail:
		return nil
	case <-p.done:
		return errorsx.Wrap(ErrPoolClosed, errorsx.ReasonPoolClosed)
	case <-ctx.Done():
		p.exhausted()
		return errorsx.Wrapf(errorsx.ReasonPoolExhausted, "%w: %w", ErrPoolExhausted, ctx.Err())
	case <-timeout:
		p.exhausted()
		return errorsx.Wrapf(errorsx.ReasonPoolExhausted, "%w: waited %s", ErrPoolExhausted, p.cfg.Timeout)
	}
}

// Checkin resets w and returns it to the idle set. Checking in a worker that
// is not currently leased fails with ErrUnknownWorker.
func (p *Pool[T]) Checkin(w T) error {
	p.mu.Lock()
	if _, ok := p.leased[w]; !ok {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	delete(p.leased, w)
	p.mu.Unlock()

	w.Reset()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeWorker(w)
		return nil
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
	p.avail <- struct{}{}

	metrics.Count(p.cfg.Observer, "pool_checkin", map[string]string{"pool": p.cfg.Name})
	p.gauge()
	return nil
}

// Close rejects further checkouts and closes idle workers that implement
// io.Closer. Leased workers are closed when they are checked in.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.closeIdle()
	return nil
}

func (p *Pool[T]) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, w := range idle {
		closeWorker(w)
	}
}

func closeWorker(w any) {
	if c, ok := w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("pool_worker_close_failed", "error", err)
		}
	}
}

func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool[T]) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

func (p *Pool[T]) Size() int { return p.cfg.Size }

func (p *Pool[T]) Policy() Policy { return p.cfg.Policy }

func (p *Pool[T]) exhausted() {
	p.log.Warn("pool_checkout_failed",
		"pool", p.cfg.Name,
		"reason", string(errorsx.ReasonPoolExhausted),
		"leased", p.Leased(),
	)
	metrics.Count(p.cfg.Observer, "pool_exhausted", map[string]string{"pool": p.cfg.Name})
}

func (p *Pool[T]) gauge() {
	metrics.Gauge(p.cfg.Observer, "pool_idle", float64(p.Idle()), map[string]string{
		"pool": p.cfg.Name,
		"size": strconv.Itoa(p.cfg.Size),
	})
}
