package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// ErrDrainTimeout is returned by Stop when the drainer outlives the timeout.
var ErrDrainTimeout = errors.New("drain timeout")

type LifecycleRunner struct {
	state    int32
	mu       sync.Mutex
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:   int32(StateNew),
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
}

// Run blocks until ctx ends or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidTransition
	}
	if ctx == nil {
		ctx = context.Background()
	}
	PrintBanner()
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(runCtx); err != nil {
			cancel()
			r.setState(StateStopped)
			return fmt.Errorf("start: %w", err)
		}
	}
	r.setState(StateRunning)
	slog.Info("runner_running")
	<-runCtx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		slog.Info("runner_draining", "timeout_ms", r.timeout.Milliseconds())
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() {
				done <- r.drainer.Drain()
			}()
			select {
			case err := <-done:
				r.stopErr = err
			case <-time.After(r.timeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
		slog.Info("runner_stopped")
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
