package runner

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func init() {
	BannerOutput = io.Discard
}

func TestLifecycleRunnerDrainsOnCancel(t *testing.T) {
	drained := make(chan struct{})
	started := make(chan struct{})
	r := NewLifecycleRunner(DrainerFunc(func() error {
		close(drained)
		return nil
	}), Hooks{OnStart: func(context.Context) error {
		close(started)
		return nil
	}}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	<-started
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-drained:
	default:
		t.Fatalf("expected drain")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainerFunc(func() error {
		<-block
		return nil
	}), Hooks{}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestLifecycleRunnerStartFailure(t *testing.T) {
	boom := errors.New("boom")
	r := NewLifecycleRunner(nil, Hooks{OnStart: func(context.Context) error { return boom }}, 0)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}
