package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/metrics"
	"github.com/sourcegraph/conc/pool"
)

var (
	// ErrAlreadyStarted is returned by Start on a pipeline that already ran.
	ErrAlreadyStarted = errors.New("pipeline already started")
	// ErrStagePanic wraps a panic raised inside a stage.
	ErrStagePanic = errors.New("pipeline stage panicked")
)

// Pipeline runs a producer followed by processors, each in its own goroutine,
// connected by point-to-point channels. Stop ends the producer; the close of
// its output channel travels down the stages so nothing in flight is lost.
type Pipeline struct {
	cfg   Config
	src   Producer
	procs []FrameProcessor
	sink  func(frames.Frame)
	obs   metrics.Observer

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// Connect wires src to procs in order: the output of every stage feeds the
// next one.
func Connect(cfg Config, src Producer, procs ...FrameProcessor) *Pipeline {
	p := &Pipeline{
		cfg:    cfg.withDefaults(),
		src:    src,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, proc := range procs {
		if proc != nil {
			p.procs = append(p.procs, proc)
		}
	}
	return p
}

// SetSink receives whatever the last stage returns. Without a sink those
// frames are discarded.
func (p *Pipeline) SetSink(sink func(frames.Frame))  { p.sink = sink }
func (p *Pipeline) SetObserver(obs metrics.Observer) { p.obs = obs }

// Start launches one goroutine per stage. The first stage error cancels ctx
// for every stage and is reported by Wait.
func (p *Pipeline) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	logPipeline(p.src, p.procs)

	chans := make([]chan frames.Frame, len(p.procs)+1)
	for i := range chans {
		chans[i] = make(chan frames.Frame, p.cfg.StageBuffer)
	}

	workers := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	workers.Go(func(ctx context.Context) error {
		return p.runSource(ctx, chans[0])
	})
	for i, proc := range p.procs {
		in, out := chans[i], chans[i+1]
		workers.Go(func(ctx context.Context) error {
			return p.runStage(ctx, proc, in, out)
		})
	}
	workers.Go(func(ctx context.Context) error {
		for f := range chans[len(chans)-1] {
			if p.sink != nil && ctx.Err() == nil {
				p.sink(f)
			}
		}
		return nil
	})

	go func() {
		err := workers.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return nil
}

// Stop ends the producer and waits until every stage has drained and exited.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	return p.Wait()
}

// Wait blocks until all stages exited and returns the first stage error.
func (p *Pipeline) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once every stage has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) runSource(ctx context.Context, out chan<- frames.Frame) (err error) {
	defer recoverStage(p.src.Name(), &err)
	defer close(out)
	if err := enter(p.src); err != nil {
		return err
	}
	defer func() {
		if xerr := exit(p.src); xerr != nil && err == nil {
			err = xerr
		}
	}()

	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-srcCtx.Done():
		}
	}()

	for {
		f, err := p.src.Produce(srcCtx)
		if err != nil {
			if errors.Is(err, io.EOF) || srcCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", p.src.Name(), err)
		}
		if f == nil {
			continue
		}
		if !send(ctx, out, f) {
			return nil
		}
	}
}

func (p *Pipeline) runStage(ctx context.Context, proc FrameProcessor, in <-chan frames.Frame, out chan<- frames.Frame) (err error) {
	defer recoverStage(proc.Name(), &err)
	defer close(out)
	if err := enter(proc); err != nil {
		return err
	}
	defer func() {
		if xerr := exit(proc); xerr != nil && err == nil {
			err = xerr
		}
	}()
	for f := range in {
		if ctx.Err() != nil {
			frames.ReleaseAudioFrame(f)
			continue
		}
		start := time.Now()
		res, err := proc.Process(f)
		if err != nil {
			return fmt.Errorf("%s: %w", proc.Name(), err)
		}
		p.recordStage(proc.Name(), f, start, len(res))
		for _, r := range res {
			if !send(ctx, out, r) {
				break
			}
		}
	}
	return nil
}

// recoverStage reports a stage panic as that stage's error so the rest of the
// pipeline is cancelled and drained like on any other failure.
func recoverStage(name string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s: %w: %v", name, ErrStagePanic, r)
	}
}

func send(ctx context.Context, ch chan<- frames.Frame, f frames.Frame) bool {
	select {
	case <-ctx.Done():
		frames.ReleaseAudioFrame(f)
		return false
	case ch <- f:
		return true
	}
}

func enter(node any) error {
	if e, ok := node.(Enterer); ok {
		return e.Enter()
	}
	return nil
}

func exit(node any) error {
	if e, ok := node.(Exiter); ok {
		return e.Exit()
	}
	return nil
}

func (p *Pipeline) recordStage(name string, f frames.Frame, start time.Time, out int) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{
		"processor":         name,
		"kind":              string(f.Kind()),
		frames.MetaStreamID: f.Meta()[frames.MetaStreamID],
	}
	metrics.Observe(p.obs, "stage_latency_us", float64(time.Since(start).Microseconds()), tags)
	if out > 0 {
		p.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "frame_out",
			Type:  metrics.EventCounter,
			Time:  time.Now(),
			Value: float64(out),
			Tags:  tags,
		})
	}
}

func logPipeline(src Producer, procs []FrameProcessor) {
	names := make([]string, 0, len(procs)+1)
	if src != nil {
		names = append(names, src.Name())
	}
	for _, p := range procs {
		names = append(names, p.Name())
	}
	slog.Debug("pipeline", "order", strings.Join(names, " -> "))
}
