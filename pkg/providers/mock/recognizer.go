package mock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/adapters/stt"
	"github.com/harunnryd/livetag/pkg/frames"
)

type RecognizerConfig struct {
	StreamID string
	TraceID  string
	Script   Script
	// WaitForAudio holds the first batch back until audio arrives.
	WaitForAudio bool
	// FailStart makes Start return an error.
	FailStart bool
}

// Recognizer replays a Script as hypothesis batches. Results closes once the
// script is exhausted and CloseSend was called, or on Close.
type Recognizer struct {
	cfg  RecognizerConfig
	out  chan frames.Frame
	pts  *frames.PTSGen
	gate chan struct{}
	eos  chan struct{}

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	audio     int
	gateOnce  sync.Once
	eosOnce   sync.Once
	closeOnce sync.Once
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	return &Recognizer{
		cfg:  cfg,
		out:  make(chan frames.Frame, len(cfg.Script.Batches)+1),
		pts:  frames.NewPTSGen(),
		gate: make(chan struct{}),
		eos:  make(chan struct{}),
	}
}

func (r *Recognizer) Name() string { return "scripted_recognizer" }

func (r *Recognizer) Start(ctx context.Context) error {
	if r.cfg.FailStart {
		return errors.New("scripted recognizer refused to start")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("already started")
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()
	if !r.cfg.WaitForAudio {
		r.gateOnce.Do(func() { close(r.gate) })
	}
	go r.replay(ctx)
	return nil
}

func (r *Recognizer) replay(ctx context.Context) {
	defer r.closeOnce.Do(func() { close(r.out) })
	select {
	case <-r.gate:
	case <-r.eos:
	case <-ctx.Done():
		return
	}
	for i, b := range r.cfg.Script.Batches {
		if i > 0 && r.cfg.Script.Interval > 0 {
			select {
			case <-time.After(r.cfg.Script.Interval):
			case <-ctx.Done():
				return
			}
		}
		meta := map[string]string{
			frames.MetaSource:      "scripted",
			frames.MetaResultIndex: strconv.Itoa(b.ResultIndex),
		}
		if r.cfg.TraceID != "" {
			meta[frames.MetaTraceID] = r.cfg.TraceID
		}
		f := frames.NewHypothesisFrame(r.cfg.StreamID, r.pts.Next(r.cfg.StreamID), b.ResultIndex, b.Spans(), meta)
		select {
		case r.out <- f:
		case <-ctx.Done():
			return
		}
	}
	select {
	case <-r.eos:
	case <-ctx.Done():
	}
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return errors.New("not started")
	}
	r.audio += len(frame.RawPayload())
	r.mu.Unlock()
	r.gateOnce.Do(func() { close(r.gate) })
	return nil
}

func (r *Recognizer) CloseSend() error {
	r.eosOnce.Do(func() { close(r.eos) })
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

func (r *Recognizer) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !started {
		r.closeOnce.Do(func() { close(r.out) })
	}
	return nil
}

// AudioBytes reports how many audio bytes were received.
func (r *Recognizer) AudioBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio
}

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
