package stt

import (
	"context"

	"github.com/harunnryd/livetag/pkg/frames"
)

// StreamingRecognizer defines the contract for any live recognition vendor.
// Results carries frames.HypothesisFrame batches and is closed once the
// recognizer reached end-of-stream or was closed.
type StreamingRecognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the recognition stream. Cancelling ctx ends it.
	Start(ctx context.Context) error
	// SendAudio sends one chunk of PCM audio.
	SendAudio(frame frames.AudioFrame) error
	// CloseSend tells the recognizer no more audio follows. Pending results
	// are still delivered before Results closes.
	CloseSend() error
	// Results returns the channel of hypothesis batches.
	Results() <-chan frames.Frame
	// Close shuts the stream down immediately.
	Close() error
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	StreamID   string
	TraceID    string
	SampleRate int
	Channels   int
	Language   string
}

// Factory builds one recognizer per session.
type Factory func(cfg Config) (StreamingRecognizer, error)
