package pipeline

import (
	"context"
	"log/slog"

	"github.com/harunnryd/livetag/pkg/frames"
)

// FrameProcessor is one pipeline stage. Process receives every frame from the
// upstream stage in arrival order and returns the frames to pass downstream.
type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

// Producer is the first stage of a pipeline. Produce blocks until a frame is
// available and returns io.EOF once the stream has ended.
type Producer interface {
	Produce(ctx context.Context) (frames.Frame, error)
	Name() string
}

// Enterer is implemented by stages that need setup before the first frame.
type Enterer interface {
	Enter() error
}

// Exiter is implemented by stages that need teardown after the last frame.
type Exiter interface {
	Exit() error
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc struct {
	Label string
	Fn    func(ctx context.Context) (frames.Frame, error)
}

func (p ProducerFunc) Name() string { return p.Label }

func (p ProducerFunc) Produce(ctx context.Context) (frames.Frame, error) { return p.Fn(ctx) }

// ProcessorFunc adapts a function to FrameProcessor.
type ProcessorFunc struct {
	Label string
	Fn    func(frames.Frame) ([]frames.Frame, error)
}

func (p ProcessorFunc) Name() string { return p.Label }

func (p ProcessorFunc) Process(f frames.Frame) ([]frames.Frame, error) { return p.Fn(f) }

type Config struct {
	// StageBuffer is the capacity of the channel between two stages.
	StageBuffer int `mapstructure:"stage_buffer"`
}

func (c Config) withDefaults() Config {
	if c.StageBuffer <= 0 {
		c.StageBuffer = 64
	}
	return c
}

func LogConfiguration(cfg Config) {
	cfg = cfg.withDefaults()
	slog.Info("pipeline_config",
		"stage_buffer", cfg.StageBuffer,
	)
}
