package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/adapters/stt"
	"github.com/harunnryd/livetag/pkg/configutil"
	"github.com/harunnryd/livetag/pkg/errorsx"
	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/logging"
	"github.com/harunnryd/livetag/pkg/redact"
	"github.com/harunnryd/livetag/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Settings struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Language       string        `mapstructure:"language"`
	Encoding       string        `mapstructure:"encoding"`
	UtteranceEndMS int           `mapstructure:"utterance_end_ms"`
	Endpointing    string        `mapstructure:"endpointing"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

func SettingsSchema() configutil.Schema {
	return configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "encoding", "utterance_end_ms", "endpointing", "drain_timeout", "max_retries", "retry_backoff"},
	}
}

func (s Settings) withDefaults() Settings {
	if s.Model == "" {
		s.Model = "nova-2"
	}
	if s.Language == "" {
		s.Language = "en-US"
	}
	if s.Encoding == "" {
		s.Encoding = "linear16"
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = 3 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 2
	}
	return s
}

// NewFactory validates settings once and returns a per-session factory.
func NewFactory(settings map[string]any) (stt.Factory, error) {
	if err := configutil.ValidateSettings(settings, SettingsSchema()); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	var s Settings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	s = s.withDefaults()
	return func(cfg stt.Config) (stt.StreamingRecognizer, error) {
		return New(cfg, s), nil
	}, nil
}

// Recognizer streams PCM to Deepgram with interim results and turns every
// transcript message into one hypothesis batch. The result index advances
// after each final message, since Deepgram never revises a finalized segment.
type Recognizer struct {
	cfg      stt.Config
	settings Settings
	logger   *slog.Logger
	retry    resilience.RetryPolicy

	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	pts        *frames.PTSGen

	ctx    context.Context
	cancel context.CancelFunc

	// outMu guards out against sends after close.
	outMu     sync.RWMutex
	out       chan frames.Frame
	outClosed bool

	mu          sync.Mutex
	resultIndex int
	metaLogged  bool
	serverGone  chan struct{}
	goneOnce    sync.Once
	sendOnce    sync.Once
}

func New(cfg stt.Config, settings Settings) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	settings = settings.withDefaults()
	return &Recognizer{
		cfg:        cfg,
		settings:   settings,
		logger:     logging.NewComponentLogger(slog.Default(), "deepgram_recognizer"),
		retry:      resilience.NewRetryPolicy(settings.MaxRetries, settings.RetryBackoff),
		out:        make(chan frames.Frame, 256),
		pts:        frames.NewPTSGen(),
		serverGone: make(chan struct{}),
	}
}

func (r *Recognizer) Name() string { return "deepgram" }

func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.pipeReader, r.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.settings.Model,
		Language:       r.settings.Language,
		Encoding:       r.settings.Encoding,
		SampleRate:     r.cfg.SampleRate,
		Channels:       r.cfg.Channels,
		InterimResults: true,
		Punctuate:      false,
		Endpointing:    r.settings.Endpointing,
	}
	if r.settings.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(r.settings.UtteranceEndMS)
		transcriptOptions.VadEvents = true
	}

	r.logger.Info("deepgram_connecting",
		slog.String("stream_id", r.cfg.StreamID),
		slog.String("model", r.settings.Model),
		slog.Int("sample_rate", r.cfg.SampleRate))

	err := r.retry.Do(r.ctx, func() error {
		dgClient, err := client.NewWSUsingCallback(r.ctx, r.settings.APIKey, clientOptions, transcriptOptions, &callback{parent: r})
		if err != nil {
			return err
		}
		if !dgClient.Connect() {
			return errors.New("deepgram connection failed")
		}
		r.dgClient = dgClient
		return nil
	})
	if err != nil {
		r.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", r.cfg.StreamID),
			slog.String("error", err.Error()))
		r.closeResults()
		return errorsx.Wrap(err, errorsx.ReasonRecognizerConnect)
	}
	r.logger.Info("deepgram_connected", slog.String("stream_id", r.cfg.StreamID))

	go r.stream()
	return nil
}

// stream pumps audio until CloseSend, then waits for trailing results.
func (r *Recognizer) stream() {
	defer r.closeResults()
	if err := r.dgClient.Stream(r.pipeReader); err != nil && r.ctx.Err() == nil && !errors.Is(err, io.EOF) {
		r.logger.Error("deepgram_stream_error",
			slog.String("stream_id", r.cfg.StreamID),
			slog.String("error", err.Error()),
			slog.String("reason", string(errorsx.ReasonRecognizerStream)))
	}
	timer := time.NewTimer(r.settings.DrainTimeout)
	defer timer.Stop()
	select {
	case <-r.serverGone:
	case <-r.ctx.Done():
	case <-timer.C:
		r.logger.Debug("deepgram_drain_timeout", slog.String("stream_id", r.cfg.StreamID))
	}
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	if r.pipeWriter == nil {
		return errorsx.Wrap(errors.New("not started"), errorsx.ReasonRecognizerSend)
	}
	if _, err := r.pipeWriter.Write(frame.RawPayload()); err != nil {
		return errorsx.Wrapf(errorsx.ReasonRecognizerSend, "send audio: %w", err)
	}
	return nil
}

func (r *Recognizer) CloseSend() error {
	r.sendOnce.Do(func() {
		if r.pipeWriter != nil {
			_ = r.pipeWriter.Close()
		}
	})
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

func (r *Recognizer) Close() error {
	_ = r.CloseSend()
	r.closeResults()
	return nil
}

func (r *Recognizer) closeResults() {
	if r.cancel != nil {
		r.cancel()
	}
	r.outMu.Lock()
	if r.outClosed {
		r.outMu.Unlock()
		return
	}
	r.outClosed = true
	close(r.out)
	r.outMu.Unlock()
	if r.dgClient != nil {
		r.dgClient.Stop()
	}
	r.logger.Info("deepgram_closed", slog.String("stream_id", r.cfg.StreamID))
}

func (r *Recognizer) emit(f frames.Frame) {
	r.outMu.RLock()
	defer r.outMu.RUnlock()
	if r.outClosed {
		return
	}
	select {
	case r.out <- f:
	case <-r.ctx.Done():
	}
}

// batch converts one transcript message and advances the result index
// after a final one.
func (r *Recognizer) batch(mr *msginterfaces.MessageResponse) (frames.HypothesisFrame, bool) {
	if len(mr.Channel.Alternatives) == 0 {
		return frames.HypothesisFrame{}, false
	}
	alt := mr.Channel.Alternatives[0]
	spans := make([]frames.WordSpan, 0, len(alt.Words))
	for _, w := range alt.Words {
		spans = append(spans, frames.WordSpan{Word: w.Word, Start: w.Start, End: w.End})
	}

	r.mu.Lock()
	index := r.resultIndex
	if mr.IsFinal {
		r.resultIndex++
	}
	r.mu.Unlock()

	meta := map[string]string{
		frames.MetaSource:      "deepgram",
		frames.MetaIsFinal:     strconv.FormatBool(mr.IsFinal),
		frames.MetaResultIndex: strconv.Itoa(index),
	}
	if r.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = r.cfg.TraceID
	}
	return frames.NewHypothesisFrame(r.cfg.StreamID, r.pts.Next(r.cfg.StreamID), index, spans, meta), true
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened", slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	f, ok := c.parent.batch(mr)
	if !ok {
		return nil
	}
	c.parent.logger.Debug("hypothesis_received",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("transcript", redact.Text(mr.Channel.Alternatives[0].Transcript)),
		slog.Int("result_index", f.ResultIndex()),
		slog.Bool("is_final", mr.IsFinal))
	c.parent.emit(f)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	first := !c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if first {
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("deepgram_utterance_end", slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.goneOnce.Do(func() { close(c.parent.serverGone) })
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg),
		slog.String("reason", string(errorsx.ReasonRecognizerStream)))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
