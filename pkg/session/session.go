package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/harunnryd/livetag/pkg/adapters/annotator"
	"github.com/harunnryd/livetag/pkg/adapters/stt"
	"github.com/harunnryd/livetag/pkg/annotate"
	"github.com/harunnryd/livetag/pkg/bus"
	"github.com/harunnryd/livetag/pkg/errorsx"
	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/logging"
	"github.com/harunnryd/livetag/pkg/metrics"
	"github.com/harunnryd/livetag/pkg/pipeline"
	"github.com/harunnryd/livetag/pkg/reconcile"
	"github.com/harunnryd/livetag/pkg/transports"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateAccepted       State = "ACCEPTED"
	StateWorkerAcquired State = "WORKER_ACQUIRED"
	StateStreaming      State = "STREAMING"
	StateClosedNormal   State = "CLOSED_NORMAL"
	StateClosedError    State = "CLOSED_ERROR"
	StateReleased       State = "RELEASED"
)

// WorkerPool leases annotators; *workerpool.Pool[annotator.Annotator]
// satisfies it.
type WorkerPool interface {
	Checkout(ctx context.Context) (annotator.Annotator, error)
	Checkin(w annotator.Annotator) error
}

// Publisher receives tag lines, rollbacks and lifecycle changes.
type Publisher interface {
	PublishLine(sessionID, traceID string, line frames.TagLine) error
	PublishRollback(sessionID, traceID string, count int) error
	PublishLifecycle(evt bus.LifecycleEvent) error
}

// Recorder persists tag lines and rollbacks.
type Recorder interface {
	AppendSession(ctx context.Context, sessionID, traceID, remoteAddr string) error
	AppendLine(ctx context.Context, sessionID string, line frames.TagLine) error
	AppendRollback(ctx context.Context, sessionID string, count int) error
}

// Deps are shared by every session of a server.
type Deps struct {
	Pool       WorkerPool
	Recognizer stt.Factory
	Normalizer *reconcile.Normalizer
	Pipeline   pipeline.Config
	SampleRate int
	Channels   int
	Language   string
	// ReadBuffer is the inbound read size in bytes.
	ReadBuffer int
	Observer   metrics.Observer
	Publisher  Publisher
	Recorder   Recorder
	Logger     *slog.Logger
}

// Session serves one client connection: audio in, tag lines out.
type Session struct {
	ID      string
	TraceID string

	conn transports.Conn
	deps Deps
	log  *slog.Logger
	pts  *frames.PTSGen

	mu        sync.Mutex
	state     State
	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	ran       bool
}

func New(conn transports.Conn, deps Deps) *Session {
	if deps.ReadBuffer <= 0 {
		deps.ReadBuffer = 1024
	}
	if deps.SampleRate <= 0 {
		deps.SampleRate = 16000
	}
	if deps.Channels <= 0 {
		deps.Channels = 1
	}
	if deps.Normalizer == nil {
		deps.Normalizer = reconcile.NewNormalizer(nil)
	}
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	s := &Session{
		ID:      conn.ID(),
		TraceID: uuid.NewString(),
		conn:    conn,
		deps:    deps,
		pts:     frames.NewPTSGen(),
		stop:    make(chan struct{}),
	}
	s.log = logging.NewComponentLogger(base, "session").With(
		frames.MetaSessionID, s.ID,
		frames.MetaTraceID, s.TraceID,
		frames.MetaRemoteAddr, conn.RemoteAddr(),
	)
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close ends the session from outside: the connection is closed and the
// pipeline drains as on a peer disconnect.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.closeConn()
}

// Run serves the connection until the recognizer ends, the peer disconnects
// or a stage fails. The leased annotator is checked in exactly once before
// Run returns, whatever the exit path.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return errors.New("session already ran")
	}
	s.ran = true
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.watchStop(ctx, cancel)

	ctx, span := otel.Tracer("github.com/harunnryd/livetag/pkg/session").Start(ctx, "livetag.session",
		trace.WithAttributes(
			attribute.String(frames.MetaSessionID, s.ID),
			attribute.String(frames.MetaTraceID, s.TraceID),
			attribute.String(frames.MetaRemoteAddr, s.conn.RemoteAddr()),
		))
	defer span.End()
	defer s.closeConn()

	s.transition(StateAccepted, nil)
	metrics.Count(s.deps.Observer, "session_started", s.tags())
	if s.deps.Recorder != nil {
		if rerr := s.deps.Recorder.AppendSession(ctx, s.ID, s.TraceID, s.conn.RemoteAddr()); rerr != nil {
			s.log.Warn("store_append_failed", "error", rerr)
		}
	}

	ann, err := s.deps.Pool.Checkout(ctx)
	if err != nil {
		s.log.Warn("pool_checkout_failed", "error", err, "reason", string(errorsx.Reason(err)))
		s.finish(span, err)
		return err
	}
	defer s.release(ann)
	s.transition(StateWorkerAcquired, nil)
	s.log.Info("worker_acquired", "annotator", ann.Name())

	err = s.stream(ctx, ann)
	s.finish(span, err)
	return err
}

// watchStop cancels the session context when Close is called.
func (s *Session) watchStop(ctx context.Context, cancel context.CancelFunc) {
	select {
	case <-s.stop:
		cancel()
	case <-ctx.Done():
	}
}

func (s *Session) stream(ctx context.Context, ann annotator.Annotator) error {
	rec, err := s.deps.Recognizer(stt.Config{
		StreamID:   s.ID,
		TraceID:    s.TraceID,
		SampleRate: s.deps.SampleRate,
		Channels:   s.deps.Channels,
		Language:   s.deps.Language,
	})
	if err != nil {
		return errorsx.Wrapf(errorsx.ReasonRecognizerConnect, "build recognizer: %w", err)
	}
	defer func() { _ = rec.Close() }()
	if err := rec.Start(ctx); err != nil {
		return errorsx.Wrapf(errorsx.ReasonRecognizerConnect, "start recognizer: %w", err)
	}

	reconciler := reconcile.New(s.ID,
		reconcile.WithNormalizer(s.deps.Normalizer),
		reconcile.WithObserver(s.deps.Observer),
		reconcile.WithLogger(s.log),
	)
	forwarder := annotate.NewForwarder(s.ID, ann,
		annotate.WithObserver(s.deps.Observer),
		annotate.WithLogger(s.log),
	)
	p := pipeline.NewBuilder().
		WithSource(resultsSource(rec)).
		WithProcessor(reconciler).
		WithProcessor(forwarder).
		WithSink(newLineWriter(ctx, s)).
		Build(s.deps.Pipeline)
	p.SetObserver(s.deps.Observer)
	if err := p.Start(ctx); err != nil {
		return err
	}
	s.transition(StateStreaming, nil)
	s.log.Info("session_started", "recognizer", rec.Name())

	pumpCtx, stopPump := context.WithCancel(ctx)
	pumpErr := make(chan error, 1)
	go func() {
		err := s.pump(pumpCtx, rec)
		if err != nil {
			_ = p.Stop()
		}
		pumpErr <- err
	}()

	werr := p.Wait()
	stopPump()
	// A blocked Read only returns once the connection is closed.
	s.closeConn()
	perr := <-pumpErr
	if werr != nil {
		return werr
	}
	return perr
}

// pump forwards inbound bytes to the recognizer and signals end of audio on
// EOF or any read error. Only recognizer send failures are returned.
func (s *Session) pump(ctx context.Context, rec stt.StreamingRecognizer) error {
	defer func() { _ = rec.CloseSend() }()
	buf := make([]byte, s.deps.ReadBuffer)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return nil
			}
			metrics.Add(s.deps.Observer, "session_audio_bytes", float64(n), s.tags())
			frame := frames.NewAudioFrameFromPool(s.ID, s.pts.Next(s.ID), buf[:n], s.deps.SampleRate, s.deps.Channels, nil)
			serr := rec.SendAudio(frame)
			frames.ReleaseAudioFrame(frame)
			if serr != nil {
				return errorsx.Wrapf(errorsx.ReasonRecognizerSend, "send audio: %w", serr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Debug("connection_read_ended", "error", err, "reason", string(errorsx.ReasonConnectionRead))
			}
			return nil
		}
	}
}

func (s *Session) release(ann annotator.Annotator) {
	if err := s.deps.Pool.Checkin(ann); err != nil {
		s.log.Error("pool_checkin_failed", "error", err)
	}
	s.transition(StateReleased, nil)
	s.log.Info("worker_released")
}

func (s *Session) finish(span trace.Span, err error) {
	state := StateClosedNormal
	if err != nil {
		state = StateClosedError
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errorsx.Reason(err)))
	}
	s.transition(state, err)
	tags := s.tags()
	tags["state"] = string(state)
	if err != nil {
		tags[frames.MetaReason] = string(errorsx.Reason(err))
		s.log.Warn("session_closed", "state", string(state), "reason", tags[frames.MetaReason], "error", err)
	} else {
		s.log.Info("session_closed", "state", string(state))
	}
	metrics.Count(s.deps.Observer, "session_closed", tags)
}

func (s *Session) transition(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.deps.Publisher == nil {
		return
	}
	evt := bus.LifecycleEvent{
		SessionID:  s.ID,
		TraceID:    s.TraceID,
		State:      string(state),
		RemoteAddr: s.conn.RemoteAddr(),
	}
	if err != nil {
		evt.Reason = string(errorsx.Reason(err))
	}
	if perr := s.deps.Publisher.PublishLifecycle(evt); perr != nil {
		s.log.Debug("bus_publish_failed", "error", perr)
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

func (s *Session) tags() map[string]string {
	return map[string]string{
		frames.MetaStreamID: s.ID,
		frames.MetaTraceID:  s.TraceID,
	}
}

func resultsSource(rec stt.StreamingRecognizer) pipeline.Producer {
	results := rec.Results()
	return pipeline.ProducerFunc{
		Label: rec.Name(),
		Fn: func(ctx context.Context) (frames.Frame, error) {
			select {
			case f, ok := <-results:
				if !ok {
					return nil, io.EOF
				}
				return f, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}
