package livetag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/adapters/annotator"
	"github.com/harunnryd/livetag/pkg/adapters/stt"
	"github.com/harunnryd/livetag/pkg/bus"
	"github.com/harunnryd/livetag/pkg/logging"
	"github.com/harunnryd/livetag/pkg/metrics"
	"github.com/harunnryd/livetag/pkg/observers"
	"github.com/harunnryd/livetag/pkg/pipeline"
	"github.com/harunnryd/livetag/pkg/reconcile"
	"github.com/harunnryd/livetag/pkg/redact"
	"github.com/harunnryd/livetag/pkg/runner"
	"github.com/harunnryd/livetag/pkg/session"
	"github.com/harunnryd/livetag/pkg/store"
	"github.com/harunnryd/livetag/pkg/telemetry"
	"github.com/harunnryd/livetag/pkg/transports"
	"github.com/harunnryd/livetag/pkg/transports/tcp"
	"github.com/harunnryd/livetag/pkg/transports/websocket"
	"github.com/harunnryd/livetag/pkg/workerpool"
	"go.opentelemetry.io/otel"
)

const serviceName = "livetag"

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport overrides the one built from server.transport.
	Transport transports.Transport
}

// Engine owns the annotator pool and serves one session per connection.
type Engine struct {
	cfg        Config
	providers  *ProviderRegistry
	transport  transports.Transport
	recognizer stt.Factory
	annotators annotator.Factory
	normalizer *reconcile.Normalizer
	registry   *session.Registry
	runner     *runner.LifecycleRunner
	log        *slog.Logger

	mu        sync.Mutex
	pool      *workerpool.Pool[annotator.Annotator]
	obs       *metrics.AsyncObserver
	closers   []func(context.Context) error
	publisher *bus.Publisher
	store     *store.Store
	sessions  sync.WaitGroup
	ready     chan struct{}
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	recognizer, err := providers.BuildRecognizerFactory(cfg.Vendors.Recognizer.Provider, cfg.Vendors.Recognizer.Settings)
	if err != nil {
		return nil, err
	}
	annotators, err := providers.AnnotatorFactory(cfg.Vendors.Annotator.Provider)
	if err != nil {
		return nil, err
	}
	transport := opts.Transport
	if transport == nil {
		transport = buildTransport(cfg.Server)
	}

	e := &Engine{
		cfg:        cfg,
		providers:  providers,
		transport:  transport,
		recognizer: recognizer,
		annotators: annotators,
		normalizer: reconcile.NewNormalizer(cfg.Reconciler.Fillers),
		registry:   session.NewRegistry(),
		log:        logging.NewComponentLogger(slog.Default(), "engine"),
		ready:      make(chan struct{}),
	}

	slog.Info("livetag_init",
		"environment", cfg.Environment,
		"recognizer_provider", cfg.Vendors.Recognizer.Provider,
		"annotator_provider", cfg.Vendors.Annotator.Provider,
		"transport", transport.Name(),
		"pool_size", cfg.Pool.Size,
		"checkout", cfg.Pool.Checkout,
	)
	pipeline.LogConfiguration(cfg.Pipeline)

	drainTimeout := time.Duration(cfg.Server.DrainTimeoutMS) * time.Millisecond
	if drainTimeout <= 0 {
		drainTimeout = 20 * time.Second
	}
	hooks := runner.Hooks{
		OnStart: func(ctx context.Context) error {
			if err := e.start(ctx); err != nil {
				e.shutdown()
				return err
			}
			return nil
		},
		OnStop: e.shutdown,
	}
	drainer := runner.DrainerFunc(func() error {
		_ = e.transport.Stop()
		e.registry.SetDraining(true)
		e.registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if !e.registry.WaitForEmpty(ctx, 100*time.Millisecond) {
			return fmt.Errorf("%d sessions still active after drain", e.registry.Count())
		}
		e.sessions.Wait()
		return nil
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, drainTimeout+5*time.Second)
	return e, nil
}

func buildTransport(cfg ServerConfig) transports.Transport {
	if strings.EqualFold(cfg.Transport, "websocket") {
		return websocket.New(websocket.Config{
			ListenAddr:     cfg.ListenAddr,
			WebsocketPath:  cfg.WebsocketPath,
			AllowAnyOrigin: cfg.AllowAnyOrigin,
			AllowedOrigins: cfg.AllowedOrigins,
		})
	}
	return tcp.New(tcp.Config{ListenAddr: cfg.ListenAddr})
}

// Run blocks until ctx ends or Stop is called, then drains active sessions.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Ready is closed once the pool is built and the transport accepts.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

// Pool is nil until the engine started.
func (e *Engine) Pool() *workerpool.Pool[annotator.Annotator] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool
}

func (e *Engine) start(ctx context.Context) error {
	tp, err := telemetry.Setup(ctx, telemetry.Config{
		MetricsAddr:  e.cfg.Telemetry.MetricsAddr,
		OTLPEndpoint: e.cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: e.cfg.Telemetry.OTLPInsecure,
		TraceStdout:  e.cfg.Telemetry.TraceStdout,
		SampleRate:   e.cfg.Telemetry.SampleRate,
		ServiceName:  serviceName,
		Environment:  e.cfg.Environment,
	}, e.log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	e.addCloser(tp.Shutdown)
	if addr := strings.TrimSpace(e.cfg.Telemetry.MetricsAddr); addr != "" && tp.Handler != nil {
		if err := e.serveMetrics(addr, tp.Handler); err != nil {
			return err
		}
	}

	obs := e.buildObservers()
	e.mu.Lock()
	e.obs = obs
	e.mu.Unlock()

	policy, err := workerpool.ParsePolicy(e.cfg.Pool.Checkout)
	if err != nil {
		return err
	}
	p, err := workerpool.New(ctx, workerpool.Config{
		Size:     e.cfg.Pool.Size,
		Policy:   policy,
		Timeout:  time.Duration(e.cfg.Pool.CheckoutTimeoutMS) * time.Millisecond,
		Observer: obs,
		Name:     "annotators",
	}, workerpool.Factory[annotator.Annotator](e.annotators), e.cfg.Vendors.Annotator.Settings)
	if err != nil {
		return fmt.Errorf("build annotator pool: %w", err)
	}
	e.mu.Lock()
	e.pool = p
	e.mu.Unlock()

	if e.cfg.Store.Path != "" {
		st, err := store.Open(ctx, e.cfg.Store, logging.NewComponentLogger(slog.Default(), "store"))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		e.store = st
	}
	if e.cfg.Bus.Enabled() {
		pub, err := bus.Connect(ctx, e.cfg.Bus, logging.NewComponentLogger(slog.Default(), "bus"))
		if err != nil {
			e.log.Warn("bus_unavailable", "error", err)
		} else {
			e.publisher = pub
		}
	}

	if err := e.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	go e.accept(context.WithoutCancel(ctx))

	fields := []any{"transport", e.transport.Name()}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	e.log.Info("engine_ready", fields...)
	close(e.ready)
	return nil
}

func (e *Engine) buildObservers() *metrics.AsyncObserver {
	list := []metrics.Observer{
		observers.NewLatencyObserver(logging.NewComponentLogger(slog.Default(), "latency")),
		observers.NewLoggerObserver(logging.NewComponentLogger(slog.Default(), "metrics")),
		observers.NewOTelObserver(otel.Meter("github.com/harunnryd/livetag"), "livetag_"),
	}
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" {
		if days := e.cfg.Observability.RetentionDays; days > 0 {
			removed, err := observers.PurgeArtifacts(dir, time.Duration(days)*24*time.Hour, time.Now())
			if err != nil {
				e.log.Warn("artifact_purge_failed", "error", err)
			} else if removed > 0 {
				e.log.Info("artifacts_purged", "removed", removed)
			}
		}
		timeline := observers.NewTimelineObserver(dir)
		e.addCloser(func(context.Context) error { return timeline.Close() })
		list = append(list, timeline, observers.NewUsageObserver(dir, e.cfg.Server.SampleRate, e.cfg.Server.Channels))
	}
	rate := e.cfg.Observability.HistogramSampleRate
	if rate <= 0 {
		rate = 1
	}
	sampled := metrics.NewSamplingObserver(observers.NewMultiObserver(list...), rate)
	return metrics.NewAsyncObserver(sampled, 2048)
}

func (e *Engine) serveMetrics(addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics_server_failed", "error", err)
		}
	}()
	e.addCloser(srv.Shutdown)
	e.log.Info("metrics_listening", "addr", ln.Addr().String())
	return nil
}

func (e *Engine) accept(ctx context.Context) {
	deps := e.sessionDeps()
	for conn := range e.transport.Accept() {
		s := session.New(conn, deps)
		if !e.registry.Add(s) {
			e.log.Warn("session_rejected", "remote_addr", conn.RemoteAddr(), "draining", e.registry.Draining())
			_ = conn.Close()
			continue
		}
		e.sessions.Add(1)
		go func() {
			defer e.sessions.Done()
			defer e.registry.Remove(s.ID)
			_ = s.Run(ctx)
		}()
	}
}

func (e *Engine) sessionDeps() session.Deps {
	e.mu.Lock()
	defer e.mu.Unlock()
	deps := session.Deps{
		Pool:       e.pool,
		Recognizer: e.recognizer,
		Normalizer: e.normalizer,
		Pipeline:   e.cfg.Pipeline,
		SampleRate: e.cfg.Server.SampleRate,
		Channels:   e.cfg.Server.Channels,
		Language:   e.cfg.Server.Language,
		ReadBuffer: e.cfg.Server.ReadBuffer,
		Observer:   e.obs,
		Logger:     slog.Default(),
	}
	if e.publisher != nil {
		deps.Publisher = e.publisher
	}
	if e.store != nil {
		deps.Recorder = e.store
	}
	return deps
}

func (e *Engine) addCloser(fn func(context.Context) error) {
	e.mu.Lock()
	e.closers = append(e.closers, fn)
	e.mu.Unlock()
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	p, obs, closers := e.pool, e.obs, e.closers
	e.mu.Unlock()

	if p != nil {
		_ = p.Close()
	}
	if e.publisher != nil {
		e.publisher.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
	if obs != nil {
		obs.Close()
		if n := obs.Dropped(); n > 0 {
			e.log.Warn("metrics_events_dropped", "count", n)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			e.log.Warn("shutdown_step_failed", "error", err)
		}
	}
	e.log.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", e.registry.Count())
}
