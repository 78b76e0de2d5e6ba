package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/livetag/pkg/logging"
	"github.com/harunnryd/livetag/pkg/transports"
)

type Config struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":50007"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/stream"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport serves websocket clients: binary messages carry PCM, every tag
// line goes back as one text message.
type Transport struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	accept   chan transports.Conn

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	stopOnce sync.Once
	done     chan struct{}
	handlers sync.WaitGroup
	draining atomic.Bool
}

func New(cfg Config) *Transport {
	t := &Transport{
		cfg:    cfg.withDefaults(),
		log:    logging.NewComponentLogger(slog.Default(), "websocket_transport"),
		accept: make(chan transports.Conn),
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Accept() <-chan transports.Conn { return t.accept }

// Handler exposes the routes so the transport can be mounted elsewhere.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if t.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return err
	}
	server := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	t.mu.Lock()
	t.server = server
	t.listener = ln
	t.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.done:
		}
	}()
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("websocket_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.draining.Store(true)
		close(t.done)
		t.mu.Lock()
		server := t.server
		t.mu.Unlock()
		if server != nil {
			_ = server.Close()
		}
		t.handlers.Wait()
		close(t.accept)
	})
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	t.handlers.Add(1)
	defer t.handlers.Done()

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket_upgrade_failed", "error", err.Error())
		return
	}
	conn := newConn(ws)
	t.log.Info("websocket_client_connected", "conn_id", conn.ID(), "remote_addr", conn.RemoteAddr())
	select {
	case t.accept <- conn:
	case <-t.done:
		_ = conn.Close()
	}
}

func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.cfg.ListenAddr
	}
	return t.listener.Addr().String()
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"listen_addr": t.Addr(),
		"ws_path":     t.cfg.WebsocketPath,
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range t.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// conn reads binary messages as one continuous byte stream.
type conn struct {
	id string
	ws *websocket.Conn

	readMu  sync.Mutex
	pending io.Reader

	writeMu sync.Mutex
	once    sync.Once
	err     error
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{id: uuid.NewString(), ws: ws}
}

func (c *conn) ID() string         { return c.id }
func (c *conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.pending != nil {
			n, err := c.pending.Read(p)
			if errors.Is(err, io.EOF) {
				c.pending = nil
				if n == 0 {
					continue
				}
				err = nil
			}
			return n, err
		}
		kind, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return 0, io.EOF
			}
			return 0, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		c.pending = r
	}
}

func (c *conn) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *conn) Close() error {
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.err = c.ws.Close()
	})
	return c.err
}

var _ transports.Transport = (*Transport)(nil)
