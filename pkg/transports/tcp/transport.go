package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/harunnryd/livetag/pkg/logging"
	"github.com/harunnryd/livetag/pkg/transports"
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":50007"
	}
	return c
}

// Transport accepts plain TCP clients: raw PCM in, newline-terminated lines out.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	accept chan transports.Conn

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
	done     chan struct{}
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg.withDefaults(),
		log:    logging.NewComponentLogger(slog.Default(), "tcp_transport"),
		accept: make(chan transports.Conn),
		done:   make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "tcp" }

func (t *Transport) Accept() <-chan transports.Conn { return t.accept }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.done:
		}
	}()
	go t.loop(ln)
	return nil
}

func (t *Transport) loop(ln net.Listener) {
	defer close(t.accept)
	for {
		raw, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Error("tcp_accept_error", "error", err.Error())
			}
			return
		}
		conn := transports.NewStreamConn(raw)
		t.log.Info("tcp_client_connected", "conn_id", conn.ID(), "remote_addr", conn.RemoteAddr())
		select {
		case t.accept <- conn:
		case <-t.done:
			_ = conn.Close()
			return
		}
	}
}

func (t *Transport) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		ln := t.listener
		t.mu.Unlock()
		if ln != nil {
			err = ln.Close()
		} else {
			close(t.accept)
		}
	})
	return err
}

// Addr returns the bound listen address, useful with ":0".
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.cfg.ListenAddr
	}
	return t.listener.Addr().String()
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"listen_addr": t.Addr()}
}

var _ transports.Transport = (*Transport)(nil)
