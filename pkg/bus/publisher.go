package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/livetag/pkg/errorsx"
	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/resilience"
	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "livetag"

type Config struct {
	Servers          []string `mapstructure:"servers"`
	SubjectPrefix    string   `mapstructure:"subject_prefix"`
	Username         string   `mapstructure:"username"`
	Password         string   `mapstructure:"password"`
	Token            string   `mapstructure:"token"`
	TLSInsecure      bool     `mapstructure:"tls_insecure"`
	ConnectTimeoutMS int      `mapstructure:"connect_timeout_ms"`
}

// Enabled reports whether any server is configured.
func (c Config) Enabled() bool { return len(c.Servers) > 0 }

// LineEvent is published for every emitted tag line.
type LineEvent struct {
	SessionID string  `json:"session_id"`
	TraceID   string  `json:"trace_id,omitempty"`
	ID        int     `json:"id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Word      string  `json:"word"`
	Tag       string  `json:"tag"`
	Line      string  `json:"line"`
}

// RollbackEvent is published when previously emitted lines are withdrawn.
type RollbackEvent struct {
	SessionID string `json:"session_id"`
	TraceID   string `json:"trace_id,omitempty"`
	Count     int    `json:"count"`
}

// LifecycleEvent is published on session state changes.
type LifecycleEvent struct {
	SessionID  string    `json:"session_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher sends session events to NATS. Failures open a circuit breaker
// so a dead bus costs one check per event instead of a timeout.
type Publisher struct {
	conn    *nats.Conn
	prefix  string
	log     *slog.Logger
	breaker *resilience.CircuitBreaker
}

func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, errors.New("no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	timeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	options := []nats.Option{
		nats.Name("livetag"),
		nats.Timeout(timeout),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("bus_connected", slog.String("servers", url), slog.String("subject_prefix", cfg.SubjectPrefix))
	return &Publisher{
		conn:    conn,
		prefix:  cfg.SubjectPrefix,
		log:     log,
		breaker: resilience.NewCircuitBreaker(5, 30*time.Second),
	}, nil
}

// Subject builds "<prefix>.session.<id>.<kind>". A nil publisher uses the
// default prefix.
func (p *Publisher) Subject(sessionID, kind string) string {
	prefix := DefaultSubjectPrefix
	if p != nil {
		prefix = p.prefix
	}
	return prefix + ".session." + sessionID + "." + kind
}

func (p *Publisher) PublishLine(sessionID, traceID string, line frames.TagLine) error {
	if p == nil {
		return nil
	}
	return p.publish(p.Subject(sessionID, "line"), LineEvent{
		SessionID: sessionID,
		TraceID:   traceID,
		ID:        line.ID,
		Start:     line.Start,
		End:       line.End,
		Word:      line.Word,
		Tag:       line.Tag,
		Line:      line.String(),
	})
}

func (p *Publisher) PublishRollback(sessionID, traceID string, count int) error {
	if p == nil {
		return nil
	}
	return p.publish(p.Subject(sessionID, "rollback"), RollbackEvent{
		SessionID: sessionID,
		TraceID:   traceID,
		Count:     count,
	})
}

func (p *Publisher) PublishLifecycle(evt LifecycleEvent) error {
	if p == nil {
		return nil
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	return p.publish(p.Subject(evt.SessionID, "lifecycle"), evt)
}

func (p *Publisher) publish(subject string, v any) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = p.breaker.Do(func() error {
		return p.conn.Publish(subject, payload)
	})
	if err != nil {
		return errorsx.Wrapf(errorsx.ReasonBusPublish, "publish %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (p *Publisher) Flush(timeout time.Duration) error {
	if p == nil {
		return nil
	}
	return p.conn.FlushTimeout(timeout)
}

func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.log.Info("bus_closing")
	_ = p.conn.Drain()
	p.conn.Close()
}
