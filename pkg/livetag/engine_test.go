package livetag

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/livetag/pkg/store"
	transportmock "github.com/harunnryd/livetag/pkg/transports/mock"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig(writeConfig(t, `
pool:
  size: 1
vendors:
  recognizer:
    provider: scripted
    settings:
      interval: 5ms
  annotator:
    provider: mock
privacy:
  redact_pii: false
`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func startEngine(t *testing.T, cfg Config) (*Engine, *transportmock.Transport, context.CancelFunc, <-chan error) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	tr := transportmock.New()
	e, err := NewEngine(EngineOptions{Config: cfg, Transport: tr})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	select {
	case <-e.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("engine exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("engine not ready")
	}
	return e, tr, cancel, done
}

func readAll(t *testing.T, conn net.Conn, n int) []string {
	t.Helper()
	out := make(chan string, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	var lines []string
	for len(lines) < n {
		select {
		case line, ok := <-out:
			if !ok {
				t.Fatalf("connection closed after %d lines: %v", len(lines), lines)
			}
			lines = append(lines, line)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d lines: %v", len(lines), lines)
		}
	}
	return lines
}

func TestEngineServesSessionAndRecordsArtifacts(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Observability.ArtifactsDir = filepath.Join(dir, "artifacts")
	cfg.Store.Path = filepath.Join(dir, "lines.db")

	e, tr, cancel, done := startEngine(t, cfg)
	defer cancel()

	client, err := tr.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	go func() { _, _ = client.Write(make([]byte, 3200)) }()

	lines := readAll(t, client, 6)
	want := []string{
		"0,1,hello,<f/>",
		"1,2,my,<f/>",
		"2,3,name,<f/>",
		"2,3,bame,<f/>",
		"3.4,4,once,<f/>",
		"4.3,4.8,on,<f/>",
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
	_ = client.Close()

	deadline := time.Now().Add(3 * time.Second)
	for e.Registry().Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if e.Registry().Count() != 0 {
		t.Fatalf("expected session removed from registry")
	}
	if p := e.Pool(); p == nil || p.Idle() != 1 || p.Leased() != 0 {
		t.Fatalf("expected annotator returned to the pool")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop")
	}

	timelines, _ := filepath.Glob(filepath.Join(cfg.Observability.ArtifactsDir, "*.jsonl"))
	if len(timelines) != 1 {
		t.Fatalf("expected one session timeline, got %v", timelines)
	}
	usage, _ := filepath.Glob(filepath.Join(cfg.Observability.ArtifactsDir, "*.usage.json"))
	if len(usage) != 1 {
		t.Fatalf("expected one usage summary, got %v", usage)
	}

	sessionID := strings.TrimSuffix(filepath.Base(timelines[0]), ".jsonl")
	st, err := store.Open(context.Background(), cfg.Store, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	recorded, err := st.ListLines(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list lines: %v", err)
	}
	if len(recorded) != len(want) {
		t.Fatalf("expected %d recorded lines, got %d", len(want), len(recorded))
	}
	rollbacks, err := st.RollbackCount(context.Background(), sessionID)
	if err != nil || rollbacks != 1 {
		t.Fatalf("expected one recorded rollback, got %d (%v)", rollbacks, err)
	}
}

func TestEngineRejectsSecondSessionWhenPoolEmpty(t *testing.T) {
	cfg := testConfig(t)
	_, tr, cancel, done := startEngine(t, cfg)

	first, err := tr.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	go func() { _, _ = first.Write(make([]byte, 320)) }()
	readAll(t, first, 1)

	second, err := tr.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	if n, err := second.Read(buf); err == nil {
		t.Fatalf("expected second connection closed without output, got %q", buf[:n])
	}

	_ = first.Close()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop")
	}
}

func TestNewEngineUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vendors.Annotator.Provider = "crf"
	if _, err := NewEngine(EngineOptions{Config: cfg, Transport: transportmock.New()}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
