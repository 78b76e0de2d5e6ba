package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/livetag/pkg/frames"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "transcripts.db")
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAppendAndTranscript(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	if err := s.AppendSession(ctx, "s1", "t1", "127.0.0.1:1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	lines := []frames.TagLine{
		{ID: 0, Start: 0, End: 1, Word: "hello", Tag: "<f/>"},
		{ID: 1, Start: 1, End: 2, Word: "my", Tag: "<f/>"},
		{ID: 2, Start: 2, End: 3, Word: "name", Tag: "<f/>"},
	}
	for _, l := range lines {
		if err := s.AppendLine(ctx, "s1", l); err != nil {
			t.Fatalf("append line: %v", err)
		}
	}
	if err := s.AppendRollback(ctx, "s1", 1); err != nil {
		t.Fatalf("append rollback: %v", err)
	}
	if err := s.AppendLine(ctx, "s1", frames.TagLine{ID: 2, Start: 2, End: 3, Word: "bame", Tag: "<f/>"}); err != nil {
		t.Fatalf("append line: %v", err)
	}

	all, err := s.ListLines(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 written lines, got %d", len(all))
	}
	final, err := s.Transcript(ctx, "s1")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(final) != 3 || final[2].Word != "bame" {
		t.Fatalf("unexpected transcript %+v", final)
	}
	n, err := s.RollbackCount(ctx, "s1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 rollback, got %d %v", n, err)
	}
}

func TestStoreCreatesSessionOnFirstLine(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	if err := s.AppendLine(ctx, "implicit", frames.TagLine{ID: 0, Word: "hi", Tag: "<f/>"}); err != nil {
		t.Fatalf("append line: %v", err)
	}
	got, err := s.ListLines(ctx, "implicit")
	if err != nil || len(got) != 1 {
		t.Fatalf("expected one line, got %d %v", len(got), err)
	}
}

func TestStorePrune(t *testing.T) {
	s := newTestStore(t, Config{RetentionDays: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Now().Add(-72 * time.Hour) }
	if err := s.AppendLine(ctx, "old", frames.TagLine{ID: 0, Word: "a", Tag: "<f/>"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.clock = time.Now
	if err := s.AppendLine(ctx, "new", frames.TagLine{ID: 0, Word: "b", Tag: "<f/>"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	old, _ := s.ListLines(ctx, "old")
	if len(old) != 0 {
		t.Fatalf("expected old session pruned, got %d lines", len(old))
	}
	fresh, _ := s.ListLines(ctx, "new")
	if len(fresh) != 1 {
		t.Fatalf("expected new session kept, got %d lines", len(fresh))
	}
}
