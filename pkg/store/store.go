package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/errorsx"
	"github.com/harunnryd/livetag/pkg/frames"
	_ "modernc.org/sqlite"
)

type Config struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// Line is one persisted tag line.
type Line struct {
	SessionID string
	ID        int
	Start     float64
	End       float64
	Word      string
	Tag       string
	CreatedAt time.Time
}

// Store keeps a transcript of emitted tag lines and rollbacks in SQLite.
type Store struct {
	db    *sql.DB
	cfg   Config
	log   *slog.Logger
	clock func() time.Time

	mu    sync.Mutex
	known map[string]struct{}
}

func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now, known: make(map[string]struct{})}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("store_prune_failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    trace_id TEXT,
    remote_addr TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS lines (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    word_id INTEGER NOT NULL,
    start_s REAL NOT NULL,
    end_s REAL NOT NULL,
    word TEXT NOT NULL,
    tag TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS rollbacks (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    count INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_lines_session ON lines(session_id, seq);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// AppendSession records a session row; repeated calls for the same id are ignored.
func (s *Store) AppendSession(ctx context.Context, sessionID, traceID, remoteAddr string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions(session_id, trace_id, remote_addr, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, traceID, remoteAddr, s.clock().UTC().UnixNano())
	if err != nil {
		return errorsx.Wrapf(errorsx.ReasonStoreWrite, "append session: %w", err)
	}
	s.mu.Lock()
	s.known[sessionID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Store) ensureSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	_, ok := s.known[sessionID]
	s.mu.Unlock()
	if ok {
		return nil
	}
	return s.AppendSession(ctx, sessionID, "", "")
}

func (s *Store) AppendLine(ctx context.Context, sessionID string, line frames.TagLine) error {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lines(session_id, word_id, start_s, end_s, word, tag, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sessionID, line.ID, line.Start, line.End, line.Word, line.Tag, s.clock().UTC().UnixNano())
	if err != nil {
		return errorsx.Wrapf(errorsx.ReasonStoreWrite, "append line: %w", err)
	}
	return nil
}

func (s *Store) AppendRollback(ctx context.Context, sessionID string, count int) error {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollbacks(session_id, count, created_at) VALUES(?, ?, ?)`,
		sessionID, count, s.clock().UTC().UnixNano())
	if err != nil {
		return errorsx.Wrapf(errorsx.ReasonStoreWrite, "append rollback: %w", err)
	}
	return nil
}

// ListLines returns every line written for a session in write order.
func (s *Store) ListLines(ctx context.Context, sessionID string) ([]Line, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, word_id, start_s, end_s, word, tag, created_at FROM lines WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var l Line
		var created int64
		if err := rows.Scan(&l.SessionID, &l.ID, &l.Start, &l.End, &l.Word, &l.Tag, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// Transcript replays lines and rollbacks in order and returns the final
// id -> line view of a session.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]Line, error) {
	lines, err := s.ListLines(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []Line
	for _, l := range lines {
		if l.ID < len(out) {
			out = out[:l.ID]
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Store) RollbackCount(ctx context.Context, sessionID string) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(count) FROM rollbacks WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count rollbacks: %w", err)
	}
	return int(total.Int64), nil
}

// Prune removes sessions older than the retention window.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("store_pruned", slog.Int64("sessions", n))
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
