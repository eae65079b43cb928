package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DBName is the history database inside the data directory.
const DBName = "history.db"

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	retention time.Duration
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore opens or creates dataDir/history.db and runs schema
// migrations. Runs older than retention are pruned on open and then
// periodically; zero keeps everything.
func NewSQLiteStore(dataDir string, retention time.Duration) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, DBName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:        db,
		retention: retention,
		closeCh:   make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	if retention > 0 {
		if _, err := s.Prune(context.Background(), time.Now().UTC().Add(-retention)); err != nil {
			slog.Warn("pruning history", "err", err)
		}
		go s.cleanupLoop()
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			target      TEXT NOT NULL,
			kind        TEXT NOT NULL,
			codec       TEXT NOT NULL,
			started_at  DATETIME NOT NULL,
			finished_at DATETIME,
			exit_code   INTEGER,
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS calls (
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			request_id  INTEGER NOT NULL,
			request     TEXT NOT NULL,
			response    TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			started_at  DATETIME NOT NULL,
			duration_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_run ON calls(run_id, request_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically removes runs older than the retention window.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			n, err := s.Prune(context.Background(), time.Now().UTC().Add(-s.retention))
			if err != nil {
				slog.Warn("pruning history", "err", err)
			} else if n > 0 {
				slog.Debug("pruned history", "runs", n)
			}
		}
	}
}

// --- Runs ---

func (s *SQLiteStore) RunStart(ctx context.Context, target, kind, codec string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Run{
		ID:        uuid.NewString(),
		Target:    target,
		Kind:      kind,
		Codec:     codec,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, target, kind, codec, started_at) VALUES (?, ?, ?, ?, ?)",
		r.ID, r.Target, r.Kind, r.Codec, r.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) RunFinish(ctx context.Context, id string, exitCode *int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, exit_code = ?, error = ? WHERE id = ?",
		time.Now().UTC(), exitCode, errMsg, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

const runColumns = `r.id, r.target, r.kind, r.codec, r.started_at, r.finished_at, r.exit_code, r.error,
	(SELECT COUNT(*) FROM calls c WHERE c.run_id = r.id)`

func scanRun(sc interface{ Scan(...any) error }) (*Run, error) {
	var (
		r        Run
		finished sql.NullTime
		exitCode sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.Target, &r.Kind, &r.Codec, &r.StartedAt, &finished, &exitCode, &r.Error, &r.Calls); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	return &r, nil
}

func (s *SQLiteStore) RunGet(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs r WHERE r.id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) RunList(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs r ORDER BY r.started_at DESC, r.rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// --- Calls ---

func (s *SQLiteStore) CallRecord(ctx context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (run_id, request_id, request, response, error, started_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.RequestID, c.Request, c.Response, c.Error, c.StartedAt.UTC(), int64(c.Duration),
	)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("run %s not found: %w", c.RunID, err)
	}
	return err
}

func (s *SQLiteStore) CallList(ctx context.Context, runID string) ([]Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, request_id, request, response, error, started_at, duration_ns
		 FROM calls WHERE run_id = ? ORDER BY request_id, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var (
			c  Call
			ns int64
		)
		if err := rows.Scan(&c.RunID, &c.RequestID, &c.Request, &c.Response, &c.Error, &c.StartedAt, &ns); err != nil {
			return nil, err
		}
		c.Duration = time.Duration(ns)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// --- Maintenance ---

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.db.Close()
}
