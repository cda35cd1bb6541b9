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

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 50 * time.Millisecond
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	writeMu    sync.Mutex // Serializes writers to avoid SQLITE_BUSY
	maxRetries int
	baseDelay  time.Duration
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetry sets how often lock-contended writes are retried and the
// base of their exponential backoff.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *SQLiteStore) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			s.baseDelay = baseDelay
		}
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, maxRetries: defaultMaxRetries, baseDelay: defaultBaseDelay}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		engine TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		quality TEXT,
		analysis_type TEXT,
		points INTEGER NOT NULL DEFAULT 0,
		traces INTEGER NOT NULL DEFAULT 0,
		netlist_hash TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordJob creates or replaces a job record.
func (s *SQLiteStore) RecordJob(ctx context.Context, rec *domain.JobRecord) error {
	query := `
	INSERT INTO jobs (job_id, engine, status, error, quality, analysis_type, points, traces, netlist_hash, started_at, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(job_id) DO UPDATE SET
		engine = excluded.engine,
		status = excluded.status,
		error = excluded.error,
		quality = excluded.quality,
		analysis_type = excluded.analysis_type,
		points = excluded.points,
		traces = excluded.traces,
		netlist_hash = excluded.netlist_hash,
		started_at = excluded.started_at,
		duration_ms = excluded.duration_ms`

	return s.withRetry(ctx, "record job", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.Engine, string(rec.Status), nullString(rec.Error), nullString(rec.Quality),
			nullString(rec.AnalysisType), rec.Points, rec.Traces, rec.NetlistHash,
			rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds(),
		)
		return err
	})
}

// ListJobs returns up to limit jobs, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]*domain.JobRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `
		SELECT job_id, engine, status, error, quality, analysis_type,
		       points, traces, netlist_hash, started_at, duration_ms
		FROM jobs ORDER BY started_at DESC, job_id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.JobRecord
	for rows.Next() {
		var rec domain.JobRecord
		var status string
		var errText, quality, analysis sql.NullString
		var startedAt, durationMs int64

		if err := rows.Scan(
			&rec.ID, &rec.Engine, &status, &errText, &quality, &analysis,
			&rec.Points, &rec.Traces, &rec.NetlistHash, &startedAt, &durationMs,
		); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}

		rec.Status = domain.JobStatus(status)
		rec.Error = errText.String
		rec.Quality = quality.String
		rec.AnalysisType = analysis.String
		rec.StartedAt = time.UnixMilli(startedAt)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		jobs = append(jobs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, nil
}

// DeleteJobsBefore removes jobs started before the cutoff.
func (s *SQLiteStore) DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, "delete jobs", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE started_at < ?`, before.UnixMilli())
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs a write with exponential backoff on SQLITE_BUSY errors.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for i := 0; i < s.maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == s.maxRetries-1 {
			break
		}

		delay := s.baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
