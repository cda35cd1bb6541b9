package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelicad/simagent/internal/engine"
	"github.com/kelicad/simagent/internal/shared"
)

const (
	defaultRetentionInterval = 5 * time.Minute
	defaultWorkDirMaxAge     = time.Hour
	defaultMaxRetries        = 3
	defaultRetryBaseDelay    = 50 * time.Millisecond
)

// HistoryPruner deletes job history older than a cutoff.
type HistoryPruner interface {
	DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error)
}

// StaleRemover removes job containers left behind by earlier runs.
type StaleRemover interface {
	RemoveStale(ctx context.Context) (int, error)
}

// RetentionConfig controls the retention worker.
type RetentionConfig struct {
	Interval time.Duration
	// HistoryRetention is how long finished jobs are kept; zero keeps them forever.
	HistoryRetention time.Duration
	// WorkRoot is scanned for abandoned job directories; empty uses the OS temp dir.
	WorkRoot      string
	WorkDirMaxAge time.Duration
	// ActiveWorkDir reports the running job's directory, which is never swept.
	ActiveWorkDir func() string
	MaxRetries    int
	BaseDelay     time.Duration
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Interval <= 0 {
		c.Interval = defaultRetentionInterval
	}
	if c.WorkDirMaxAge <= 0 {
		c.WorkDirMaxAge = defaultWorkDirMaxAge
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultRetryBaseDelay
	}
	if c.WorkRoot == "" {
		c.WorkRoot = os.TempDir()
	}
	return c
}

// RetentionWorker periodically prunes job history, abandoned work
// directories and stopped job containers.
type RetentionWorker struct {
	cfg      RetentionConfig
	pruner   HistoryPruner
	removers []StaleRemover
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetentionWorker creates a worker. pruner may be nil.
func NewRetentionWorker(cfg RetentionConfig, pruner HistoryPruner, logger *slog.Logger, removers ...StaleRemover) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		cfg:      cfg.withDefaults(),
		pruner:   pruner,
		removers: removers,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *RetentionWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info("Retention worker started", "interval", w.cfg.Interval, "history_retention", w.cfg.HistoryRetention)

	w.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			w.logger.Info("Retention worker shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Sweep performs one retention pass.
func (w *RetentionWorker) Sweep(ctx context.Context) {
	now := w.now()

	if w.pruner != nil && w.cfg.HistoryRetention > 0 {
		deleted, err := w.pruneWithRetry(ctx, now.Add(-w.cfg.HistoryRetention))
		if err != nil {
			w.logger.Error("Retention worker failed to prune job history", "error", err)
		} else if deleted > 0 {
			w.logger.Info("Retention worker pruned job history", "count", deleted)
		}
	}

	active := ""
	if w.cfg.ActiveWorkDir != nil {
		active = w.cfg.ActiveWorkDir()
	}
	if removed, err := sweepWorkDirs(w.cfg.WorkRoot, now.Add(-w.cfg.WorkDirMaxAge), active); err != nil {
		w.logger.Warn("Retention worker failed to sweep work directories", "error", err)
	} else if removed > 0 {
		w.logger.Info("Retention worker removed abandoned work directories", "count", removed)
	}

	for _, r := range w.removers {
		removed, err := r.RemoveStale(ctx)
		if err != nil {
			w.logger.Warn("Retention worker failed to remove stale containers", "error", err)
			continue
		}
		if removed > 0 {
			w.logger.Info("Retention worker removed stale containers", "count", removed)
		}
	}
}

// pruneWithRetry deletes old history with exponential backoff on SQLite
// lock contention.
func (w *RetentionWorker) pruneWithRetry(ctx context.Context, before time.Time) (int64, error) {
	var err error
	for i := 0; i < w.cfg.MaxRetries; i++ {
		var deleted int64
		deleted, err = w.pruner.DeleteJobsBefore(ctx, before)
		if err == nil {
			return deleted, nil
		}
		if !shared.IsSQLiteConflictError(err) || i == w.cfg.MaxRetries-1 {
			break
		}

		delay := w.cfg.BaseDelay * time.Duration(1<<i)
		w.logger.Debug("Database locked during history prune, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	return 0, fmt.Errorf("prune job history after %d attempts: %w", w.cfg.MaxRetries, err)
}

// sweepWorkDirs removes job directories under root last modified before
// cutoff, except active.
func sweepWorkDirs(root string, cutoff time.Time, active string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", root, err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), engine.WorkDirPrefix) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if active != "" && filepath.Clean(active) == dir {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}
