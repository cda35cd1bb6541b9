// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/kelicad/simagent/internal/domain"
)

// DefaultListLimit bounds ListJobs when no limit is given.
const DefaultListLimit = 50

// Repository defines the interface for persisting simulation job history.
type Repository interface {
	// RecordJob inserts a finished job, replacing an earlier record with the same id.
	RecordJob(ctx context.Context, rec *domain.JobRecord) error

	// ListJobs returns the most recent jobs, newest first.
	ListJobs(ctx context.Context, limit int) ([]*domain.JobRecord, error)

	// DeleteJobsBefore removes jobs started before the cutoff.
	DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
