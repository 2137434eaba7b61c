// Package store implements the run store: a persistent mapping
// runId -> RunRecord with an atomic UpdateIfStatus compare-and-swap on
// status, the sole guard against double-termination races.
//
// Two implementations satisfy Store: an in-memory one (tests, and the
// default when DATABASE_URL is unset) and a Postgres-backed one for
// durable operation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loadforge/platform/internal/domain"
)

// Update carries the fields a terminal (or otherwise CAS-guarded) write
// may set. Status is always required; CompletedAt is required when Status
// is terminal. Summary is set only for a running->completed transition;
// Error only for running->failed.
type Update struct {
	Status      domain.RunStatus
	CompletedAt *time.Time
	Summary     *domain.Summary
	Error       *domain.RunError
}

// Store is the persistence boundary for RunRecords.
type Store interface {
	// Create inserts record. Fails with domain.ErrDuplicateID if the id
	// already exists.
	Create(ctx context.Context, record *domain.RunRecord) error

	// Get returns the record for id, or (nil, nil) if it does not exist.
	Get(ctx context.Context, id string) (*domain.RunRecord, error)

	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]*domain.RunRecord, error)

	// ListNonTerminal returns every record whose status is not terminal.
	// Used by the Orchestrator's restart sweep on startup.
	ListNonTerminal(ctx context.Context) ([]*domain.RunRecord, error)

	// UpdateProgress is a plain put on the progress field while the run is
	// running. Best-effort: callers should swallow errors from this method —
	// a late progress update racing a terminal transition is acceptable, and
	// a progress write failure must never fail the run.
	UpdateProgress(ctx context.Context, id string, progress domain.ProgressMetrics) error

	// UpdateIfStatus applies update only if the record's current status
	// equals expected, atomically with the read. Returns whether the
	// mutation was applied; false means the record was already in a
	// different status (typically already terminal).
	UpdateIfStatus(ctx context.Context, id string, expected domain.RunStatus, update Update) (applied bool, err error)

	// Delete removes a record unconditionally. Callers enforce the
	// still_running guard by checking Get's status first.
	Delete(ctx context.Context, id string) error
}

// ErrNotFound is returned by Delete when id does not exist. Get instead
// returns (nil, nil) for a missing id: absence is an answer, not an
// error, everywhere a caller can sensibly continue.
var ErrNotFound = errors.New("record not found")
