// Package store persists a local snapshot of the engine state so a client
// can resume after a restart.
package store

import (
	"context"
	"time"

	"github.com/ashureev/supportsync/internal/domain"
)

// Snapshot is everything a client needs to resume: session logs, including
// unconfirmed entries, and the sends still awaiting confirmation.
type Snapshot struct {
	OwnerID  string
	Sessions []domain.Session
	Pending  []domain.PendingSend
	// Queued lists local ids that had not been transmitted, in queue order.
	Queued  []string
	SavedAt time.Time
}

// Repository persists snapshots keyed by the authenticated identity.
type Repository interface {
	// SaveSnapshot replaces the stored snapshot for snap.OwnerID.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the stored snapshot, or nil if there is none.
	LoadSnapshot(ctx context.Context, ownerID string) (*Snapshot, error)

	// Purge removes everything stored for ownerID and returns the number of
	// sessions deleted.
	Purge(ctx context.Context, ownerID string) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
