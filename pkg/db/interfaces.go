package db

import (
	"context"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
)

// StateStore exposes the sync-state operations the engine depends on.
// Handles are injected, never reached through ambient globals, so several
// engines can run concurrently against the same store.
type StateStore interface {
	// GetWatermark returns the persisted state for a source, or (nil, nil)
	// when the source has never been synced.
	GetWatermark(ctx context.Context, sourceID string) (*models.SyncState, error)
	// RecordAttempt persists the outcome of one sync attempt as a single
	// full-row upsert, including failed attempts.
	RecordAttempt(ctx context.Context, sourceID string, outcome models.Outcome) error
}

// RawStore exposes the upsert-store operations the engine depends on.
type RawStore interface {
	// UpsertBatch applies the records atomically: either the whole batch
	// lands or none of it does. Records sharing a (source_id, natural_key)
	// with an existing row fully replace it.
	UpsertBatch(ctx context.Context, records []models.RawRecord) (int, error)
}

// RawReader is the read-side of the upsert store used by the projector.
// The projector never mutates raw records.
type RawReader interface {
	Trades(ctx context.Context) ([]models.Trade, error)
	Deposits(ctx context.Context) ([]models.Flow, error)
	Withdrawals(ctx context.Context) ([]models.Flow, error)
	Transfers(ctx context.Context) ([]models.Transfer, error)
}

// UnifiedWriter persists a projection run. The unified table is a view,
// regenerated wholesale on each run.
type UnifiedWriter interface {
	Replace(ctx context.Context, records []models.UnifiedRecord) error
}
