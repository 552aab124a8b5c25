package syncstate

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/clickhouse"
	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"go.uber.org/zap"
)

// DB persists per-source sync state in ClickHouse. One logical row per
// source_id; ReplacingMergeTree(updated_at) gives full-row upsert semantics.
type DB struct {
	clickhouse.Client
	Name string
}

// New connects to ClickHouse and ensures the sync_state table exists.
func New(ctx context.Context, logger *zap.Logger, dbName string) (*DB, error) {
	client, err := clickhouse.New(ctx, logger.With(zap.String("db", dbName)), dbName)
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client, Name: dbName}
	if err := db.initSyncState(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) initSyncState(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."sync_state" (
			source_id String,
			last_sync_ts DateTime64(6),
			last_txid String,
			record_count UInt64,
			status LowCardinality(String),
			error_message String,
			updated_at DateTime64(6)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (source_id)
	`, db.Name)
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create sync_state: %w", err)
	}
	return nil
}

// GetWatermark returns the latest state row for a source, or (nil, nil) when
// the source has never been synced.
func (db *DB) GetWatermark(ctx context.Context, sourceID string) (*models.SyncState, error) {
	query := fmt.Sprintf(`
		SELECT source_id, last_sync_ts, last_txid, record_count, status, error_message, updated_at
		FROM "%s"."sync_state" FINAL
		WHERE source_id = ?
		LIMIT 1
	`, db.Name)

	var st models.SyncState
	err := db.QueryRow(ctx, query, sourceID).Scan(
		&st.SourceID,
		&st.LastSyncTS,
		&st.LastTxID,
		&st.RecordCount,
		&st.Status,
		&st.ErrorMessage,
		&st.UpdatedAt,
	)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get watermark for %s: %w", sourceID, err)
	}
	return &st, nil
}

// RecordAttempt persists the outcome of one sync attempt. The row is fully
// replaced, never patched field-by-field, so readers cannot observe a torn
// state. A failed attempt keeps the previous watermark so the next run
// re-fetches the same range instead of skipping it.
func (db *DB) RecordAttempt(ctx context.Context, sourceID string, outcome models.Outcome) error {
	lastSyncTS := outcome.LastSyncTS
	lastTxID := outcome.LastTxID

	if outcome.Status == models.StatusFailed {
		prev, err := db.GetWatermark(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("load previous watermark for %s: %w", sourceID, err)
		}
		if prev != nil {
			lastSyncTS = prev.LastSyncTS
			if lastTxID == "" {
				lastTxID = prev.LastTxID
			}
		}
	}

	if lastSyncTS.IsZero() {
		// zero time.Time is outside the DateTime64 range
		lastSyncTS = time.Unix(0, 0).UTC()
	}

	query := fmt.Sprintf(`
		INSERT INTO "%s"."sync_state"
		(source_id, last_sync_ts, last_txid, record_count, status, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, db.Name)

	return db.Exec(ctx, query,
		sourceID,
		lastSyncTS,
		lastTxID,
		outcome.RecordCount,
		outcome.Status,
		outcome.ErrorMessage,
		time.Now().UTC(),
	)
}

// ListStates returns the latest state row for every known source, for the
// status API and run reports.
func (db *DB) ListStates(ctx context.Context) ([]models.SyncState, error) {
	query := fmt.Sprintf(`
		SELECT source_id, last_sync_ts, last_txid, record_count, status, error_message, updated_at
		FROM "%s"."sync_state" FINAL
		ORDER BY source_id
	`, db.Name)

	var states []models.SyncState
	if err := db.Select(ctx, &states, query); err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	return states, nil
}
