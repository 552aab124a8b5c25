package rawstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/clickhouse"
	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"go.uber.org/zap"
)

// DB owns the per-kind raw tables. Every table is a
// ReplacingMergeTree(updated_at) keyed on the record's natural key, so
// re-inserting an existing key replaces the row instead of duplicating it.
type DB struct {
	clickhouse.Client
	Name string
}

// New connects to ClickHouse and ensures all raw tables exist.
func New(ctx context.Context, logger *zap.Logger, dbName string) (*DB, error) {
	client, err := clickhouse.New(ctx, logger.With(zap.String("db", dbName)), dbName)
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client, Name: dbName}
	for _, init := range []func(context.Context) error{
		db.initTrades,
		db.initFlows,
		db.initTransfers,
	} {
		if err := init(ctx); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// UpsertBatch applies a batch of same-kind records as one insert. The whole
// batch goes through a single PrepareBatch/Send pair, so either every row
// lands or none does. Returns the number of rows appended.
//
// Mixed-kind batches are rejected: the engine syncs one source at a time and
// a source has exactly one kind, so a mix means a caller bug.
func (db *DB) UpsertBatch(ctx context.Context, records []models.RawRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	kind := records[0].Kind
	for _, r := range records[1:] {
		if r.Kind != kind {
			return 0, fmt.Errorf("mixed-kind batch: %s and %s", kind, r.Kind)
		}
	}

	now := time.Now().UTC()
	var err error
	switch kind {
	case models.KindExchangeTrades:
		err = db.upsertTrades(ctx, records, now)
	case models.KindExchangeDeposits, models.KindExchangeWithdrawals:
		err = db.upsertFlows(ctx, kind, records, now)
	case models.KindOnchainTransfers:
		err = db.upsertTransfers(ctx, records, now)
	default:
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}
	if err != nil {
		return 0, err
	}

	db.Logger.Debug("Upserted batch",
		zap.String("kind", kind.String()),
		zap.String("table", kind.TableName()),
		zap.Int("rows", len(records)))

	return len(records), nil
}

// CountBySource returns the number of stored rows owned by a source. Reads
// use FINAL so replaced rows are not double counted.
func (db *DB) CountBySource(ctx context.Context, kind models.Kind, sourceID string) (uint64, error) {
	query := fmt.Sprintf(`
		SELECT count()
		FROM "%s"."%s" FINAL
		WHERE source_id = ?
	`, db.Name, kind.TableName())

	var count uint64
	if err := db.QueryRow(ctx, query, sourceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s rows for %s: %w", kind, sourceID, err)
	}
	return count, nil
}
