package unified

import (
	"context"
	"fmt"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/clickhouse"
	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"go.uber.org/zap"
)

const tableName = "transactions_unified"

// DB persists the unified projection. The table is a derived view: each
// projection run replaces its full contents, so it never needs upsert
// machinery of its own.
type DB struct {
	clickhouse.Client
	Name string
}

// New connects to ClickHouse and ensures the unified table exists.
func New(ctx context.Context, logger *zap.Logger, dbName string) (*DB, error) {
	client, err := clickhouse.New(ctx, logger.With(zap.String("db", dbName)), dbName)
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client, Name: dbName}
	if err := db.initTable(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) initTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			domain LowCardinality(String),
			source LowCardinality(String),
			ts_utc DateTime64(6),
			txid String,
			base LowCardinality(String),
			quote LowCardinality(String),
			side LowCardinality(String),
			amount Decimal(38, 18),
			price Nullable(Decimal(38, 18)),
			fee_ccy LowCardinality(String),
			fee_amt Decimal(38, 18),
			addr_from String,
			addr_to String,
			chain LowCardinality(String),
			token_symbol LowCardinality(String),
			token_decimal Nullable(UInt8),
			raw_json String CODEC(ZSTD)
		) ENGINE = MergeTree
		ORDER BY (ts_utc, txid)
	`, db.Name, tableName)
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", tableName, err)
	}
	return nil
}

// Replace swaps the table contents for the given projection. Truncate plus
// one batch insert: readers between the two steps see an empty view, never a
// half-written one.
func (db *DB) Replace(ctx context.Context, records []models.UnifiedRecord) error {
	if err := db.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE "%s"."%s"`, db.Name, tableName)); err != nil {
		return fmt.Errorf("truncate %s: %w", tableName, err)
	}
	if len(records) == 0 {
		return nil
	}

	batch, err := db.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO "%s"."%s"`, db.Name, tableName))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", tableName, err)
	}
	defer func() {
		_ = batch.Abort()
	}()

	for _, u := range records {
		err := batch.Append(
			u.Domain,
			u.Source,
			u.TsUTC,
			u.TxID,
			u.Base,
			u.Quote,
			u.Side,
			u.Amount,
			u.Price,
			u.FeeCcy,
			u.FeeAmt,
			u.AddrFrom,
			u.AddrTo,
			u.Chain,
			u.TokenSymbol,
			u.TokenDecimal,
			u.RawJSON,
		)
		if err != nil {
			return fmt.Errorf("append unified %s: %w", u.TxID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", tableName, err)
	}

	db.Logger.Info("Replaced unified projection",
		zap.String("table", tableName),
		zap.Int("rows", len(records)))
	return nil
}

// Count returns the number of rows currently in the unified table.
func (db *DB) Count(ctx context.Context) (uint64, error) {
	var count uint64
	query := fmt.Sprintf(`SELECT count() FROM "%s"."%s"`, db.Name, tableName)
	if err := db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unified rows: %w", err)
	}
	return count, nil
}
