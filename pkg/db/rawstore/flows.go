package rawstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
)

// Deposits and withdrawals share one column layout; they live in separate
// tables so each keeps its own (source_id, txid) key space.
func (db *DB) initFlows(ctx context.Context) error {
	for _, kind := range []models.Kind{models.KindExchangeDeposits, models.KindExchangeWithdrawals} {
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS "%s"."%s" (
				source_id String,
				exchange LowCardinality(String),
				account LowCardinality(String),
				txid String,
				ts DateTime64(6),
				currency LowCardinality(String),
				amount Decimal(38, 18),
				status LowCardinality(String),
				address String,
				tag String,
				fee_currency LowCardinality(String),
				fee_amount Decimal(38, 18),
				raw_json String CODEC(ZSTD),
				updated_at DateTime64(6)
			) ENGINE = ReplacingMergeTree(updated_at)
			ORDER BY (source_id, txid)
		`, db.Name, kind.TableName())
		if err := db.Exec(ctx, query); err != nil {
			return fmt.Errorf("create %s: %w", kind.TableName(), err)
		}
	}
	return nil
}

func (db *DB) upsertFlows(ctx context.Context, kind models.Kind, records []models.RawRecord, now time.Time) error {
	table := kind.TableName()
	batch, err := db.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO "%s"."%s"`, db.Name, table))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	defer func() {
		_ = batch.Abort()
	}()

	for _, r := range records {
		f := r.Flow
		if f == nil {
			return fmt.Errorf("%s record without flow payload", kind)
		}
		err := batch.Append(
			f.SourceID,
			f.Exchange,
			f.Account,
			f.TxID,
			f.Time,
			f.Currency,
			f.Amount,
			f.Status,
			f.Address,
			f.Tag,
			f.FeeCurrency,
			f.FeeAmount,
			f.RawJSON,
			now,
		)
		if err != nil {
			return fmt.Errorf("append %s %s: %w", kind, f.TxID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", table, err)
	}
	return nil
}

func (db *DB) flows(ctx context.Context, kind models.Kind) ([]models.Flow, error) {
	query := fmt.Sprintf(`
		SELECT source_id, exchange, account, txid, ts, currency, amount, status,
		       address, tag, fee_currency, fee_amount, raw_json, updated_at
		FROM "%s"."%s" FINAL
		ORDER BY ts, txid
	`, db.Name, kind.TableName())

	var flows []models.Flow
	if err := db.Select(ctx, &flows, query); err != nil {
		return nil, fmt.Errorf("read %s: %w", kind, err)
	}
	return flows, nil
}

// Deposits returns every stored deposit, deduplicated.
func (db *DB) Deposits(ctx context.Context) ([]models.Flow, error) {
	return db.flows(ctx, models.KindExchangeDeposits)
}

// Withdrawals returns every stored withdrawal, deduplicated.
func (db *DB) Withdrawals(ctx context.Context) ([]models.Flow, error) {
	return db.flows(ctx, models.KindExchangeWithdrawals)
}
