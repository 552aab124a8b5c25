package rawstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
)

func (db *DB) initTransfers(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			source_id String,
			chain LowCardinality(String),
			tx_hash String,
			log_index UInt32,
			block_number UInt64,
			ts DateTime64(6),
			from_address String,
			to_address String,
			contract_address String,
			token_symbol LowCardinality(String),
			token_decimal UInt8,
			value Decimal(38, 18),
			direction LowCardinality(String),
			raw_json String CODEC(ZSTD),
			updated_at DateTime64(6)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (source_id, tx_hash, log_index)
	`, db.Name, models.KindOnchainTransfers.TableName())
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", models.KindOnchainTransfers.TableName(), err)
	}
	return nil
}

func (db *DB) upsertTransfers(ctx context.Context, records []models.RawRecord, now time.Time) error {
	table := models.KindOnchainTransfers.TableName()
	batch, err := db.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO "%s"."%s"`, db.Name, table))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	defer func() {
		_ = batch.Abort()
	}()

	for _, r := range records {
		t := r.Transfer
		if t == nil {
			return fmt.Errorf("transfer record without transfer payload")
		}
		err := batch.Append(
			t.SourceID,
			t.Chain,
			t.TxHash,
			t.LogIndex,
			t.BlockNumber,
			t.Time,
			t.FromAddress,
			t.ToAddress,
			t.ContractAddress,
			t.TokenSymbol,
			t.TokenDecimal,
			t.Value,
			t.Direction,
			t.RawJSON,
			now,
		)
		if err != nil {
			return fmt.Errorf("append transfer %s:%d: %w", t.TxHash, t.LogIndex, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", table, err)
	}
	return nil
}

// Transfers returns every stored on-chain transfer, deduplicated.
func (db *DB) Transfers(ctx context.Context) ([]models.Transfer, error) {
	query := fmt.Sprintf(`
		SELECT source_id, chain, tx_hash, log_index, block_number, ts, from_address,
		       to_address, contract_address, token_symbol, token_decimal, value,
		       direction, raw_json, updated_at
		FROM "%s"."%s" FINAL
		ORDER BY ts, tx_hash, log_index
	`, db.Name, models.KindOnchainTransfers.TableName())

	var transfers []models.Transfer
	if err := db.Select(ctx, &transfers, query); err != nil {
		return nil, fmt.Errorf("read transfers: %w", err)
	}
	return transfers, nil
}
