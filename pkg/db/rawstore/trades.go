package rawstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
)

func (db *DB) initTrades(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			source_id String,
			exchange LowCardinality(String),
			account LowCardinality(String),
			txid String,
			orderid String,
			ts DateTime64(6),
			base LowCardinality(String),
			quote LowCardinality(String),
			side LowCardinality(String),
			amount Decimal(38, 18),
			price Decimal(38, 18),
			fee_currency LowCardinality(String),
			fee_amount Decimal(38, 18),
			raw_json String CODEC(ZSTD),
			updated_at DateTime64(6)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (source_id, txid)
	`, db.Name, models.KindExchangeTrades.TableName())
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", models.KindExchangeTrades.TableName(), err)
	}
	return nil
}

func (db *DB) upsertTrades(ctx context.Context, records []models.RawRecord, now time.Time) error {
	table := models.KindExchangeTrades.TableName()
	batch, err := db.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO "%s"."%s"`, db.Name, table))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	defer func() {
		_ = batch.Abort()
	}()

	for _, r := range records {
		t := r.Trade
		if t == nil {
			return fmt.Errorf("trade record without trade payload")
		}
		err := batch.Append(
			t.SourceID,
			t.Exchange,
			t.Account,
			t.TxID,
			t.OrderID,
			t.Time,
			t.Base,
			t.Quote,
			t.Side,
			t.Amount,
			t.Price,
			t.FeeCurrency,
			t.FeeAmount,
			t.RawJSON,
			now,
		)
		if err != nil {
			return fmt.Errorf("append trade %s: %w", t.TxID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", table, err)
	}
	return nil
}

// Trades returns every stored trade, deduplicated.
func (db *DB) Trades(ctx context.Context) ([]models.Trade, error) {
	query := fmt.Sprintf(`
		SELECT source_id, exchange, account, txid, orderid, ts, base, quote, side,
		       amount, price, fee_currency, fee_amount, raw_json, updated_at
		FROM "%s"."%s" FINAL
		ORDER BY ts, txid
	`, db.Name, models.KindExchangeTrades.TableName())

	var trades []models.Trade
	if err := db.Select(ctx, &trades, query); err != nil {
		return nil, fmt.Errorf("read trades: %w", err)
	}
	return trades, nil
}
