package models

import "time"

// Sync attempt statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// SyncState is the persisted watermark row for one source. There is at most
// one logical row per source_id; every attempt replaces the whole row.
type SyncState struct {
	SourceID     string    `ch:"source_id" json:"source_id"`
	LastSyncTS   time.Time `ch:"last_sync_ts" json:"last_sync_ts"`
	LastTxID     string    `ch:"last_txid" json:"last_txid"`
	RecordCount  uint64    `ch:"record_count" json:"record_count"`
	Status       string    `ch:"status" json:"status"`
	ErrorMessage string    `ch:"error_message" json:"error_message"`
	UpdatedAt    time.Time `ch:"updated_at" json:"updated_at"`
}

// Outcome carries the result of one sync attempt into RecordAttempt.
// LastSyncTS is only meaningful on success; on failure the previous
// watermark is preserved by the store.
type Outcome struct {
	Status       string
	RecordCount  uint64
	LastSyncTS   time.Time
	LastTxID     string
	ErrorMessage string
}
