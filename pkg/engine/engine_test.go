package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/fetch"
	"github.com/cryptobookkeeper/cryptosync/pkg/source"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStateStore mimics the sync_state table: one row per source, failed
// attempts keep the previous watermark.
type fakeStateStore struct {
	mu        sync.Mutex
	states    map[string]models.SyncState
	getErr    error
	recordErr error
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: map[string]models.SyncState{}}
}

func (f *fakeStateStore) GetWatermark(_ context.Context, sourceID string) (*models.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	st, ok := f.states[sourceID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (f *fakeStateStore) RecordAttempt(_ context.Context, sourceID string, outcome models.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}

	st := models.SyncState{
		SourceID:     sourceID,
		LastSyncTS:   outcome.LastSyncTS,
		LastTxID:     outcome.LastTxID,
		RecordCount:  outcome.RecordCount,
		Status:       outcome.Status,
		ErrorMessage: outcome.ErrorMessage,
		UpdatedAt:    time.Now().UTC(),
	}
	if outcome.Status == models.StatusFailed {
		if prev, ok := f.states[sourceID]; ok {
			st.LastSyncTS = prev.LastSyncTS
			st.LastTxID = prev.LastTxID
		}
	}
	f.states[sourceID] = st
	return nil
}

// fakeRawStore keys records by (source_id, natural_key), replacing on
// conflict, the way the ReplacingMergeTree tables behave after a merge.
type fakeRawStore struct {
	mu        sync.Mutex
	rows      map[string]models.RawRecord
	batches   int
	upsertErr error
}

func newFakeRawStore() *fakeRawStore {
	return &fakeRawStore{rows: map[string]models.RawRecord{}}
}

func (f *fakeRawStore) UpsertBatch(_ context.Context, records []models.RawRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	f.batches++
	for _, r := range records {
		f.rows[r.SourceID()+"|"+r.NaturalKey()] = r
	}
	return len(records), nil
}

func (f *fakeRawStore) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// fakeFetcher serves canned records per source and captures the since
// boundary it was called with.
type fakeFetcher struct {
	mu      sync.Mutex
	records map[string][]models.RawRecord
	errs    map[string]error
	since   map[string]time.Time
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		records: map[string][]models.RawRecord{},
		errs:    map[string]error{},
		since:   map[string]time.Time{},
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, src source.Source, since time.Time, _ int) ([]models.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since[src.ID] = since
	if err := f.errs[src.ID]; err != nil {
		return nil, err
	}
	return f.records[src.ID], nil
}

func (f *fakeFetcher) lastSince(sourceID string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since[sourceID]
}

func tradeRecord(sourceID, txid string, ts time.Time, amount string) models.RawRecord {
	return models.RawRecord{
		Kind: models.KindExchangeTrades,
		Trade: &models.Trade{
			SourceID: sourceID,
			Exchange: "binance",
			Account:  "main",
			TxID:     txid,
			Time:     ts,
			Base:     "BTC",
			Quote:    "USDT",
			Side:     "buy",
			Amount:   decimal.RequireFromString(amount),
			Price:    decimal.RequireFromString("50000"),
		},
	}
}

var (
	startTS  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	attempt1 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	attempt2 = time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
)

func newTestEngine(state *fakeStateStore, raw *fakeRawStore, fetcher fetch.Fetcher, now time.Time) *Engine {
	return &Engine{
		State:   state,
		Raw:     raw,
		Fetcher: fetcher,
		StartTS: startTS,
		Overlap: time.Hour,
		Now:     func() time.Time { return now },
		Logger:  zap.NewNop(),
	}
}

func testSource(id string) source.Source {
	return source.Source{ID: id, Kind: models.KindExchangeTrades, Exchange: "binance", Account: "main"}
}

func TestSyncSourceFirstRun(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("binance_trades")
	fetcher.records[src.ID] = []models.RawRecord{
		tradeRecord(src.ID, "t-old", startTS.Add(-time.Hour), "1"), // before configured start
		tradeRecord(src.ID, "t1", startTS.Add(time.Hour), "1"),
		tradeRecord(src.ID, "t2", startTS.Add(2*time.Hour), "2"),
	}

	eng := newTestEngine(state, raw, fetcher, attempt1)
	outcome, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, outcome.Status)
	assert.Equal(t, uint64(2), outcome.RecordCount)
	assert.Equal(t, attempt1, outcome.LastSyncTS, "watermark is the attempt time, not max record ts")
	assert.Equal(t, "t2", outcome.LastTxID)
	assert.Equal(t, 2, raw.size())
	assert.Equal(t, startTS, fetcher.lastSince(src.ID))

	st, err := state.GetWatermark(context.Background(), src.ID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, attempt1, st.LastSyncTS)
}

func TestSyncSourceSecondRunUsesOverlapWindow(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("binance_trades")
	require.NoError(t, state.RecordAttempt(context.Background(), src.ID, models.Outcome{
		Status:     models.StatusSuccess,
		LastSyncTS: attempt1,
	}))

	boundary := attempt1.Add(-time.Hour)
	fetcher.records[src.ID] = []models.RawRecord{
		tradeRecord(src.ID, "t-ancient", boundary.Add(-time.Minute), "1"), // at or before boundary: dropped
		tradeRecord(src.ID, "t-boundary", boundary, "1"),
		tradeRecord(src.ID, "t-late", boundary.Add(30*time.Minute), "1"), // inside overlap window: kept
		tradeRecord(src.ID, "t-new", attempt1.Add(10*time.Minute), "1"),
	}

	eng := newTestEngine(state, raw, fetcher, attempt2)
	outcome, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, boundary, fetcher.lastSince(src.ID))
	assert.Equal(t, uint64(2), outcome.RecordCount)
	assert.Equal(t, 2, raw.size())
	assert.Equal(t, attempt2, outcome.LastSyncTS)
}

func TestSyncSourceIdempotent(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("binance_trades")
	fetcher.records[src.ID] = []models.RawRecord{
		tradeRecord(src.ID, "t1", startTS.Add(time.Hour), "1"),
		tradeRecord(src.ID, "t2", startTS.Add(2*time.Hour), "2"),
	}

	eng := newTestEngine(state, raw, fetcher, attempt1)
	_, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 2, raw.size())

	// Same records again; the upsert store must absorb them.
	eng.Now = func() time.Time { return attempt2 }
	fetcher.records[src.ID] = []models.RawRecord{
		tradeRecord(src.ID, "t2", attempt1.Add(-30*time.Minute), "2"),
	}
	_, err = eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, 2, raw.size(), "the re-fetched t2 shares its key with the original")
}

// A source with no new upstream data: the second run re-fetches the same
// trades, filters them all out and stores nothing.
func TestSyncSourceNoNewDataYieldsZeroCount(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("exch_trades")
	trades := []models.RawRecord{
		tradeRecord(src.ID, "T1", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "1"),
		tradeRecord(src.ID, "T2", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), "2"),
		tradeRecord(src.ID, "T3", time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), "3"),
	}
	fetcher.records[src.ID] = trades

	eng := newTestEngine(state, raw, fetcher, attempt1)
	out1, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), out1.RecordCount)
	assert.Equal(t, models.StatusSuccess, out1.Status)

	// Second run, adapter returns the same trades and nothing new.
	eng.Now = func() time.Time { return attempt2 }
	out2, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), out2.RecordCount)
	assert.Equal(t, 1, raw.batches, "empty filtered set skips the store write")
	assert.Equal(t, 3, raw.size(), "no duplicate rows")
	assert.True(t, !out2.LastSyncTS.Before(out1.LastSyncTS))
}

func TestSyncSourceReplacesRecordOnReFetch(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("binance_trades")
	ts := attempt1.Add(-30 * time.Minute)
	fetcher.records[src.ID] = []models.RawRecord{tradeRecord(src.ID, "t1", ts, "1")}

	eng := newTestEngine(state, raw, fetcher, attempt1)
	_, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	// Re-fetch the same trade with a corrected amount.
	eng.Now = func() time.Time { return attempt2 }
	fetcher.records[src.ID] = []models.RawRecord{tradeRecord(src.ID, "t1", ts, "1.5")}
	_, err = eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	require.Equal(t, 1, raw.size())
	stored := raw.rows[src.ID+"|t1"]
	assert.Equal(t, "1.5", stored.Trade.Amount.String(), "last write wins")
}

func TestSyncSourceEmptyBatchSkipsWrite(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("binance_trades")
	eng := newTestEngine(state, raw, fetcher, attempt1)

	outcome, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, outcome.Status)
	assert.Equal(t, uint64(0), outcome.RecordCount)
	assert.Equal(t, 0, raw.batches, "no store write for an empty batch")
	assert.Equal(t, attempt1, outcome.LastSyncTS, "quiet sources still advance")
}

func TestSyncSourceExcludesRecordsWithoutNaturalKey(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("binance_trades")
	fetcher.records[src.ID] = []models.RawRecord{
		tradeRecord(src.ID, "t1", startTS.Add(time.Hour), "1"),
		tradeRecord(src.ID, "", startTS.Add(2*time.Hour), "1"), // no txid
	}

	eng := newTestEngine(state, raw, fetcher, attempt1)
	outcome, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPartial, outcome.Status)
	assert.Equal(t, uint64(1), outcome.RecordCount)
	assert.Contains(t, outcome.ErrorMessage, "1 records excluded")
	assert.Equal(t, 1, raw.size())
}

func TestSyncSourceFetchFailureKeepsWatermark(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("binance_trades")
	require.NoError(t, state.RecordAttempt(context.Background(), src.ID, models.Outcome{
		Status:     models.StatusSuccess,
		LastSyncTS: attempt1,
	}))

	fetcher.errs[src.ID] = fetch.Transient(errors.New("connection reset"))

	eng := newTestEngine(state, raw, fetcher, attempt2)
	outcome, err := eng.SyncSource(context.Background(), src)
	require.Error(t, err)

	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.Equal(t, 0, raw.batches)

	st, getErr := state.GetWatermark(context.Background(), src.ID)
	require.NoError(t, getErr)
	require.NotNil(t, st)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Equal(t, attempt1, st.LastSyncTS, "failed attempt must not move the watermark")
}

func TestSyncSourcePersistFailureRecordsFailed(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	raw.upsertErr = errors.New("batch send failed")
	fetcher := newFakeFetcher()

	src := testSource("binance_trades")
	fetcher.records[src.ID] = []models.RawRecord{
		tradeRecord(src.ID, "t1", startTS.Add(time.Hour), "1"),
	}

	eng := newTestEngine(state, raw, fetcher, attempt1)
	outcome, err := eng.SyncSource(context.Background(), src)
	require.Error(t, err)

	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorMessage, "persist batch")
}

func TestSyncSourceDegradesWhenStateUnavailable(t *testing.T) {
	state := newFakeStateStore()
	state.getErr = errors.New("state store down")
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("binance_trades")
	fetcher.records[src.ID] = []models.RawRecord{
		tradeRecord(src.ID, "t1", startTS.Add(time.Hour), "1"),
	}

	eng := newTestEngine(state, raw, fetcher, attempt1)
	outcome, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, startTS, fetcher.lastSince(src.ID), "degrades to the configured start")
	assert.Equal(t, models.StatusSuccess, outcome.Status)
	assert.Equal(t, 1, raw.size(), "re-fetched rows are deduplicated, so the degraded fetch is safe")
}

func TestOrchestratorIsolatesFailures(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	srcA := testSource("binance_trades")
	srcB := testSource("kraken_trades")
	srcC := testSource("bybit_trades")
	srcB.Exchange = "kraken"
	srcC.Exchange = "bybit"

	fetcher.records[srcA.ID] = []models.RawRecord{tradeRecord(srcA.ID, "a1", startTS.Add(time.Hour), "1")}
	fetcher.errs[srcB.ID] = fetch.Fatal(errors.New("bad api key"))
	fetcher.records[srcC.ID] = []models.RawRecord{tradeRecord(srcC.ID, "c1", startTS.Add(time.Hour), "1")}

	registry, err := source.NewRegistry([]source.Source{srcA, srcB, srcC})
	require.NoError(t, err)

	orch := &Orchestrator{
		Engine:     newTestEngine(state, raw, fetcher, attempt1),
		Registry:   registry,
		MaxWorkers: 2,
		Logger:     zap.NewNop(),
	}

	report := orch.RunAll(context.Background())

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, models.StatusSuccess, report.Outcomes[srcA.ID].Status)
	assert.Equal(t, models.StatusFailed, report.Outcomes[srcB.ID].Status)
	assert.Equal(t, models.StatusSuccess, report.Outcomes[srcC.ID].Status)
	assert.Equal(t, 2, report.Succeeded())
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 2, raw.size())
}

// fakeLocker denies the lock for the sources in held.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocker) TryLock(_ context.Context, sourceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.held[sourceID], nil
}

func (f *fakeLocker) Unlock(_ context.Context, _ string) {}

func TestOrchestratorSkipsLockedSources(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	srcA := testSource("binance_trades")
	srcB := testSource("kraken_trades")
	srcB.Exchange = "kraken"
	fetcher.records[srcA.ID] = []models.RawRecord{tradeRecord(srcA.ID, "a1", startTS.Add(time.Hour), "1")}
	fetcher.records[srcB.ID] = []models.RawRecord{tradeRecord(srcB.ID, "b1", startTS.Add(time.Hour), "1")}

	registry, err := source.NewRegistry([]source.Source{srcA, srcB})
	require.NoError(t, err)

	orch := &Orchestrator{
		Engine:   newTestEngine(state, raw, fetcher, attempt1),
		Registry: registry,
		Locker:   &fakeLocker{held: map[string]bool{srcB.ID: true}},
		Logger:   zap.NewNop(),
	}

	report := orch.RunAll(context.Background())

	require.Len(t, report.Outcomes, 1)
	assert.Contains(t, report.Outcomes, srcA.ID)
	assert.Equal(t, []string{srcB.ID}, report.Skipped)
	assert.Equal(t, 1, raw.size())
}

// recordingLocker captures the context state observed at Unlock time.
type recordingLocker struct {
	mu        sync.Mutex
	unlocked  bool
	unlockErr error
}

func (l *recordingLocker) TryLock(context.Context, string) (bool, error) { return true, nil }

func (l *recordingLocker) Unlock(ctx context.Context, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked = true
	l.unlockErr = ctx.Err()
}

// cancellingFetcher cancels the run mid-fetch, the way an expiring pass
// timeout would.
type cancellingFetcher struct{ cancel context.CancelFunc }

func (f *cancellingFetcher) Fetch(ctx context.Context, _ source.Source, _ time.Time, _ int) ([]models.RawRecord, error) {
	f.cancel()
	return nil, context.Canceled
}

func TestOrchestratorReleasesLockAfterCancelledRun(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()

	src := testSource("binance_trades")
	registry, err := source.NewRegistry([]source.Source{src})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	locker := &recordingLocker{}
	orch := &Orchestrator{
		Engine:   newTestEngine(state, raw, &cancellingFetcher{cancel: cancel}, attempt1),
		Registry: registry,
		Locker:   locker,
		Logger:   zap.NewNop(),
	}

	orch.RunAll(ctx)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	require.True(t, locker.unlocked, "lock must be released even when the run is cancelled")
	assert.NoError(t, locker.unlockErr, "release must not ride the cancelled run context")
}

/// Two consecutive runs against a live source: the second run re-fetches the
// overlap window, replaces the amended trade and appends the new one.
func TestExchangeTradesTwoRunScenario(t *testing.T) {
	state := newFakeStateStore()
	raw := newFakeRawStore()
	fetcher := newFakeFetcher()

	src := testSource("exch_trades")

	t1 := tradeRecord(src.ID, "T1", attempt1.Add(-3*time.Hour), "1")
	t2 := tradeRecord(src.ID, "T2", attempt1.Add(-30*time.Minute), "2")
	fetcher.records[src.ID] = []models.RawRecord{t1, t2}

	eng := newTestEngine(state, raw, fetcher, attempt1)
	out1, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, uint64(2), out1.RecordCount)

	// Second run an hour later: T2 re-appears amended (inside the overlap
	// window) and T3 is new.
	t2Amended := tradeRecord(src.ID, "T2", attempt1.Add(-30*time.Minute), "2.5")
	t3 := tradeRecord(src.ID, "T3", attempt1.Add(20*time.Minute), "3")
	fetcher.records[src.ID] = []models.RawRecord{t2Amended, t3}

	eng.Now = func() time.Time { return attempt2 }
	out2, err := eng.SyncSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), out2.RecordCount)
	assert.Equal(t, 3, raw.size(), "T1, T2, T3: exactly one row per natural key")
	assert.Equal(t, "2.5", raw.rows[src.ID+"|T2"].Trade.Amount.String())
	assert.True(t, out2.LastSyncTS.After(out1.LastSyncTS), "watermark only moves forward")
}

func TestRunReportCounts(t *testing.T) {
	report := RunReport{
		Outcomes: map[string]models.Outcome{
			"a": {Status: models.StatusSuccess},
			"b": {Status: models.StatusPartial},
			"c": {Status: models.StatusFailed},
		},
	}
	assert.Equal(t, 2, report.Succeeded())
	assert.Equal(t, 1, report.Failed())
}
