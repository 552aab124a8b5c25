package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db"
	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/fetch"
	"github.com/cryptobookkeeper/cryptosync/pkg/source"
	"go.uber.org/zap"
)

// DefaultOverlap is how far behind the stored watermark each sync re-fetches.
// Records inside the window land twice and are absorbed by the upsert store;
// records that arrived late inside the window are not lost.
const DefaultOverlap = time.Hour

// Engine runs incremental syncs for individual sources. All collaborators
// are injected so the engine can be exercised against in-memory fakes.
type Engine struct {
	State   db.StateStore
	Raw     db.RawStore
	Fetcher fetch.Fetcher

	// StartTS is where a source with no recorded watermark begins.
	StartTS time.Time
	// Overlap is subtracted from the watermark before fetching.
	Overlap time.Duration
	// PageSizeHint is passed through to the fetcher.
	PageSizeHint int

	// Now is swappable for tests; defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) overlap() time.Duration {
	if e.Overlap > 0 {
		return e.Overlap
	}
	return DefaultOverlap
}

// SyncSource runs one sync attempt for one source and persists its outcome.
// The returned Outcome is what was recorded; the error is non-nil when the
// attempt did not fully succeed.
//
// The watermark written on success is the attempt start time, not the newest
// record timestamp. A source that is quiet still advances, and the overlap
// window covers records that were in flight while the attempt ran.
func (e *Engine) SyncSource(ctx context.Context, src source.Source) (models.Outcome, error) {
	attemptStart := e.now()
	logger := e.Logger.With(zap.String("source_id", src.ID), zap.String("kind", src.Kind.String()))

	effectiveFrom, firstSync, degraded := e.resolveBoundary(ctx, src.ID, logger)

	records, err := e.Fetcher.Fetch(ctx, src, effectiveFrom, e.PageSizeHint)
	if err != nil {
		return e.fail(ctx, src.ID, logger, fmt.Errorf("fetch: %w", err))
	}

	kept, excluded := e.filter(records, effectiveFrom, firstSync)
	logger.Debug("Filtered fetch results",
		zap.Int("fetched", len(records)),
		zap.Int("kept", len(kept)),
		zap.Int("excluded", excluded),
		zap.Time("effective_from", effectiveFrom))

	stored := 0
	if len(kept) > 0 {
		stored, err = e.Raw.UpsertBatch(ctx, kept)
		if err != nil {
			return e.fail(ctx, src.ID, logger, fmt.Errorf("persist batch: %w", err))
		}
	}

	outcome := models.Outcome{
		Status:      models.StatusSuccess,
		RecordCount: uint64(stored),
		LastSyncTS:  attemptStart,
		LastTxID:    lastNaturalKey(kept),
	}
	if excluded > 0 {
		outcome.Status = models.StatusPartial
		outcome.ErrorMessage = fmt.Sprintf("%d records excluded: empty natural key", excluded)
	}

	if err := e.State.RecordAttempt(ctx, src.ID, outcome); err != nil {
		// The batch is stored; the next run re-fetches the same range and
		// the upsert store absorbs the duplicates.
		logger.Error("Failed to record sync outcome", zap.Error(err))
		return outcome, fmt.Errorf("record outcome: %w", err)
	}

	logger.Info("Sync completed",
		zap.String("status", outcome.Status),
		zap.Uint64("records", outcome.RecordCount),
		zap.Int("excluded", excluded),
		zap.Bool("degraded", degraded),
		zap.Duration("took", e.now().Sub(attemptStart)))

	return outcome, nil
}

// resolveBoundary determines where this attempt fetches from. An unreadable
// state store degrades to a full re-fetch from StartTS rather than failing
// the source: re-fetching is safe because the store deduplicates.
func (e *Engine) resolveBoundary(ctx context.Context, sourceID string, logger *zap.Logger) (boundary time.Time, firstSync, degraded bool) {
	state, err := e.State.GetWatermark(ctx, sourceID)
	if err != nil {
		logger.Warn("Sync state unavailable, degrading to full-range fetch", zap.Error(err))
		return e.StartTS, true, true
	}
	if state == nil || state.LastSyncTS.IsZero() {
		return e.StartTS, true, false
	}

	boundary = state.LastSyncTS.Add(-e.overlap())
	if boundary.Before(e.StartTS) {
		boundary = e.StartTS
		firstSync = true
	}
	return boundary, firstSync, false
}

// filter drops records outside the sync range and records without a natural
// key. A keyless record cannot be deduplicated, so storing it would multiply
// on every overlap re-fetch.
func (e *Engine) filter(records []models.RawRecord, boundary time.Time, firstSync bool) (kept []models.RawRecord, excluded int) {
	kept = make([]models.RawRecord, 0, len(records))
	for _, r := range records {
		ts := r.EventTime()
		if firstSync {
			if ts.Before(boundary) {
				continue
			}
		} else if !ts.After(boundary) {
			continue
		}
		if r.NaturalKey() == "" {
			excluded++
			continue
		}
		kept = append(kept, r)
	}
	return kept, excluded
}

func (e *Engine) fail(ctx context.Context, sourceID string, logger *zap.Logger, cause error) (models.Outcome, error) {
	outcome := models.Outcome{
		Status:       models.StatusFailed,
		ErrorMessage: cause.Error(),
	}

	var fatal *fetch.FatalError
	if errors.As(cause, &fatal) {
		logger.Error("Sync failed permanently", zap.Error(cause))
	} else {
		logger.Warn("Sync failed", zap.Error(cause))
	}

	if err := e.State.RecordAttempt(ctx, sourceID, outcome); err != nil {
		logger.Error("Failed to record failed attempt", zap.Error(err))
	}
	return outcome, cause
}

// lastNaturalKey returns the key of the newest kept record, used as a
// diagnostic cursor in sync state.
func lastNaturalKey(records []models.RawRecord) string {
	if len(records) == 0 {
		return ""
	}
	newest := records[0]
	for _, r := range records[1:] {
		if r.EventTime().After(newest.EventTime()) {
			newest = r
		}
	}
	return newest.NaturalKey()
}
