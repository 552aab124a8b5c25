package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/source"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// EventChannel is the Pub/Sub channel sync outcomes are announced on.
const EventChannel = "cryptosync:sync.completed"

// Locker guards a source against concurrent syncs across processes.
type Locker interface {
	TryLock(ctx context.Context, sourceID string) (bool, error)
	Unlock(ctx context.Context, sourceID string)
}

// Publisher announces sync outcomes. Best-effort: implementations must not
// fail the run.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{})
}

// RunReport summarizes one orchestrated pass over the registry.
type RunReport struct {
	Started  time.Time                 `json:"started"`
	Finished time.Time                 `json:"finished"`
	Outcomes map[string]models.Outcome `json:"outcomes"`
	Skipped  []string                  `json:"skipped,omitempty"`
}

// Succeeded counts outcomes with status success or partial.
func (r RunReport) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status != models.StatusFailed {
			n++
		}
	}
	return n
}

// Failed counts outcomes with status failed.
func (r RunReport) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Orchestrator fans one sync pass out over every registered source. A
// failure in one source never touches the others; the per-source outcome
// records it and the pass continues.
type Orchestrator struct {
	Engine   *Engine
	Registry *source.Registry

	// Locker and Publisher are optional. Without a Locker, single-process
	// deployment is assumed and sources are only serialized within the run.
	Locker    Locker
	Publisher Publisher

	MaxWorkers int
	Logger     *zap.Logger
}

// RunAll syncs every source in the registry concurrently and returns the
// per-source outcomes.
func (o *Orchestrator) RunAll(ctx context.Context) RunReport {
	report := RunReport{Started: time.Now().UTC()}

	sources := o.Registry.Sources()
	maxWorkers := o.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if maxWorkers > len(sources) && len(sources) > 0 {
		maxWorkers = len(sources)
	}

	outcomes := xsync.NewMap[string, models.Outcome]()
	skipped := xsync.NewMap[string, struct{}]()

	pool := pond.NewPool(maxWorkers)
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, src := range sources {
		src := src
		group.SubmitErr(func() error {
			if o.Locker != nil {
				ok, err := o.Locker.TryLock(groupCtx, src.ID)
				if err != nil {
					o.Logger.Warn("Lock check failed, syncing without lock",
						zap.String("source_id", src.ID), zap.Error(err))
				} else if !ok {
					o.Logger.Info("Source locked by another process, skipping",
						zap.String("source_id", src.ID))
					skipped.Store(src.ID, struct{}{})
					return nil
				} else {
					// Release with a fresh context: groupCtx may already be
					// cancelled here, and an unreleased lock blocks the
					// source until the TTL expires.
					defer func() {
						unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						o.Locker.Unlock(unlockCtx, src.ID)
					}()
				}
			}

			outcome, err := o.Engine.SyncSource(groupCtx, src)
			outcomes.Store(src.ID, outcome)
			o.announce(groupCtx, src.ID, outcome)
			if err != nil {
				// Recorded in the outcome; do not cancel sibling sources.
				o.Logger.Debug("Source sync returned error",
					zap.String("source_id", src.ID), zap.Error(err))
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		o.Logger.Warn("Sync group encountered error", zap.Error(err))
	}
	pool.StopAndWait()

	report.Finished = time.Now().UTC()
	report.Outcomes = make(map[string]models.Outcome, outcomes.Size())
	outcomes.Range(func(id string, out models.Outcome) bool {
		report.Outcomes[id] = out
		return true
	})
	skipped.Range(func(id string, _ struct{}) bool {
		report.Skipped = append(report.Skipped, id)
		return true
	})

	o.Logger.Info("Sync pass finished",
		zap.Int("sources", len(sources)),
		zap.Int("succeeded", report.Succeeded()),
		zap.Int("failed", report.Failed()),
		zap.Int("skipped", len(report.Skipped)),
		zap.Duration("took", report.Finished.Sub(report.Started)))

	return report
}

// announce publishes a sync outcome event, if a publisher is wired.
func (o *Orchestrator) announce(ctx context.Context, sourceID string, outcome models.Outcome) {
	if o.Publisher == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"source_id":    sourceID,
		"status":       outcome.Status,
		"record_count": outcome.RecordCount,
		"last_sync_ts": outcome.LastSyncTS,
	})
	if err != nil {
		return
	}
	o.Publisher.Publish(ctx, EventChannel, payload)
}
