package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/engine"
	"github.com/cryptobookkeeper/cryptosync/pkg/source"
	"github.com/cryptobookkeeper/cryptosync/pkg/utils"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// stateLister and rawCounter are the store slices the status endpoint needs.
type stateLister interface {
	ListStates(ctx context.Context) ([]models.SyncState, error)
}

type rawCounter interface {
	CountBySource(ctx context.Context, kind models.Kind, sourceID string) (uint64, error)
}

// statusResponse is the /status payload: persisted per-source state, total
// stored rows per source, plus the in-memory report of the most recent pass.
type statusResponse struct {
	Sources      []models.SyncState `json:"sources"`
	StoredCounts map[string]uint64  `json:"stored_counts"`
	LastRun      *engine.RunReport  `json:"last_run,omitempty"`
}

// SetupServer builds the HTTP surface: liveness, readiness and sync status.
func (a *App) SetupServer() {
	addr := utils.Env("ADDR", ":3010")

	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")

	r.Handle("/readyz", http.HandlerFunc(a.handleReady)).Methods("GET")
	r.Handle("/status", http.HandlerFunc(a.handleStatus)).Methods("GET")

	a.Server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// handleReady reports ready once the sync_state table is reachable and, when
// configured, Redis answers.
func (a *App) handleReady(w http.ResponseWriter, req *http.Request) {
	ok, err := a.StateDB.TableExists(req.Context(), a.StateDB.Name, "sync_state")
	if err != nil || !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if a.Redis != nil {
		if err := a.Redis.Health(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleStatus(w http.ResponseWriter, req *http.Request) {
	resp, err := buildStatus(req.Context(), a.StateDB, a.RawDB, a.Registry.Sources(), a.lastReport.Load(), a.Logger)
	if err != nil {
		a.Logger.Error("Failed to load sync states", zap.Error(err))
		http.Error(w, "failed to load sync states", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.Logger.Warn("Failed to encode status response", zap.Error(err))
	}
}

// buildStatus assembles the status payload. A count failure for one source
// is logged and skipped rather than failing the whole endpoint.
func buildStatus(ctx context.Context, states stateLister, counts rawCounter, sources []source.Source, lastRun *engine.RunReport, logger *zap.Logger) (statusResponse, error) {
	listed, err := states.ListStates(ctx)
	if err != nil {
		return statusResponse{}, err
	}

	resp := statusResponse{
		Sources:      listed,
		StoredCounts: make(map[string]uint64, len(sources)),
		LastRun:      lastRun,
	}

	for _, src := range sources {
		n, err := counts.CountBySource(ctx, src.Kind, src.ID)
		if err != nil {
			logger.Warn("Failed to count stored rows",
				zap.String("source_id", src.ID),
				zap.Error(err))
			continue
		}
		resp.StoredCounts[src.ID] = n
	}

	return resp, nil
}
