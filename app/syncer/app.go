package syncer

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/db/rawstore"
	"github.com/cryptobookkeeper/cryptosync/pkg/db/syncstate"
	"github.com/cryptobookkeeper/cryptosync/pkg/engine"
	"github.com/cryptobookkeeper/cryptosync/pkg/fetch"
	"github.com/cryptobookkeeper/cryptosync/pkg/fetch/debank"
	"github.com/cryptobookkeeper/cryptosync/pkg/fetch/kraken"
	"github.com/cryptobookkeeper/cryptosync/pkg/logging"
	"github.com/cryptobookkeeper/cryptosync/pkg/redis"
	"github.com/cryptobookkeeper/cryptosync/pkg/retry"
	"github.com/cryptobookkeeper/cryptosync/pkg/source"
	"github.com/cryptobookkeeper/cryptosync/pkg/utils"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// defaultStartTS is where sources with no watermark begin when START_TS is
// not configured.
var defaultStartTS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// App is the sync daemon: a cron-scheduled orchestrator pass over every
// configured source, plus a small HTTP surface for health and sync state.
type App struct {
	StateDB *syncstate.DB
	RawDB   *rawstore.DB
	Redis   *redis.Client

	Registry     *source.Registry
	Orchestrator *engine.Orchestrator

	Cron     *cron.Cron
	CronSpec string

	Server *http.Server
	Logger *zap.Logger

	lastReport atomic.Pointer[engine.RunReport]
}

// Initialize wires the daemon from environment configuration. A missing
// .env file is not an error; the environment may be set by the deployment.
func Initialize(ctx context.Context) (*App, error) {
	_ = godotenv.Load()

	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	dbName := utils.Env("CLICKHOUSE_DATABASE", "cryptosync")

	stateDB, err := syncstate.New(ctx, logger, dbName)
	if err != nil {
		logger.Fatal("Unable to initialize sync state store", zap.Error(err))
	}
	rawDB, err := rawstore.New(ctx, logger, dbName)
	if err != nil {
		logger.Fatal("Unable to initialize raw store", zap.Error(err))
	}

	registry, err := source.FromEnv(
		utils.EnvList("EXCHANGES"),
		utils.EnvList("CHAINS"),
		utils.EnvList("EVM_ADDRESSES"),
	)
	if err != nil {
		logger.Fatal("Invalid source configuration", zap.Error(err))
	}
	if registry.Len() == 0 {
		logger.Warn("No sources configured; set EXCHANGES and/or CHAINS+EVM_ADDRESSES")
	}

	mux := fetch.NewMux()
	mux.Register(
		debank.New(utils.Env("DEBANK_API_BASE", ""), utils.Env("DEBANK_API_KEY", ""), logger),
		models.KindOnchainTransfers,
	)
	mux.Register(
		kraken.New(
			utils.Env("KRAKEN_API_BASE", ""),
			utils.Env("KRAKEN_API_KEY", ""),
			utils.Env("KRAKEN_API_SECRET", ""),
			logger,
		),
		models.KindExchangeTrades,
		models.KindExchangeDeposits,
		models.KindExchangeWithdrawals,
	)
	fetcher := fetch.NewRetrying(mux, retry.DefaultPolicy(), logger)

	eng := &engine.Engine{
		State:        stateDB,
		Raw:          rawDB,
		Fetcher:      fetcher,
		StartTS:      utils.EnvTime("START_TS", defaultStartTS),
		Overlap:      utils.EnvDuration("SYNC_OVERLAP", engine.DefaultOverlap),
		PageSizeHint: utils.EnvInt("PAGE_SIZE", 20),
		Logger:       logger,
	}

	app := &App{
		StateDB:  stateDB,
		RawDB:    rawDB,
		Registry: registry,
		CronSpec: utils.Env("SYNC_CRON", "0 */5 * * * *"),
		Logger:   logger,
	}

	orch := &engine.Orchestrator{
		Engine:     eng,
		Registry:   registry,
		MaxWorkers: utils.EnvInt("SYNC_WORKERS", 4),
		Logger:     logger,
	}

	if utils.Env("REDIS_ENABLED", "false") == "true" {
		rds, err := redis.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to Redis", zap.Error(err))
		}
		app.Redis = rds
		orch.Locker = rds
		orch.Publisher = rds
	}

	app.Orchestrator = orch

	if err := app.SetupScheduler(ctx, cron.DefaultLogger); err != nil {
		return nil, err
	}
	app.SetupServer()

	return app, nil
}

// SetupScheduler registers the sync pass on the cron schedule.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger) error {
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)))

	_, err := a.Cron.AddFunc(a.CronSpec, func() {
		// keep each pass bounded
		rctx, cancel := context.WithTimeout(ctx, utils.EnvDuration("SYNC_TIMEOUT", 10*time.Minute))
		defer cancel()
		a.RunOnce(rctx)
	})
	return err
}

// RunOnce executes a single orchestrated sync pass and retains its report
// for the status endpoint.
func (a *App) RunOnce(ctx context.Context) engine.RunReport {
	report := a.Orchestrator.RunAll(ctx)
	a.lastReport.Store(&report)
	return report
}

// Start runs the HTTP server and cron until the context is cancelled.
func (a *App) Start(ctx context.Context) {
	a.Cron.Start()
	a.Logger.Info("Sync scheduler started", zap.String("cronSpec", a.CronSpec))

	go func() { _ = a.Server.ListenAndServe() }()

	<-ctx.Done()
	a.Logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	<-a.Cron.Stop().Done()

	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.RawDB.Close()
	_ = a.StateDB.Close()
}
