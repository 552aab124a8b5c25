package projector

import (
	"context"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/rawstore"
	"github.com/cryptobookkeeper/cryptosync/pkg/db/unified"
	"github.com/cryptobookkeeper/cryptosync/pkg/logging"
	"github.com/cryptobookkeeper/cryptosync/pkg/unify"
	"github.com/cryptobookkeeper/cryptosync/pkg/utils"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// App regenerates the unified transaction view from the raw tables. It is a
// one-shot job: run, report, exit.
type App struct {
	RawDB     *rawstore.DB
	UnifiedDB *unified.DB
	Projector *unify.Projector
	Logger    *zap.Logger
}

// Initialize wires the projector from environment configuration.
func Initialize(ctx context.Context) (*App, error) {
	_ = godotenv.Load()

	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	dbName := utils.Env("CLICKHOUSE_DATABASE", "cryptosync")

	rawDB, err := rawstore.New(ctx, logger, dbName)
	if err != nil {
		logger.Fatal("Unable to initialize raw store", zap.Error(err))
	}
	unifiedDB, err := unified.New(ctx, logger, dbName)
	if err != nil {
		logger.Fatal("Unable to initialize unified store", zap.Error(err))
	}

	return &App{
		RawDB:     rawDB,
		UnifiedDB: unifiedDB,
		Projector: &unify.Projector{Raw: rawDB, Unified: unifiedDB, Logger: logger},
		Logger:    logger,
	}, nil
}

// Run executes one projection pass.
func (a *App) Run(ctx context.Context) error {
	report, err := a.Projector.Run(ctx)
	if err != nil {
		return err
	}

	for _, v := range report.Violations {
		a.Logger.Warn("Unified invariant violation", zap.String("violation", v))
	}
	return nil
}

// Close releases database connections.
func (a *App) Close() {
	_ = a.RawDB.Close()
	_ = a.UnifiedDB.Close()
}
