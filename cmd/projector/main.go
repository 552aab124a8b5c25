package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/cryptobookkeeper/cryptosync/app/projector"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app, err := projector.Initialize(ctx)
	if err != nil {
		panic(err)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		app.Logger.Fatal("Projection failed", zap.Error(err))
	}
}
