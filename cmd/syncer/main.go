package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/cryptobookkeeper/cryptosync/app/syncer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app, err := syncer.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	app.Start(ctx)
}
