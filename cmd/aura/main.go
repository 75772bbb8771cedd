package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/23skdu/longbow-aura/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, errValidationFailed) {
		os.Exit(2)
	}
	logger.Log.Error("aura failed", "error", err.Error())
	os.Exit(1)
}
