package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"smeargle/internal/driver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		slog.Error("smeargle exited with error", "error", err)
		os.Exit(1)
	}

	if err := newRootCommand(appDeps{registry: registry}).ExecuteContext(ctx); err != nil {
		slog.Error("smeargle exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
