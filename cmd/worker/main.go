// Command worker runs a single task-execution platform worker instance:
// broker consumption, status publication, and the free-timeout/protection
// lifecycle around task execution.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/muxite/taskplane/internal/app"
	"github.com/muxite/taskplane/internal/common"
)

func main() {
	configPath := os.Getenv("TASKPLANE_CONFIG")

	a, err := app.NewWorkerApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize worker: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner("worker", a.Config, a.Logger)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		a.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	a.Run(ctx)
	a.Shutdown()

	common.PrintShutdownBanner("worker", a.Logger)
}
