// Command gateway runs the task-execution platform's HTTP front door:
// admission, dual-write, and enqueue.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muxite/taskplane/internal/app"
	"github.com/muxite/taskplane/internal/common"
)

func main() {
	configPath := os.Getenv("TASKPLANE_CONFIG")

	a, err := app.NewGatewayApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize gateway: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner("gateway", a.Config, a.Logger)

	errCh := make(chan error, 1)
	go func() {
		if err := a.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		a.Logger.Error().Err(err).Msg("gateway server failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("gateway shutdown failed")
		common.PrintShutdownBanner("gateway", a.Logger)
		os.Exit(1)
	}

	common.PrintShutdownBanner("gateway", a.Logger)
}
