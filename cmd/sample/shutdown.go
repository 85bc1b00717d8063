package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miller79/pooledhttp/internal/config"
	"github.com/miller79/pooledhttp/internal/observability"
)

// run starts the admin server and config watcher, fires the demo
// requests, and blocks until a shutdown signal arrives.
func run(app *application, configPath string, logger observability.Logger) {
	go func() {
		logger.Info("admin server listening",
			observability.String("addr", app.adminServer.Addr),
		)
		if err := app.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", observability.Error(err))
		}
	}()

	watcher := startConfigWatcher(app, configPath, logger)

	app.demoRequests(context.Background())

	waitForShutdown(app, watcher, logger)
}

// startConfigWatcher begins watching the configuration file. A missing
// file is not fatal; the sample just runs without live reload.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, app.reload,
		config.WithWatcherLogger(logger),
	)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("config watching disabled", observability.Error(err))
		return nil
	}
	return watcher
}

// waitForShutdown waits for a shutdown signal and tears everything down.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop admin server gracefully", observability.Error(err))
	}

	app.close()

	logger.Info("sample stopped")
}
