// Command worker runs only the job workers. It shares the Postgres queue with
// "reconflow serve" instances and scales processing independently of the API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/app"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/config"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

var errNoDatabase = errors.New("DATABASE_URL is required: a worker-only process needs the shared queue")

func main() {
	_ = godotenv.Load()
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	if err := checkConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logging.Error(logger, "startup", err, nil)
		return exitRuntimeError
	}
	defer a.Close()

	logger.WithField("concurrency", cfg.WorkerConcurrency).Info("worker: started")
	a.RunWorkers(ctx)
	logger.Info("worker: stopped")
	return exitSuccess
}

func checkConfig(cfg config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errNoDatabase
	}
	return nil
}
