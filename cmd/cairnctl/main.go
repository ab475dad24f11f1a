package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cairn/internal/artifact"
	"cairn/internal/config"
	"cairn/internal/storage"
	"cairn/internal/transfer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(openFromEnv)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openFromEnv builds a manager from the same environment the server reads.
func openFromEnv(verbose bool) (*artifact.Manager, io.Closer, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := log.New(io.Discard, "", 0)
	if verbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	store, err := storage.Open(cfg.Store, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}
	manager := artifact.NewManager(store, artifact.Options{
		Base: cfg.Store.Prefix,
		Transfer: transfer.Options{
			Workers:        cfg.Transfer.Workers,
			MaxAttempts:    cfg.Transfer.RetryAttempts,
			Backoff:        cfg.Transfer.RetryBackoff,
			MaxBackoff:     cfg.Transfer.RetryMaxDelay,
			RequestTimeout: cfg.Transfer.RequestTimeout,
		},
		Logger: logger,
	})
	return manager, store, nil
}
