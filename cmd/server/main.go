package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cairn/internal/artifact"
	"cairn/internal/auth"
	"cairn/internal/config"
	"cairn/internal/httpapi"
	"cairn/internal/storage"
	"cairn/internal/transfer"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Store, log.Default())
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	defer store.Close()

	manager := artifact.NewManager(store, artifact.Options{
		Base: cfg.Store.Prefix,
		Transfer: transfer.Options{
			Workers:        cfg.Transfer.Workers,
			MaxAttempts:    cfg.Transfer.RetryAttempts,
			Backoff:        cfg.Transfer.RetryBackoff,
			MaxBackoff:     cfg.Transfer.RetryMaxDelay,
			RequestTimeout: cfg.Transfer.RequestTimeout,
		},
		Logger: log.Default(),
	})
	if cfg.AdminToken == "" {
		log.Printf("ADMIN_TOKEN is empty; delete and copy endpoints are disabled")
	}
	authn := auth.NewAuthenticator(cfg.AdminToken)

	api := httpapi.New(cfg, manager, authn)
	echoServer := api.NewEcho()

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      echoServer,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (backend=%s bucket=%s)", cfg.ListenAddr, cfg.Store.Backend, cfg.Store.Bucket)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Printf("serve: %v", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
		_ = store.Close()
		os.Exit(1)
	}
}
