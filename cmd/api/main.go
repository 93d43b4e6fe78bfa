// Command api serves the orders REST API.
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

	"go.uber.org/zap"

	"github.com/storefront-labs/orders-api/internal/di"
	"github.com/storefront-labs/orders-api/internal/platform/config"
	"github.com/storefront-labs/orders-api/internal/platform/observability"
)

const shutdownGrace = 10 * time.Second

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(logger.Named("api")); err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		} else {
			logger.Error("orders api stopped", zap.Error(err))
		}
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)
	startedAt := time.Now().UTC()

	values, err := config.EnvironmentValues()
	if err != nil {
		return err
	}
	boot, err := readBootstrap(values)
	if err != nil {
		return err
	}

	fetcher, err := boot.secretFetcher(ctx, logger)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(boot.requiredSecrets()...),
	)
	if err != nil {
		return err
	}

	container, err := di.NewContainer(ctx, cfg, di.Options{
		Logger: logger,
		Build:  boot.buildInfo(cfg, startedAt),
	})
	if err != nil {
		return fmt.Errorf("container: %w", err)
	}
	container.StartBackground(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("orders api listening", zap.String("addr", server.Addr), zap.String("store", cfg.Store.Driver))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = container.Close(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	shutdownErr := server.Shutdown(drainCtx)
	if err := container.Close(drainCtx); err != nil {
		logger.Warn("container close", zap.Error(err))
	}
	return shutdownErr
}
