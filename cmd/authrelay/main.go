package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/device"
	"github.com/alexjbarnes/authrelay/internal/logging"
	"github.com/alexjbarnes/authrelay/internal/ratelimit"
	"github.com/alexjbarnes/authrelay/internal/server"
	"github.com/alexjbarnes/authrelay/internal/store"
	"github.com/alexjbarnes/authrelay/internal/upstream"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("authrelay starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreBackend),
		slog.String("flow", cfg.Flow),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer cleanup()

	up := upstream.NewClient(upstream.Config{
		TokenEndpoint:       cfg.TokenEndpoint,
		CredentialsEndpoint: cfg.CredentialsEndpoint,
		DataEndpoint:        cfg.DataEndpoint,
		Timeout:             cfg.UpstreamTimeout,
	})

	handler := server.NewMux(server.MuxConfig{
		Config:      cfg,
		Registry:    device.NewRegistry(st),
		Issuer:      device.NewIssuer(st),
		Limiter:     ratelimit.New(st, cfg.LimitRequestsPerMinute),
		Upstream:    up,
		Credentials: upstream.NewCredentials(st, up, cfg.ClientID, cfg.ClientSecret),
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("listening", slog.String("addr", cfg.ListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// openStore builds the configured store backend and returns it with a
// cleanup function for deferred shutdown.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		r, err := store.NewRedis(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, nil, err
		}

		return r, func() { r.Close() }, nil

	case config.StoreBolt:
		path := cfg.BoltPath
		if path == "" {
			var err error
			if path, err = config.DefaultBoltPath(); err != nil {
				return nil, nil, err
			}
		}

		b, err := store.NewBolt(path)
		if err != nil {
			return nil, nil, err
		}

		return b, func() { b.Close() }, nil

	default:
		m := store.NewMemory()
		return m, m.Stop, nil
	}
}
