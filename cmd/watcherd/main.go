package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/paywatch/internal/api"
	"github.com/terminal-bench/paywatch/internal/auth"
	"github.com/terminal-bench/paywatch/internal/config"
	"github.com/terminal-bench/paywatch/internal/dispatch"
	"github.com/terminal-bench/paywatch/internal/pool"
	"github.com/terminal-bench/paywatch/internal/store"
	"github.com/terminal-bench/paywatch/internal/vault"
	"github.com/terminal-bench/paywatch/internal/watch"
	"github.com/terminal-bench/paywatch/pkg/messaging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("watcherd exited", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store: redis when configured, in-process otherwise.
	var st store.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer client.Close()
		st = store.NewRedisStore(client)
		logger.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
	} else {
		st = store.NewMemoryStore()
		logger.Warn("no redis configured, state will not survive restarts")
	}

	// Event bus is optional.
	var bus *messaging.Client
	if cfg.NATS.URL != "" {
		var err error
		bus, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATS.URL,
			Name:           "watcherd",
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer bus.Close()
		logger.Info("connected to event bus", zap.String("url", cfg.NATS.URL))
	}

	p := pool.New(pool.Config{
		Servers:           cfg.ServerDescriptors(),
		MinSessions:       cfg.Pool.MinSessions,
		ProbeTimeout:      cfg.Pool.ProbeTimeout,
		CallTimeout:       cfg.Pool.CallTimeout,
		BackoffBase:       cfg.Pool.BackoffBase,
		BackoffMax:        cfg.Pool.BackoffMax,
		SuperviseInterval: cfg.Pool.SuperviseInterval,
	}, logger, nil)

	if err := p.Start(ctx); err != nil {
		if !errors.Is(err, pool.ErrDegradedPool) {
			return fmt.Errorf("pool start: %w", err)
		}
		logger.Warn("starting with a degraded server pool", zap.Error(err))
	}
	defer p.Stop()

	policy, err := buildPolicy(cfg.Policy)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(bus, logger)
	watcher := watch.New(st, vault.New(), p, dispatcher, policy, cfg.Vault.Passphrase, logger)
	watcher.Start()
	defer watcher.Stop()

	if err := watcher.Restore(ctx); err != nil {
		return fmt.Errorf("restore watches: %w", err)
	}

	verifier := auth.NewVerifier(cfg.JWTKey, cfg.AuthTTL)
	server := api.NewServer(watcher, st, dispatcher, verifier, p, logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("watcherd listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

func buildPolicy(pc config.PolicyConfig) (watch.Policy, error) {
	policy := watch.DefaultPolicy()

	tolerance, err := decimal.NewFromString(pc.Tolerance)
	if err != nil {
		return watch.Policy{}, fmt.Errorf("bad tolerance %q: %w", pc.Tolerance, err)
	}
	threshold, err := decimal.NewFromString(pc.HighValueThreshold)
	if err != nil {
		return watch.Policy{}, fmt.Errorf("bad high value threshold %q: %w", pc.HighValueThreshold, err)
	}

	policy.Tolerance = tolerance
	policy.HighValueThreshold = threshold
	if pc.Quorum > 0 {
		policy.Quorum = pc.Quorum
	}
	if pc.MinConfirmations > 0 {
		policy.MinConfirmations = pc.MinConfirmations
	}
	if pc.HighValueConfirmations > 0 {
		policy.HighValueConfirmations = pc.HighValueConfirmations
	}
	if pc.ExpiryWindow > 0 {
		policy.ExpiryWindow = pc.ExpiryWindow
	}
	return policy, nil
}
