package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/convroute/convroute/pkg/api"
	kvredis "github.com/convroute/convroute/pkg/kv/redis"
	"github.com/convroute/convroute/pkg/ratelimit"
	"github.com/convroute/convroute/pkg/registry"
	"github.com/convroute/convroute/pkg/selector"
	"github.com/convroute/convroute/pkg/usage"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "convrouted: %v\n", err)
		os.Exit(2)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "convrouted: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	log.Info("starting", zap.String("version", version), zap.String("addr", cfg.Addr))

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := kvredis.New(client)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	err = store.Ping(ctx)
	cancel()
	if err != nil {
		log.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	log.Info("store connected", zap.String("redis", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))

	reg := registry.New(store)
	agg := usage.New(store, store, reg, log)
	sel := selector.New(reg, agg, log)
	sel.SetMargin(cfg.CapacityMargin)
	limiter := ratelimit.New(store, ratelimit.DefaultTable(), cfg.AtomicRateLimit, log)

	server := api.NewServer(api.Config{
		Addr:       cfg.Addr,
		AdminToken: cfg.AdminToken,
		Version:    version,
	}, store, reg, sel, agg, limiter, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info("shutdown initiated", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Fatal("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
	}
	if err := client.Close(); err != nil {
		log.Error("store close failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
