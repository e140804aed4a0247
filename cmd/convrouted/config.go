package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is assembled from CONVROUTE_* environment variables first, then
// overridden by command-line flags.
type Config struct {
	Addr            string        `env:"CONVROUTE_ADDR" envDefault:"127.0.0.1:8090"`
	RedisAddr       string        `env:"CONVROUTE_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword   string        `env:"CONVROUTE_REDIS_PASSWORD"`
	RedisDB         int           `env:"CONVROUTE_REDIS_DB" envDefault:"0"`
	AdminToken      string        `env:"CONVROUTE_ADMIN_TOKEN"`
	AtomicRateLimit bool          `env:"CONVROUTE_ATOMIC_RATELIMIT" envDefault:"true"`
	CapacityMargin  float64       `env:"CONVROUTE_CAPACITY_MARGIN" envDefault:"0.95"`
	LogLevel        string        `env:"CONVROUTE_LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"CONVROUTE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func LoadConfig(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	flagSet := flag.NewFlagSet("convrouted", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagAddr := flagSet.String("addr", cfg.Addr, "HTTP listen address")
	flagRedis := flagSet.String("redis", cfg.RedisAddr, "Redis address")
	flagRedisDB := flagSet.Int("redis-db", cfg.RedisDB, "Redis database number")
	flagAdminToken := flagSet.String("admin-token", cfg.AdminToken, "bearer token for the admin surface")
	flagAtomic := flagSet.Bool("atomic-ratelimit", cfg.AtomicRateLimit, "use the store's atomic increment for rate limiting")
	flagMargin := flagSet.Float64("capacity-margin", cfg.CapacityMargin, "fraction of the daily limit workers may fill")
	flagLogLevel := flagSet.String("log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	flagShutdown := flagSet.Duration("shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown deadline")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
		}
		return Config{}, err
	}

	cfg.Addr = strings.TrimSpace(*flagAddr)
	cfg.RedisAddr = strings.TrimSpace(*flagRedis)
	cfg.RedisDB = *flagRedisDB
	cfg.AdminToken = *flagAdminToken
	cfg.AtomicRateLimit = *flagAtomic
	cfg.CapacityMargin = *flagMargin
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(*flagLogLevel))
	cfg.ShutdownTimeout = *flagShutdown

	if cfg.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	if cfg.RedisAddr == "" {
		return Config{}, errors.New("redis address cannot be empty")
	}
	if cfg.CapacityMargin <= 0 || cfg.CapacityMargin > 1 {
		return Config{}, fmt.Errorf("capacity margin must be in (0, 1], got %v", cfg.CapacityMargin)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("unsupported log level: %s", cfg.LogLevel)
	}
	return cfg, nil
}
