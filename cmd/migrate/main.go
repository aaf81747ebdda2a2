package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/congo-pay/settlement/internal/config"
	"github.com/congo-pay/settlement/internal/infra"
	"github.com/congo-pay/settlement/internal/logging"
	"github.com/congo-pay/settlement/internal/store"
)

// migrate applies the schema and exits. The api binary also migrates on start; this one is for
// deploy pipelines that run migrations as a separate step.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Service: cfg.AppName + "-migrate", Env: cfg.AppEnv})

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(ctx, db); err != nil {
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}
	logger.Info("schema applied")
}
