// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// fieldsyncd runs the offline sync engine as a standalone daemon: it opens
// the local store, performs one sync pass on startup, then keeps re-running
// passes on a cron schedule until interrupted. It is the headless analogue
// of the mobile app's foreground/user-action sync triggers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"

	"github.com/aquaflow/fieldsync/devserver"
	"github.com/aquaflow/fieldsync/fieldsync"
)

type config struct {
	DatabasePath string        `envconfig:"FIELDSYNC_DB" default:"fieldsync.db"`
	APIBaseURL   string        `envconfig:"FIELDSYNC_API_URL" default:"http://localhost:3000/api"`
	EmployeeID   string        `envconfig:"FIELDSYNC_EMPLOYEE_ID" required:"true"`
	Token        string        `envconfig:"FIELDSYNC_TOKEN"`
	DevSecret    string        `envconfig:"FIELDSYNC_DEV_SECRET"`
	Schedule     string        `envconfig:"FIELDSYNC_SCHEDULE" default:"@every 5m"`
	TokenTTL     time.Duration `envconfig:"FIELDSYNC_TOKEN_TTL" default:"12h"`
}

func loadConfig() (*config, error) {
	// .env is optional; environment variables win.
	_ = godotenv.Load()
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if cfg.Token == "" && cfg.DevSecret == "" {
		return nil, fmt.Errorf("either FIELDSYNC_TOKEN or FIELDSYNC_DEV_SECRET must be set")
	}
	return &cfg, nil
}

// tokenSource returns the bearer credential provider: a static token when
// one was issued out of band, otherwise a dev token minted against the
// shared devserver secret.
func tokenSource(cfg *config) (func(context.Context) (string, error), error) {
	if cfg.Token != "" {
		return func(context.Context) (string, error) { return cfg.Token, nil }, nil
	}
	auth := devserver.NewTokenAuth(cfg.DevSecret)
	token, err := auth.GenerateToken(cfg.EmployeeID, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to mint dev token: %w", err)
	}
	return func(context.Context) (string, error) { return token, nil }, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	token, err := tokenSource(cfg)
	if err != nil {
		logger.Error("failed to build token source", "error", err)
		os.Exit(1)
	}

	engineCfg := fieldsync.DefaultConfig(cfg.DatabasePath, cfg.APIBaseURL, token)
	engineCfg.Logger = logger
	engine, err := fieldsync.NewEngine(engineCfg)
	if err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runPass := func() {
		if err := engine.Sync(ctx, cfg.EmployeeID); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Local-first reads keep working; failed records are retried on
			// the next pass.
			logger.Warn("sync pass finished with errors", "error", err)
		}
	}

	logger.Info("starting fieldsyncd",
		"db", cfg.DatabasePath, "api", cfg.APIBaseURL, "schedule", cfg.Schedule)
	runPass()

	c := cron.New()
	if _, err := c.AddFunc(cfg.Schedule, runPass); err != nil {
		logger.Error("invalid sync schedule", "schedule", cfg.Schedule, "error", err)
		os.Exit(1)
	}
	c.Start()

	<-ctx.Done()
	logger.Info("shutting down")
	<-c.Stop().Done()
}
