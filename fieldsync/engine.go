// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// TokenFunc supplies the bearer credential for a request.
type TokenFunc func(ctx context.Context) (string, error)

// Config bundles everything needed to stand up the engine.
type Config struct {
	// DatabasePath is the SQLite file path, or ":memory:".
	DatabasePath string
	// BaseURL is the backend API root, e.g. "http://host:3000/api".
	BaseURL string
	// Token supplies the bearer credential per request.
	Token TokenFunc
	// HTTP overrides the gateway's HTTP client. Optional.
	HTTP *http.Client
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns a config with the standard HTTP timeout.
func DefaultConfig(dbPath, baseURL string, token TokenFunc) Config {
	return Config{
		DatabasePath: dbPath,
		BaseURL:      baseURL,
		Token:        token,
		HTTP:         &http.Client{Timeout: 60 * time.Second},
	}
}

// Engine owns the store, the change tracker and the reconciler behind one
// handle. It is the embedding application's entry point; everything it wires
// can also be assembled by hand for tests.
type Engine struct {
	store *Store
	rec   *Reconciler
	orch  *Orchestrator
}

// NewEngine opens the store at cfg.DatabasePath, migrates it and wires the
// sync pipeline against cfg.BaseURL.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Token == nil {
		return nil, fmt.Errorf("config requires a token source")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	gw := NewHTTPGateway(cfg.BaseURL, cfg.Token, logger)
	if cfg.HTTP != nil {
		gw.HTTP = cfg.HTTP
	}
	rec := NewReconciler(store, gw, logger)
	return &Engine{
		store: store,
		rec:   rec,
		orch:  NewOrchestrator(rec, logger),
	}, nil
}

// Store returns the local store for reads, live queries and Reset.
func (e *Engine) Store() *Store { return e.store }

// Tracker returns the change tracker for recording local edits.
func (e *Engine) Tracker() *Tracker { return e.rec.Tracker() }

// Sync runs one full sync pass for the employee.
func (e *Engine) Sync(ctx context.Context, employeeID string) error {
	return e.orch.Sync(ctx, employeeID)
}

// Close closes the underlying store.
func (e *Engine) Close() error { return e.store.Close() }
