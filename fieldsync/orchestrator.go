// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Orchestrator sequences reconciler passes across entity types in dependency
// order. It is the engine's external entry point, invoked on app foreground
// and on explicit user action.
type Orchestrator struct {
	rec    *Reconciler
	logger *slog.Logger
}

// NewOrchestrator creates the orchestrator over a reconciler.
func NewOrchestrator(rec *Reconciler, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{rec: rec, logger: logger}
}

// Sync runs one full pass for the given employee:
//
//  1. trips (which flushes pending offline transaction pushes first),
//  2. transactions for every locally-known trip, with customers derived
//     from the same pulled batch,
//  3. payments, independent of the rest.
//
// Stage failures are logged and collected, but a failed stage only blocks
// later stages where a real ordering dependency exists: transaction sync
// consumes whatever trips are durably known locally, so a one-off trip
// failure does not abort it. Local reads stay serviceable throughout; every
// record not touched by a committed batch keeps its last state, and dirty
// records are simply retried on the next pass.
func (o *Orchestrator) Sync(ctx context.Context, employeeID string) error {
	if employeeID == "" {
		return fmt.Errorf("sync requires an employee id")
	}

	var errs []error
	if err := o.rec.SyncTrips(ctx, employeeID); err != nil {
		o.logger.Error("trip sync failed", "error", err)
		errs = append(errs, err)
	}
	if err := o.rec.SyncTransactions(ctx); err != nil {
		o.logger.Error("transaction sync failed", "error", err)
		errs = append(errs, err)
	}
	if err := o.rec.PushPayments(ctx); err != nil {
		o.logger.Error("payment sync failed", "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
