// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aquaflow/fieldsync/fieldapi"
)

// uploadDeny lists fields that are never uploaded even when present in a
// record's changed-keys set: identity, timestamps the server owns, and the
// sync bookkeeping itself.
var uploadDeny = map[string]bool{
	"id":             true,
	"createdAt":      true,
	"updatedAt":      true,
	FieldSyncState:   true,
	FieldChangedKeys: true,
}

// Reconciler runs the per-entity sync passes: push dirty records upstream,
// pull the authoritative remote set, diff by identity and apply the result
// as one atomic batch.
type Reconciler struct {
	store   *Store
	tracker *Tracker
	gw      Gateway
	logger  *slog.Logger
}

// NewReconciler wires a reconciler over an explicit store handle and gateway.
func NewReconciler(store *Store, gw Gateway, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		tracker: NewTracker(store),
		gw:      gw,
		logger:  logger,
	}
}

// Tracker returns the change tracker bound to the reconciler's store.
func (r *Reconciler) Tracker() *Tracker { return r.tracker }

// uploadBody computes the upload payload for a dirty record: the current
// value of every changed key, minus the deny list.
func uploadBody(rec Record) Record {
	keys := recordKeys(rec)
	body := make(Record)
	for _, key := range keys.Keys() {
		if uploadDeny[key] {
			continue
		}
		if v, ok := rec[key]; ok {
			body[key] = v
		}
	}
	return body
}

// pushDirty pushes every record in the updated state through push. Failures
// are isolated per record: the pass attempts all records and returns the
// joined error, which the caller uses to skip the pull phase.
func (r *Reconciler) pushDirty(ctx context.Context, collection string,
	push func(ctx context.Context, id string, body Record) error) error {

	recs, err := r.store.Select(ctx, Query{
		Collection: collection,
		Where:      []Cond{{Field: FieldSyncState, Op: "=", Value: string(StateUpdated)}},
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, rec := range recs {
		body := uploadBody(rec)
		if len(body) == 0 {
			// No uploadable divergence; restore the invariant without a
			// gateway call.
			if err := r.tracker.MarkSynced(ctx, collection, rec.ID()); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := push(ctx, rec.ID(), body); err != nil {
			errs = append(errs, fmt.Errorf("push %s/%s: %w", collection, rec.ID(), err))
			continue
		}
		if err := r.tracker.MarkSynced(ctx, collection, rec.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PushTransactions flushes dirty transactions upstream.
func (r *Reconciler) PushTransactions(ctx context.Context) error {
	return r.pushDirty(ctx, CollectionTransactions, func(ctx context.Context, id string, body Record) error {
		_, err := r.gw.UpdateTransaction(ctx, id, body)
		return err
	})
}

// PushCustomers flushes dirty customers upstream.
func (r *Reconciler) PushCustomers(ctx context.Context) error {
	return r.pushDirty(ctx, CollectionCustomers, func(ctx context.Context, id string, body Record) error {
		_, err := r.gw.UpdateCustomer(ctx, id, body)
		return err
	})
}

// PushPayments pushes locally-created payments as creations and dirty
// payments as partial updates. On first confirmation the server-issued id
// and invoice are swapped in atomically.
func (r *Reconciler) PushPayments(ctx context.Context) error {
	created, err := r.store.Select(ctx, Query{
		Collection: CollectionPayments,
		Where:      []Cond{{Field: FieldSyncState, Op: "=", Value: string(StateCreated)}},
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, rec := range created {
		payload := fieldapi.PaymentCreate{
			Customer: rec.String("customer"),
			Type:     rec.String("type"),
			Amount:   asFloat(rec["amount"]),
			PaidAt:   rec.String("paidAt"),
		}
		if trip := rec.String("trip"); trip != "" {
			payload.Trip = &trip
		}
		if comments := rec.String("comments"); comments != "" {
			payload.Comments = &comments
		}
		doc, err := r.gw.CreatePayment(ctx, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("push payments/%s: %w", rec.ID(), err))
			continue
		}
		opts := []SyncedOption{WithServerID(doc.ID)}
		if doc.Invoice.ID != "" {
			opts = append(opts, WithInvoice(doc.Invoice.ID))
		}
		if err := r.tracker.MarkSynced(ctx, CollectionPayments, rec.ID(), opts...); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.pushDirty(ctx, CollectionPayments, func(ctx context.Context, id string, body Record) error {
		_, err := r.gw.UpdatePayment(ctx, id, body)
		return err
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SyncTrips mirrors the employee's active trips from the backend. Pending
// offline transaction pushes are flushed first; a flush failure does not
// block the trip mirror (the transaction pull stays blocked by its own push
// phase), but it is carried in the returned error.
func (r *Reconciler) SyncTrips(ctx context.Context, employeeID string) error {
	var errs []error
	if err := r.PushTransactions(ctx); err != nil {
		r.logger.Warn("offline transaction flush failed", "error", err)
		errs = append(errs, err)
	}

	docs, err := r.gw.FetchTripsForEmployee(ctx, employeeID)
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	remote := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := tripRecord(doc)
		if err != nil {
			// Shape mismatch is fatal for the whole pass: no partial apply.
			errs = append(errs, err)
			return errors.Join(errs...)
		}
		remote = append(remote, rec)
	}

	local, err := r.store.Select(ctx, Query{Collection: CollectionTrips})
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}

	ops, created, updated, deleted := diffOps(CollectionTrips, remote, local)
	if err := r.store.BatchApply(ctx, ops); err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	r.logger.Info("synced trips", "created", created, "updated", updated, "deleted", deleted)
	return errors.Join(errs...)
}

// SyncTransactions runs the transaction pass: push dirty records, then pull
// the remote set for every locally-known trip, reconcile the customers
// embedded in that batch, and apply the transaction diff atomically. The
// pull is skipped when any push failed, so a pull cannot revert or re-delete
// records whose divergence the server has not yet acknowledged.
func (r *Reconciler) SyncTransactions(ctx context.Context) error {
	if err := r.PushTransactions(ctx); err != nil {
		return fmt.Errorf("transaction pull skipped: %w", err)
	}

	trips, err := r.store.Select(ctx, Query{Collection: CollectionTrips})
	if err != nil {
		return err
	}
	if len(trips) == 0 {
		r.logger.Info("no trips known locally, skipping transaction sync")
		return nil
	}

	var docs []fieldapi.Transaction
	for _, trip := range trips {
		tripDocs, err := r.gw.FetchTransactionsForTrip(ctx, trip.ID())
		if err != nil {
			return err
		}
		docs = append(docs, tripDocs...)
	}

	// Customers ride along inside the pulled transactions; reconcile them
	// first so transaction creates never reference a customer the store has
	// not seen.
	customers := make([]fieldapi.Customer, 0, len(docs))
	seen := make(map[string]bool)
	for _, doc := range docs {
		if !seen[doc.Customer.ID] {
			seen[doc.Customer.ID] = true
			customers = append(customers, doc.Customer)
		}
	}
	if err := r.SyncCustomers(ctx, customers); err != nil {
		return err
	}

	remote := make([]Record, 0, len(docs))
	for _, doc := range docs {
		remote = append(remote, transactionRecord(doc))
	}
	local, err := r.store.Select(ctx, Query{Collection: CollectionTransactions})
	if err != nil {
		return err
	}

	ops, created, updated, deleted := diffOps(CollectionTransactions, remote, local)
	if err := r.store.BatchApply(ctx, ops); err != nil {
		return err
	}
	r.logger.Info("synced transactions", "created", created, "updated", updated, "deleted", deleted)
	return nil
}

// SyncCustomers reconciles the given customer documents (derived from a
// pulled transaction batch, not fetched independently) against the local
// collection. Dirty customers are pushed first; any push failure skips the
// pull for this pass.
func (r *Reconciler) SyncCustomers(ctx context.Context, docs []fieldapi.Customer) error {
	if err := r.PushCustomers(ctx); err != nil {
		return fmt.Errorf("customer pull skipped: %w", err)
	}

	remote := make([]Record, 0, len(docs))
	for _, doc := range docs {
		remote = append(remote, customerRecord(doc))
	}
	local, err := r.store.Select(ctx, Query{Collection: CollectionCustomers})
	if err != nil {
		return err
	}

	ops, created, updated, deleted := diffOps(CollectionCustomers, remote, local)
	if err := r.store.BatchApply(ctx, ops); err != nil {
		return err
	}
	r.logger.Info("synced customers", "created", created, "updated", updated, "deleted", deleted)
	return nil
}

// diffOps classifies remote vs. local records by identity. Remote ids absent
// locally become creates, ids present on both sides become unconditional
// updates (server wins on pull), and local ids the server no longer echoes
// become deletes. Never-pushed local records are exempt from deletion: the
// server cannot disown a record it has not been told about.
func diffOps(collection string, remote, local []Record) (ops []Op, created, updated, deleted int) {
	remoteByID := make(map[string]bool, len(remote))
	localByID := make(map[string]bool, len(local))
	for _, rec := range remote {
		remoteByID[rec.ID()] = true
	}
	for _, rec := range local {
		localByID[rec.ID()] = true
	}

	for _, rec := range remote {
		fields := make(Record, len(rec))
		for name, v := range rec {
			if name != "id" {
				fields[name] = v
			}
		}
		if localByID[rec.ID()] {
			ops = append(ops, Op{Kind: OpUpdate, Collection: collection, ID: rec.ID(), Fields: fields})
			updated++
		} else {
			ops = append(ops, Op{Kind: OpCreate, Collection: collection, ID: rec.ID(), Fields: fields})
			created++
		}
	}
	for _, rec := range local {
		if remoteByID[rec.ID()] {
			continue
		}
		if recordState(rec) == StateCreated {
			continue
		}
		ops = append(ops, Op{Kind: OpDelete, Collection: collection, ID: rec.ID()})
		deleted++
	}
	return ops, created, updated, deleted
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
