// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Tracker performs the dirty-field bookkeeping for local mutations made
// outside of a sync pass. It persists through the Store so every mutation is
// a single atomic batch and live queries observe it immediately.
type Tracker struct {
	store *Store
	now   func() time.Time
}

// NewTracker creates a tracker over the given store handle.
func NewTracker(store *Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// RecordLocalEdit applies a local mutation to a record and unions the
// mutated field names into its changed-keys set. Never-synced records stay
// in the created state; everything else becomes updated. Re-editing the same
// field does not duplicate its entry.
func (t *Tracker) RecordLocalEdit(ctx context.Context, collection, id string, updates Record) error {
	if len(updates) == 0 {
		return nil
	}
	rec, err := t.store.Get(ctx, collection, id)
	if err != nil {
		return err
	}

	keys := recordKeys(rec)
	names := make([]string, 0, len(updates))
	for name := range updates {
		switch name {
		case "id", FieldSyncState, FieldChangedKeys:
			return fmt.Errorf("field %q cannot be edited directly", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	keys.Add(names...)

	state := recordState(rec)
	if state != StateCreated {
		state = StateUpdated
	}

	fields := make(Record, len(updates)+3)
	for name, v := range updates {
		fields[name] = v
	}
	fields[FieldChangedKeys] = keys.String()
	fields[FieldSyncState] = string(state)
	fields["updatedAt"] = t.now().UTC().Format(time.RFC3339)

	return t.store.BatchApply(ctx, []Op{{
		Kind:       OpUpdate,
		Collection: collection,
		ID:         id,
		Fields:     fields,
	}})
}

// SyncedOption adjusts MarkSynced for server-confirmed creations.
type SyncedOption func(*syncedOptions)

type syncedOptions struct {
	serverID string
	invoice  string
}

// WithServerID swaps the record's local identifier for the server-issued one.
// Only payments are ever rekeyed; nothing references a payment by id, so the
// swap needs no foreign-key migration.
func WithServerID(id string) SyncedOption {
	return func(o *syncedOptions) { o.serverID = id }
}

// WithInvoice backfills the server-assigned invoice id on first confirmation.
func WithInvoice(invoice string) SyncedOption {
	return func(o *syncedOptions) { o.invoice = invoice }
}

// MarkSynced clears the record's changed-keys set and tags it synced. When a
// server id is supplied and differs from the local one, the record is
// rekeyed in the same atomic batch (delete old id, create under the new id).
func (t *Tracker) MarkSynced(ctx context.Context, collection, id string, opts ...SyncedOption) error {
	var o syncedOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.serverID != "" && o.serverID != id {
		rec, err := t.store.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		fields := make(Record, len(rec))
		for name, v := range rec {
			if name == "id" {
				continue
			}
			fields[name] = v
		}
		fields[FieldSyncState] = string(StateSynced)
		fields[FieldChangedKeys] = ""
		if o.invoice != "" {
			fields["invoice"] = o.invoice
		}
		return t.store.BatchApply(ctx, []Op{
			{Kind: OpDelete, Collection: collection, ID: id},
			{Kind: OpCreate, Collection: collection, ID: o.serverID, Fields: fields},
		})
	}

	fields := Record{
		FieldSyncState:   string(StateSynced),
		FieldChangedKeys: "",
	}
	if o.invoice != "" {
		fields["invoice"] = o.invoice
	}
	return t.store.BatchApply(ctx, []Op{{
		Kind:       OpUpdate,
		Collection: collection,
		ID:         id,
		Fields:     fields,
	}})
}

// PaymentDraft is a payment recorded by a field worker while offline.
type PaymentDraft struct {
	Customer string
	Trip     string
	Type     string // "cash" | "online"
	Amount   float64
	PaidAt   time.Time
	Comments string
}

// CreatePayment inserts a locally-created payment under a provisional id and
// returns that id. The payment stays in the created state until the first
// successful push confirms it, at which point MarkSynced swaps in the
// server-issued id and invoice.
func (t *Tracker) CreatePayment(ctx context.Context, draft PaymentDraft) (string, error) {
	if draft.Customer == "" {
		return "", fmt.Errorf("payment requires a customer id")
	}
	id := uuid.New().String()
	now := t.now().UTC().Format(time.RFC3339)
	fields := Record{
		"customer":       draft.Customer,
		"type":           draft.Type,
		"amount":         draft.Amount,
		"paidAt":         draft.PaidAt.UTC().Format(time.RFC3339),
		"createdAt":      now,
		"updatedAt":      now,
		FieldSyncState:   string(StateCreated),
		FieldChangedKeys: "",
	}
	if draft.Trip != "" {
		fields["trip"] = draft.Trip
	}
	if draft.Comments != "" {
		fields["comments"] = draft.Comments
	}
	if err := t.store.BatchApply(ctx, []Op{{
		Kind:       OpCreate,
		Collection: CollectionPayments,
		ID:         id,
		Fields:     fields,
	}}); err != nil {
		return "", err
	}
	return id, nil
}
