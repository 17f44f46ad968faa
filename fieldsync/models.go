// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aquaflow/fieldsync/fieldapi"
)

// SyncState is the per-record sync lifecycle tag.
//
//	synced  - the record mirrors the server exactly
//	created - the record exists locally and has never been pushed
//	updated - the record was pushed at least once and has diverged again
//	deleted - the record is locally tombstoned pending upstream deletion
type SyncState string

const (
	StateSynced  SyncState = "synced"
	StateCreated SyncState = "created"
	StateUpdated SyncState = "updated"
	StateDeleted SyncState = "deleted"
)

// tripAtWire is the backend's date format for trip dates.
const tripAtWire = "02 Jan 2006"

func parseTripAt(s string) (string, error) {
	t, err := time.Parse(tripAtWire, s)
	if err != nil {
		return "", fmt.Errorf("failed to parse trip date %q: %w", s, err)
	}
	return t.UTC().Format(time.RFC3339), nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All inputs are plain wire structs; marshal cannot fail on them.
		panic(err)
	}
	return data
}

// tripRecord maps a pulled trip document onto local store fields. Trips are
// a pure pull mirror and carry no sync bookkeeping.
func tripRecord(t fieldapi.Trip) (Record, error) {
	tripAt, err := parseTripAt(t.TripAt)
	if err != nil {
		return nil, err
	}
	return Record{
		"id":        t.ID,
		"from":      t.From,
		"areas":     mustJSON(t.Areas),
		"blocks":    mustJSON(t.Blocks),
		"employee":  mustJSON(t.Employee),
		"priority":  mustJSON(t.Priority),
		"bottles":   t.Bottles,
		"tripAt":    tripAt,
		"status":    t.Status,
		"createdAt": t.CreatedAt,
		"updatedAt": t.UpdatedAt,
	}, nil
}

// customerRecord maps a customer document (discovered embedded in pulled
// transactions) onto local store fields. Pulled state is authoritative, so
// the record lands synced with no changed keys.
func customerRecord(c fieldapi.Customer) Record {
	rec := Record{
		"id":             c.ID,
		"name":           c.Name,
		"address":        c.Address,
		"area":           mustJSON(c.Area),
		"block":          mustJSON(c.Block),
		"contactNumbers": mustJSON(c.ContactNumbers),
		"status":         c.Status,
		"createdAt":      c.CreatedAt,
		"updatedAt":      c.UpdatedAt,
		FieldSyncState:   string(StateSynced),
		FieldChangedKeys: "",
	}
	if c.Coordinates != nil {
		rec["coordinates"] = mustJSON(c.Coordinates)
	} else {
		rec["coordinates"] = nil
	}
	return rec
}

// transactionRecord maps a pulled transaction document onto local store
// fields, copying the embedded customer's name, area, address and block into
// denormalized columns for fast local filtering without a join.
func transactionRecord(tx fieldapi.Transaction) Record {
	return Record{
		"id":       tx.ID,
		"trip":     tx.Trip.ID,
		"customer": tx.Customer.ID,
		"status":   tx.Status,

		"name":    tx.Customer.Name,
		"area":    tx.Customer.Area.Name,
		"address": tx.Customer.Address,
		"block":   tx.Customer.Block.Name,

		"bottleGiven":      tx.BottleGiven,
		"bottleTaken":      tx.BottleTaken,
		"remainingBottles": tx.RemainingBottles,
		"transactionAt":    tx.TransactionAt,
		"total":            tx.Total,

		"consumptionRate":     tx.ConsumptionRate,
		"weeklyConsumption":   tx.WeeklyConsumption,
		"adjustedConsumption": tx.AdjustedConsumption,
		"daysUntilDelivery":   tx.DaysUntilDelivery,
		"nextDeliveryDate":    tx.NextDeliveryDate,
		"priority":            tx.Priority,

		"createdAt": tx.CreatedAt,
		"updatedAt": tx.UpdatedAt,

		FieldSyncState:   string(StateSynced),
		FieldChangedKeys: "",
	}
}

// recordState reads the sync lifecycle tag off a record.
func recordState(rec Record) SyncState {
	return SyncState(rec.String(FieldSyncState))
}

// recordKeys reads the dirty-field set off a record.
func recordKeys(rec Record) KeySet {
	return ParseKeySet(rec.String(FieldChangedKeys))
}
