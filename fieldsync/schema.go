// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"database/sql"
	"fmt"
	"strings"
)

// FieldType is the semantic type of a stored field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldInteger
	FieldReal
	FieldJSON // structured value persisted as a JSON text column
)

// FieldSpec describes one field of a collection: its logical (wire) name,
// the column it persists to, its semantic type and whether it may be null.
type FieldSpec struct {
	Name     string
	Column   string
	Type     FieldType
	Optional bool
	Indexed  bool
}

// TableSpec describes one collection. Synced tables carry the sync_state and
// changed_keys bookkeeping columns; pure pull mirrors (trips) do not.
type TableSpec struct {
	Name   string
	Fields []FieldSpec
	Synced bool
}

// Collection names.
const (
	CollectionTrips        = "trips"
	CollectionCustomers    = "customers"
	CollectionTransactions = "transactions"
	CollectionPayments     = "payments"
)

// Logical names of the sync bookkeeping fields. They are never uploaded.
const (
	FieldSyncState   = "syncState"
	FieldChangedKeys = "changedKeys"
)

var syncFields = []FieldSpec{
	{Name: FieldSyncState, Column: "sync_state", Type: FieldText},
	{Name: FieldChangedKeys, Column: "changed_keys", Type: FieldText, Optional: true},
}

var tableSpecs = []TableSpec{
	{
		Name: CollectionTrips,
		Fields: []FieldSpec{
			{Name: "from", Column: "from_location", Type: FieldText},
			{Name: "areas", Column: "areas", Type: FieldJSON},
			{Name: "blocks", Column: "blocks", Type: FieldJSON},
			{Name: "employee", Column: "employee", Type: FieldJSON},
			{Name: "priority", Column: "priority", Type: FieldJSON},
			{Name: "bottles", Column: "bottles", Type: FieldInteger},
			{Name: "tripAt", Column: "trip_at", Type: FieldText},
			{Name: "status", Column: "status", Type: FieldText},
			{Name: "createdAt", Column: "created_at", Type: FieldText},
			{Name: "updatedAt", Column: "updated_at", Type: FieldText},
		},
	},
	{
		Name:   CollectionCustomers,
		Synced: true,
		Fields: []FieldSpec{
			{Name: "name", Column: "name", Type: FieldText, Indexed: true},
			{Name: "coordinates", Column: "coordinates", Type: FieldJSON, Optional: true},
			{Name: "area", Column: "area", Type: FieldJSON, Optional: true},
			{Name: "block", Column: "block", Type: FieldJSON, Optional: true},
			{Name: "address", Column: "address", Type: FieldText, Optional: true},
			{Name: "contactNumbers", Column: "contact_numbers", Type: FieldJSON, Optional: true},
			{Name: "status", Column: "status", Type: FieldText},
			{Name: "createdAt", Column: "created_at", Type: FieldText},
			{Name: "updatedAt", Column: "updated_at", Type: FieldText},
		},
	},
	{
		Name:   CollectionTransactions,
		Synced: true,
		Fields: []FieldSpec{
			{Name: "trip", Column: "trip_id", Type: FieldText, Indexed: true},
			{Name: "customer", Column: "customer_id", Type: FieldText, Indexed: true},
			{Name: "status", Column: "status", Type: FieldText},
			// Denormalized customer fields for fast local filtering without a join.
			{Name: "name", Column: "name", Type: FieldText, Indexed: true},
			{Name: "area", Column: "area", Type: FieldText, Optional: true},
			{Name: "address", Column: "address", Type: FieldText, Optional: true},
			{Name: "block", Column: "block", Type: FieldText, Optional: true},
			{Name: "bottleGiven", Column: "bottle_given", Type: FieldInteger},
			{Name: "bottleTaken", Column: "bottle_taken", Type: FieldInteger},
			{Name: "remainingBottles", Column: "remaining_bottles", Type: FieldInteger, Optional: true},
			{Name: "transactionAt", Column: "transaction_at", Type: FieldText},
			{Name: "total", Column: "total", Type: FieldReal, Optional: true},
			// Analytics computed upstream, stored as opaque inputs.
			{Name: "consumptionRate", Column: "consumption_rate", Type: FieldReal, Optional: true},
			{Name: "weeklyConsumption", Column: "weekly_consumption", Type: FieldReal, Optional: true},
			{Name: "adjustedConsumption", Column: "adjusted_consumption", Type: FieldReal, Optional: true},
			{Name: "daysUntilDelivery", Column: "days_until_delivery", Type: FieldReal, Optional: true},
			{Name: "nextDeliveryDate", Column: "next_delivery_date", Type: FieldText, Optional: true},
			{Name: "priority", Column: "priority", Type: FieldText, Optional: true},
			{Name: "createdAt", Column: "created_at", Type: FieldText},
			{Name: "updatedAt", Column: "updated_at", Type: FieldText},
		},
	},
	{
		Name:   CollectionPayments,
		Synced: true,
		Fields: []FieldSpec{
			{Name: "customer", Column: "customer_id", Type: FieldText, Indexed: true},
			{Name: "trip", Column: "trip_id", Type: FieldText, Optional: true, Indexed: true},
			{Name: "invoice", Column: "invoice", Type: FieldText, Optional: true, Indexed: true},
			{Name: "type", Column: "type", Type: FieldText},
			{Name: "amount", Column: "amount", Type: FieldReal},
			{Name: "paidAt", Column: "paid_at", Type: FieldText},
			{Name: "comments", Column: "comments", Type: FieldText, Optional: true},
			{Name: "createdAt", Column: "created_at", Type: FieldText},
			{Name: "updatedAt", Column: "updated_at", Type: FieldText},
		},
	},
}

// specByName is built once at init; collection names are a closed set.
var specByName = func() map[string]*TableSpec {
	m := make(map[string]*TableSpec, len(tableSpecs))
	for i := range tableSpecs {
		m[tableSpecs[i].Name] = &tableSpecs[i]
	}
	return m
}()

// Spec returns the table spec for a collection name.
func Spec(collection string) (*TableSpec, bool) {
	s, ok := specByName[collection]
	return s, ok
}

// AllFields returns the declared fields plus the sync bookkeeping fields for
// synced tables.
func (t *TableSpec) AllFields() []FieldSpec {
	if !t.Synced {
		return t.Fields
	}
	out := make([]FieldSpec, 0, len(t.Fields)+len(syncFields))
	out = append(out, t.Fields...)
	out = append(out, syncFields...)
	return out
}

// Field looks up a field spec by logical name.
func (t *TableSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range t.AllFields() {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

func (ft FieldType) sqliteType() string {
	switch ft {
	case FieldInteger:
		return "INTEGER"
	case FieldReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// createSQL renders the CREATE TABLE statement for this spec. Every
// collection is keyed by a server-issued (or locally generated, for pending
// payments) text identifier.
func (t *TableSpec) createSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS \"%s\" (\n", t.Name)
	b.WriteString("\t\"id\" TEXT PRIMARY KEY")
	for _, f := range t.AllFields() {
		fmt.Fprintf(&b, ",\n\t\"%s\" %s", f.Column, f.Type.sqliteType())
		if !f.Optional {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString("\n)")
	return b.String()
}

func (t *TableSpec) indexSQL() []string {
	var stmts []string
	for _, f := range t.AllFields() {
		if f.Indexed {
			stmts = append(stmts, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS \"idx_%s_%s\" ON \"%s\" (\"%s\")",
				t.Name, f.Column, t.Name, f.Column))
		}
	}
	return stmts
}

// migrations holds one DDL batch per schema version. Migrations are additive
// only; version N's batch is applied when the database's user_version is
// below N.
var migrations = [][]string{
	1: buildInitialSchema(),
}

func buildInitialSchema() []string {
	var stmts []string
	for i := range tableSpecs {
		t := &tableSpecs[i]
		stmts = append(stmts, t.createSQL())
		stmts = append(stmts, t.indexSQL()...)
	}
	return stmts
}

// SchemaVersion is the version the engine migrates databases up to.
const SchemaVersion = 1

// migrate brings the database schema up to SchemaVersion. Each pending
// version is applied in its own transaction so a crash leaves the store at a
// well-defined version boundary.
func migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	for v := current + 1; v <= SchemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration to version %d: %w", v, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration to version %d failed: %w", v, err)
			}
		}
		// user_version cannot be bound as a parameter.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to set schema version %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration to version %d: %w", v, err)
		}
	}
	return nil
}
