// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync implements the offline-first synchronization engine for
// the water-delivery field application: a durable SQLite-backed local store
// with live queries, per-record dirty-field tracking, and a reconciler that
// pushes local changes to the delivery backend and mirrors the authoritative
// remote state back down.
package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned by Get when no record matches the id.
	ErrNotFound = errors.New("record not found")
	// ErrUnknownCollection is returned for collection names outside the schema.
	ErrUnknownCollection = errors.New("unknown collection")
)

// Record is a collection row keyed by logical field names, including "id".
type Record map[string]any

// ID returns the record identifier.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// String returns the named field as a string ("" when absent or null).
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Int returns the named field as an int64 (0 when absent or null).
func (r Record) Int(field string) int64 {
	switch v := r[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// OpKind discriminates batch operations.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	default:
		return "delete"
	}
}

// Op is one structural mutation inside a batch. Fields is ignored for
// deletes; for updates it holds only the fields to overwrite.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Fields     Record
}

// Cond is one filter condition on a query. Supported operators are "=",
// "!=" and "LIKE".
type Cond struct {
	Field string
	Op    string
	Value any
}

// Query selects records from one collection. Where conditions are AND-ed;
// Any conditions form a single OR group AND-ed with the rest (used for
// free-text search across denormalized columns).
type Query struct {
	Collection string
	Where      []Cond
	Any        []Cond
	OrderBy    string
	Desc       bool
	Limit      int
}

// Store is the durable local store shared across the process. All structural
// mutations go through BatchApply, which serializes against other writers;
// reads are served from the current committed state and are never blocked by
// an in-flight sync pass.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu sync.Mutex // SQLite allows one writer; serialize batches here rather than in the driver

	watchMu   sync.Mutex
	watchers  map[int64]*Subscription
	nextWatch int64
}

// Open opens (creating if needed) the store at path and migrates its schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing SQLite handle (tests use ":memory:"). Enables
// WAL and foreign keys and migrates the schema.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Store{
		db:       db,
		logger:   logger,
		watchers: make(map[int64]*Subscription),
	}, nil
}

// DB exposes the underlying handle for read-only diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, id string) (Record, error) {
	recs, err := s.Select(ctx, Query{
		Collection: collection,
		Where:      []Cond{{Field: "id", Op: "=", Value: id}},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return recs[0], nil
}

// Select runs a filtered, ordered query and returns the matching records.
func (s *Store) Select(ctx context.Context, q Query) ([]Record, error) {
	spec, ok := Spec(q.Collection)
	if !ok {
		return nil, fmt.Errorf("%q: %w", q.Collection, ErrUnknownCollection)
	}

	sqlText, args, err := buildSelect(spec, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(spec, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", q.Collection, err)
	}
	return out, nil
}

// BatchApply applies all operations atomically: either every operation
// commits or none do. Live subscriptions on touched collections are notified
// synchronously before BatchApply returns, so observers never see a stale
// snapshot interleaved with a fresh one.
func (s *Store) BatchApply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	// Validate the whole batch up front so a bad operation cannot leave a
	// partial write behind.
	type compiled struct {
		sql  string
		args []any
	}
	stmts := make([]compiled, 0, len(ops))
	touched := make(map[string]bool)
	for _, op := range ops {
		spec, ok := Spec(op.Collection)
		if !ok {
			return fmt.Errorf("%q: %w", op.Collection, ErrUnknownCollection)
		}
		if op.ID == "" {
			return fmt.Errorf("%s %s: missing record id", op.Kind, op.Collection)
		}
		sqlText, args, err := buildOp(spec, op)
		if err != nil {
			return err
		}
		stmts = append(stmts, compiled{sqlText, args})
		touched[op.Collection] = true
	}

	s.mu.Lock()
	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()
		for i, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.sql, st.args...); err != nil {
				return fmt.Errorf("batch op %d (%s %s/%s) failed: %w",
					i, ops[i].Kind, ops[i].Collection, ops[i].ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit batch: %w", err)
		}
		return nil
	}()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(ctx, touched)
	return nil
}

// Reset wipes every collection in one transaction. Used by the session
// invalidation path, where the backend rejected the credential and local
// state must not survive into the next login.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin reset: %w", err)
		}
		defer tx.Rollback()
		for i := range tableSpecs {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, tableSpecs[i].Name)); err != nil {
				return fmt.Errorf("failed to clear %s: %w", tableSpecs[i].Name, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit reset: %w", err)
		}
		return nil
	}()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	touched := make(map[string]bool, len(tableSpecs))
	for i := range tableSpecs {
		touched[tableSpecs[i].Name] = true
	}
	s.notify(ctx, touched)
	return nil
}

// PriorityCounts aggregates transactions of a trip by delivery priority.
// The result always carries the four priority buckets plus "ALL".
func (s *Store) PriorityCounts(ctx context.Context, tripID string) (map[string]int, error) {
	counts := map[string]int{"ALL": 0, "URGENT": 0, "HIGH": 0, "MEDIUM": 0, "LOW": 0}
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(priority, ''), COUNT(*) FROM "transactions" WHERE trip_id = ? GROUP BY priority`,
		tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to count priorities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var priority string
		var n int
		if err := rows.Scan(&priority, &n); err != nil {
			return nil, fmt.Errorf("failed to scan priority count: %w", err)
		}
		if _, ok := counts[priority]; ok {
			counts[priority] = n
		}
		counts["ALL"] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate priority counts: %w", err)
	}
	return counts, nil
}

func columnFor(spec *TableSpec, field string) (FieldSpec, error) {
	if field == "id" {
		return FieldSpec{Name: "id", Column: "id", Type: FieldText}, nil
	}
	f, ok := spec.Field(field)
	if !ok {
		return FieldSpec{}, fmt.Errorf("collection %s has no field %q", spec.Name, field)
	}
	return f, nil
}

func buildSelect(spec *TableSpec, q Query) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT "id"`)
	for _, f := range spec.AllFields() {
		fmt.Fprintf(&b, `, "%s"`, f.Column)
	}
	fmt.Fprintf(&b, ` FROM "%s"`, spec.Name)

	var args []any
	var clauses []string
	for _, c := range q.Where {
		clause, arg, err := buildCond(spec, c)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if len(q.Any) > 0 {
		var ors []string
		for _, c := range q.Any {
			clause, arg, err := buildCond(spec, c)
			if err != nil {
				return "", nil, err
			}
			ors = append(ors, clause)
			args = append(args, arg)
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	if q.OrderBy != "" {
		f, err := columnFor(spec, q.OrderBy)
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&b, ` ORDER BY "%s"`, f.Column)
		if q.Desc {
			b.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

func buildCond(spec *TableSpec, c Cond) (string, any, error) {
	f, err := columnFor(spec, c.Field)
	if err != nil {
		return "", nil, err
	}
	op := c.Op
	if op == "" {
		op = "="
	}
	switch op {
	case "=", "!=", "LIKE":
	default:
		return "", nil, fmt.Errorf("unsupported condition operator %q", c.Op)
	}
	val, err := bindValue(f, c.Value)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf(`"%s" %s ?`, f.Column, op), val, nil
}

func buildOp(spec *TableSpec, op Op) (string, []any, error) {
	if op.Kind != OpDelete {
		for name := range op.Fields {
			if name == "id" {
				continue
			}
			if _, ok := spec.Field(name); !ok {
				return "", nil, fmt.Errorf("collection %s has no field %q", spec.Name, name)
			}
		}
	}

	switch op.Kind {
	case OpCreate:
		cols := []string{`"id"`}
		args := []any{op.ID}
		for _, f := range spec.AllFields() {
			v, ok := op.Fields[f.Name]
			if !ok {
				continue
			}
			bound, err := bindValue(f, v)
			if err != nil {
				return "", nil, err
			}
			cols = append(cols, fmt.Sprintf(`"%s"`, f.Column))
			args = append(args, bound)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		return fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
			spec.Name, strings.Join(cols, ", "), placeholders), args, nil

	case OpUpdate:
		var sets []string
		var args []any
		for _, f := range spec.AllFields() {
			v, ok := op.Fields[f.Name]
			if !ok {
				continue
			}
			bound, err := bindValue(f, v)
			if err != nil {
				return "", nil, err
			}
			sets = append(sets, fmt.Sprintf(`"%s" = ?`, f.Column))
			args = append(args, bound)
		}
		if len(sets) == 0 {
			return "", nil, fmt.Errorf("update %s/%s has no fields", spec.Name, op.ID)
		}
		args = append(args, op.ID)
		return fmt.Sprintf(`UPDATE "%s" SET %s WHERE "id" = ?`,
			spec.Name, strings.Join(sets, ", ")), args, nil

	case OpDelete:
		return fmt.Sprintf(`DELETE FROM "%s" WHERE "id" = ?`, spec.Name), []any{op.ID}, nil
	}
	return "", nil, fmt.Errorf("unknown op kind %d", op.Kind)
}

// bindValue converts a logical field value into its driver representation.
func bindValue(f FieldSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case FieldJSON:
		switch jv := v.(type) {
		case string:
			return jv, nil
		case json.RawMessage:
			return string(jv), nil
		case []byte:
			return string(jv), nil
		default:
			data, err := json.Marshal(jv)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", f.Name, err)
			}
			return string(data), nil
		}
	case FieldText:
		switch tv := v.(type) {
		case string:
			return tv, nil
		case time.Time:
			return tv.UTC().Format(time.RFC3339), nil
		default:
			return nil, fmt.Errorf("field %s expects text, got %T", f.Name, v)
		}
	case FieldInteger:
		switch iv := v.(type) {
		case int:
			return int64(iv), nil
		case int64:
			return iv, nil
		case float64:
			return int64(iv), nil
		default:
			return nil, fmt.Errorf("field %s expects integer, got %T", f.Name, v)
		}
	case FieldReal:
		switch rv := v.(type) {
		case float64:
			return rv, nil
		case int:
			return float64(rv), nil
		case int64:
			return float64(rv), nil
		default:
			return nil, fmt.Errorf("field %s expects real, got %T", f.Name, v)
		}
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(spec *TableSpec, row rowScanner) (Record, error) {
	fields := spec.AllFields()
	dest := make([]any, len(fields)+1)
	var id string
	dest[0] = &id
	holders := make([]any, len(fields))
	for i, f := range fields {
		switch f.Type {
		case FieldInteger:
			holders[i] = &sql.NullInt64{}
		case FieldReal:
			holders[i] = &sql.NullFloat64{}
		default:
			holders[i] = &sql.NullString{}
		}
		dest[i+1] = holders[i]
	}
	if err := row.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan %s row: %w", spec.Name, err)
	}

	rec := Record{"id": id}
	for i, f := range fields {
		switch h := holders[i].(type) {
		case *sql.NullInt64:
			if h.Valid {
				rec[f.Name] = h.Int64
			} else {
				rec[f.Name] = nil
			}
		case *sql.NullFloat64:
			if h.Valid {
				rec[f.Name] = h.Float64
			} else {
				rec[f.Name] = nil
			}
		case *sql.NullString:
			if !h.Valid {
				rec[f.Name] = nil
			} else if f.Type == FieldJSON {
				rec[f.Name] = json.RawMessage(h.String)
			} else {
				rec[f.Name] = h.String
			}
		}
	}
	return rec, nil
}
