// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// End-to-end flow of the sync engine against the in-memory dev backend:
// mirror, offline edits, push-then-pull convergence, payment confirmation.

package fieldsync_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aquaflow/fieldsync/devserver"
	"github.com/aquaflow/fieldsync/fieldapi"
	"github.com/aquaflow/fieldsync/fieldsync"
)

type flowFixture struct {
	backend *devserver.Server
	ts      *httptest.Server
	store   *fieldsync.Store
	orch    *fieldsync.Orchestrator
	rec     *fieldsync.Reconciler
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend := devserver.New("flow-secret", logger)
	ts := httptest.NewServer(backend.Router())
	t.Cleanup(ts.Close)

	token, err := backend.Auth().GenerateToken("emp-1", time.Hour)
	require.NoError(t, err)

	store, err := fieldsync.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := fieldsync.NewHTTPGateway(ts.URL,
		func(context.Context) (string, error) { return token, nil }, logger)
	rec := fieldsync.NewReconciler(store, gw, logger)

	return &flowFixture{
		backend: backend,
		ts:      ts,
		store:   store,
		orch:    fieldsync.NewOrchestrator(rec, logger),
		rec:     rec,
	}
}

func (f *flowFixture) seed() {
	cust := fieldapi.Customer{
		ID:      "cust-1",
		Name:    "Hassan Traders",
		Address: "12 Canal Road",
		Status:  "active",
		Area:    fieldapi.Area{ID: "area-1", Name: "North Ridge"},
		Block:   fieldapi.BlockInfo{ID: "block-1", Name: "B4"},
	}
	f.backend.PutTrip(fieldapi.Trip{
		ID:       "trip-1",
		From:     "Main Depot",
		TripAt:   "01 Mar 2025",
		Status:   fieldapi.TripInProgress,
		Employee: []fieldapi.EmployeeRef{{ID: "emp-1", Name: "Bilal"}},
		Bottles:  40,
	})
	f.backend.PutTransaction(fieldapi.Transaction{
		ID:               "txn-1",
		Trip:             fieldapi.Ref{ID: "trip-1"},
		Customer:         cust,
		Status:           "pending",
		RemainingBottles: 5,
		TransactionAt:    "2025-03-01T09:00:00Z",
		Priority:         fieldapi.PriorityUrgent,
	})
	f.backend.PutInvoice(fieldapi.Invoice{ID: "inv-1", Customer: "cust-1", IsLatest: true})
}

func TestFullDeliveryFlow(t *testing.T) {
	f := newFlowFixture(t)
	f.seed()
	ctx := context.Background()

	// First pass mirrors the backend.
	require.NoError(t, f.orch.Sync(ctx, "emp-1"))

	trip, err := f.store.Get(ctx, fieldsync.CollectionTrips, "trip-1")
	require.NoError(t, err)
	require.Equal(t, "Main Depot", trip.String("from"))

	tx, err := f.store.Get(ctx, fieldsync.CollectionTransactions, "txn-1")
	require.NoError(t, err)
	require.Equal(t, "pending", tx.String("status"))
	require.Equal(t, "Hassan Traders", tx.String("name"))

	_, err = f.store.Get(ctx, fieldsync.CollectionCustomers, "cust-1")
	require.NoError(t, err)

	// Field worker records a delivery and a payment while offline.
	tracker := f.rec.Tracker()
	require.NoError(t, tracker.RecordLocalEdit(ctx, fieldsync.CollectionTransactions, "txn-1",
		fieldsync.Record{"bottleGiven": 5, "bottleTaken": 2, "status": "delivered"}))
	payID, err := tracker.CreatePayment(ctx, fieldsync.PaymentDraft{
		Customer: "cust-1",
		Trip:     "trip-1",
		Type:     "cash",
		Amount:   350,
		PaidAt:   time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// Second pass pushes the offline work and converges on the server echo.
	require.NoError(t, f.orch.Sync(ctx, "emp-1"))

	serverTx, ok := f.backend.Transaction("txn-1")
	require.True(t, ok)
	require.Equal(t, 5, serverTx.BottleGiven)
	require.Equal(t, 2, serverTx.BottleTaken)
	require.Equal(t, "delivered", serverTx.Status)
	require.Equal(t, 8, serverTx.RemainingBottles) // 5 + 5 - 2, recomputed upstream

	tx, err = f.store.Get(ctx, fieldsync.CollectionTransactions, "txn-1")
	require.NoError(t, err)
	require.Equal(t, "synced", tx.String(fieldsync.FieldSyncState))
	require.Equal(t, "", tx.String(fieldsync.FieldChangedKeys))
	require.Equal(t, int64(8), tx.Int("remainingBottles"))

	// The provisional payment was rekeyed to the server id and linked to the
	// customer's latest invoice.
	_, err = f.store.Get(ctx, fieldsync.CollectionPayments, payID)
	require.ErrorIs(t, err, fieldsync.ErrNotFound)

	payments, err := f.store.Select(ctx, fieldsync.Query{Collection: fieldsync.CollectionPayments})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, "synced", payments[0].String(fieldsync.FieldSyncState))
	require.Equal(t, "inv-1", payments[0].String("invoice"))

	serverPay, ok := f.backend.Payment(payments[0].ID())
	require.True(t, ok)
	require.Equal(t, float64(350), serverPay.Amount)
}

func TestSyncSurvivesBackendOutage(t *testing.T) {
	f := newFlowFixture(t)
	f.seed()
	ctx := context.Background()

	require.NoError(t, f.orch.Sync(ctx, "emp-1"))
	tracker := f.rec.Tracker()
	require.NoError(t, tracker.RecordLocalEdit(ctx, fieldsync.CollectionTransactions, "txn-1",
		fieldsync.Record{"bottleGiven": 3}))

	// Backend goes away mid-shift.
	f.ts.Close()
	require.Error(t, f.orch.Sync(ctx, "emp-1"))

	// Local data and the pending divergence are intact for the next retry.
	tx, err := f.store.Get(ctx, fieldsync.CollectionTransactions, "txn-1")
	require.NoError(t, err)
	require.Equal(t, "updated", tx.String(fieldsync.FieldSyncState))
	require.Equal(t, "bottleGiven", tx.String(fieldsync.FieldChangedKeys))
	require.Equal(t, int64(3), tx.Int("bottleGiven"))
}

func TestSessionInvalidationSurfacesAndResetWipes(t *testing.T) {
	f := newFlowFixture(t)
	f.seed()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, f.orch.Sync(ctx, "emp-1"))

	// A stale credential turns every call into a session-invalid error.
	staleGW := fieldsync.NewHTTPGateway(f.ts.URL,
		func(context.Context) (string, error) { return "stale-token", nil }, logger)
	staleRec := fieldsync.NewReconciler(f.store, staleGW, logger)
	err := fieldsync.NewOrchestrator(staleRec, logger).Sync(ctx, "emp-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, fieldsync.ErrSessionInvalid))

	// The engine leaves the wipe decision to the app; Reset is that wipe.
	require.NoError(t, f.store.Reset(ctx))
	trips, err := f.store.Select(ctx, fieldsync.Query{Collection: fieldsync.CollectionTrips})
	require.NoError(t, err)
	require.Empty(t, trips)
}

func TestEngineWiresFullPipeline(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := devserver.New("engine-secret", logger)
	ts := httptest.NewServer(backend.Router())
	defer ts.Close()

	backend.PutTrip(fieldapi.Trip{
		ID: "trip-1", From: "Main Depot", TripAt: "01 Mar 2025",
		Status:   fieldapi.TripInProgress,
		Employee: []fieldapi.EmployeeRef{{ID: "emp-1"}},
	})
	token, err := backend.Auth().GenerateToken("emp-1", time.Hour)
	require.NoError(t, err)

	cfg := fieldsync.DefaultConfig(":memory:", ts.URL,
		func(context.Context) (string, error) { return token, nil })
	cfg.Logger = logger
	engine, err := fieldsync.NewEngine(cfg)
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, engine.Sync(context.Background(), "emp-1"))
	trip, err := engine.Store().Get(context.Background(), fieldsync.CollectionTrips, "trip-1")
	require.NoError(t, err)
	require.Equal(t, "Main Depot", trip.String("from"))
}

func TestEngineRequiresTokenSource(t *testing.T) {
	_, err := fieldsync.NewEngine(fieldsync.Config{DatabasePath: ":memory:"})
	require.Error(t, err)
}

func TestCompletedTripCount(t *testing.T) {
	f := newFlowFixture(t)
	f.backend.PutTrip(fieldapi.Trip{
		ID: "trip-done", Status: fieldapi.TripCompleted,
		Employee: []fieldapi.EmployeeRef{{ID: "emp-1"}},
	})
	f.backend.PutTrip(fieldapi.Trip{
		ID: "trip-open", Status: fieldapi.TripInProgress, TripAt: "01 Mar 2025",
		Employee: []fieldapi.EmployeeRef{{ID: "emp-1"}},
	})

	token, err := f.backend.Auth().GenerateToken("emp-1", time.Hour)
	require.NoError(t, err)
	gw := fieldsync.NewHTTPGateway(f.ts.URL,
		func(context.Context) (string, error) { return token, nil }, nil)

	n, err := gw.FetchCompletedTripCount(context.Background(), "emp-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
