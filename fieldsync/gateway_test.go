// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aquaflow/fieldsync/fieldapi"
)

func staticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

func TestGatewaySendsBearerCredentialAndFilters(t *testing.T) {
	var gotReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(r.Context())
		json.NewEncoder(w).Encode(fieldapi.ListResponse[fieldapi.Trip]{
			Docs: []fieldapi.Trip{apiTrip("trip-1")},
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, staticToken("tok-123"), nil)
	trips, err := gw.FetchTripsForEmployee(context.Background(), "emp-1")
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.Equal(t, "trip-1", trips[0].ID)

	require.Equal(t, "/trips", gotReq.URL.Path)
	require.Equal(t, "Bearer tok-123", gotReq.Header.Get("Authorization"))
	q := gotReq.URL.Query()
	require.Equal(t, "emp-1", q.Get("where[employee][in][0]"))
	require.Equal(t, fieldapi.TripInProgress, q.Get("where[status][equals]"))
	require.Equal(t, "1000", q.Get("limit"))
}

func TestGatewayMapsForbiddenToSessionInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(fieldapi.ErrorResponse{Error: "token expired"})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, staticToken("stale"), nil)
	_, err := gw.FetchTransactionsForTrip(context.Background(), "trip-1")
	require.ErrorIs(t, err, ErrSessionInvalid)
}

func TestGatewayUpdateTransactionPatchesPartialBody(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(fieldapi.DocResponse[fieldapi.Transaction]{
			Doc: fieldapi.Transaction{ID: "t1", BottleGiven: 5},
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, staticToken("tok"), nil)
	doc, err := gw.UpdateTransaction(context.Background(), "t1",
		Record{"bottleGiven": int64(5), "status": "delivered"})
	require.NoError(t, err)
	require.Equal(t, 5, doc.BottleGiven)

	require.Equal(t, http.MethodPatch, gotMethod)
	require.Equal(t, "/transaction/endpoint/t1", gotPath)
	require.Equal(t, map[string]any{"bottleGiven": float64(5), "status": "delivered"}, gotBody)
}

func TestGatewayCreatePaymentAccepts201(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/payments", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"doc": map[string]any{
				"id":       "srv-1",
				"customer": "cust-1",
				// Embedded object shape for the invoice linkage.
				"invoice": map[string]any{"id": "inv-7", "isLatest": true},
				"type":    "cash",
				"amount":  120,
				"paidAt":  "2025-03-01T10:00:00Z",
			},
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, staticToken("tok"), nil)
	doc, err := gw.CreatePayment(context.Background(), fieldapi.PaymentCreate{
		Customer: "cust-1", Type: "cash", Amount: 120, PaidAt: "2025-03-01T10:00:00Z",
	})
	require.NoError(t, err)
	require.Equal(t, "srv-1", doc.ID)
	require.Equal(t, "inv-7", doc.Invoice.ID)
}

func TestGatewayFetchLatestInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "/invoice", r.URL.Path)
		require.Equal(t, "cust-1", q.Get("where[customer][equals]"))
		require.Equal(t, "true", q.Get("where[isLatest][equals]"))
		require.Equal(t, "1", q.Get("limit"))
		json.NewEncoder(w).Encode(fieldapi.ListResponse[fieldapi.Invoice]{
			Docs: []fieldapi.Invoice{{ID: "inv-1", Customer: "cust-1", IsLatest: true}},
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, staticToken("tok"), nil)
	inv, err := gw.FetchLatestInvoice(context.Background(), "cust-1")
	require.NoError(t, err)
	require.NotNil(t, inv)
	require.Equal(t, "inv-1", inv.ID)
}

func TestGatewayFetchLatestInvoiceMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fieldapi.ListResponse[fieldapi.Invoice]{})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, staticToken("tok"), nil)
	inv, err := gw.FetchLatestInvoice(context.Background(), "cust-1")
	require.NoError(t, err)
	require.Nil(t, inv)
}
