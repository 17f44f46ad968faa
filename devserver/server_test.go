// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aquaflow/fieldsync/fieldapi"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	srv := New("test-secret", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	token, err := srv.Auth().GenerateToken("emp-1", time.Hour)
	require.NoError(t, err)
	return srv, ts, token
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reqBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestRequestsWithoutCredentialAreForbidden(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/trips", "", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/trips", "not-a-jwt", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListTripsFiltersByEmployeeAndStatus(t *testing.T) {
	srv, ts, token := newTestServer(t)

	srv.PutTrip(fieldapi.Trip{
		ID: "trip-1", Status: fieldapi.TripInProgress,
		Employee: []fieldapi.EmployeeRef{{ID: "emp-1"}},
	})
	srv.PutTrip(fieldapi.Trip{
		ID: "trip-2", Status: fieldapi.TripCompleted,
		Employee: []fieldapi.EmployeeRef{{ID: "emp-1"}},
	})
	srv.PutTrip(fieldapi.Trip{
		ID: "trip-3", Status: fieldapi.TripInProgress,
		Employee: []fieldapi.EmployeeRef{{ID: "emp-2"}},
	})

	resp := doJSON(t, http.MethodGet,
		ts.URL+"/trips?where[employee][in][0]=emp-1&where[status][equals]=inprogress", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list fieldapi.ListResponse[fieldapi.Trip]
	decodeInto(t, resp, &list)
	require.Len(t, list.Docs, 1)
	require.Equal(t, "trip-1", list.Docs[0].ID)

	resp = doJSON(t, http.MethodGet,
		ts.URL+"/trips/count?where[employee][in][0]=emp-1&where[status][equals]=completed", token, nil)
	var count fieldapi.CountResponse
	decodeInto(t, resp, &count)
	require.Equal(t, 1, count.TotalDocs)
}

func TestPatchTransactionRecomputesBottleBalance(t *testing.T) {
	srv, ts, token := newTestServer(t)

	srv.PutTransaction(fieldapi.Transaction{
		ID:               "t1",
		Trip:             fieldapi.Ref{ID: "trip-1"},
		Customer:         fieldapi.Customer{ID: "cust-1", Name: "Hassan Traders"},
		RemainingBottles: 5,
	})

	resp := doJSON(t, http.MethodPatch, ts.URL+"/transaction/endpoint/t1", token,
		map[string]any{"bottleGiven": 3, "bottleTaken": 1, "status": "delivered"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc fieldapi.DocResponse[fieldapi.Transaction]
	decodeInto(t, resp, &doc)

	require.Equal(t, "delivered", doc.Doc.Status)
	require.Equal(t, 7, doc.Doc.RemainingBottles) // 5 + 3 - 1
	require.NotEmpty(t, doc.Doc.UpdatedAt)

	stored, ok := srv.Transaction("t1")
	require.True(t, ok)
	require.Equal(t, 7, stored.RemainingBottles)
}

func TestPatchUnknownTransactionIsNotFound(t *testing.T) {
	_, ts, token := newTestServer(t)

	resp := doJSON(t, http.MethodPatch, ts.URL+"/transaction/endpoint/nope", token,
		map[string]any{"status": "delivered"})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTransactionsEmbedsCurrentCustomer(t *testing.T) {
	srv, ts, token := newTestServer(t)

	srv.PutTransaction(fieldapi.Transaction{
		ID:       "t1",
		Trip:     fieldapi.Ref{ID: "trip-1"},
		Customer: fieldapi.Customer{ID: "cust-1", Name: "Old Name"},
	})
	// The customer document changed after the transaction was written.
	srv.PutCustomer(fieldapi.Customer{ID: "cust-1", Name: "New Name"})

	resp := doJSON(t, http.MethodGet, ts.URL+"/transaction?where[trip][equals]=trip-1", token, nil)
	var list fieldapi.ListResponse[fieldapi.Transaction]
	decodeInto(t, resp, &list)
	require.Len(t, list.Docs, 1)
	require.Equal(t, "New Name", list.Docs[0].Customer.Name)
}

func TestCreatePaymentLinksLatestInvoice(t *testing.T) {
	srv, ts, token := newTestServer(t)

	srv.PutInvoice(fieldapi.Invoice{ID: "inv-old", Customer: "cust-1", IsLatest: false})
	srv.PutInvoice(fieldapi.Invoice{ID: "inv-new", Customer: "cust-1", IsLatest: true})

	resp := doJSON(t, http.MethodPost, ts.URL+"/payments", token, fieldapi.PaymentCreate{
		Customer: "cust-1", Type: "cash", Amount: 120, PaidAt: "2025-03-01T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var doc fieldapi.DocResponse[fieldapi.Payment]
	decodeInto(t, resp, &doc)

	require.NotEmpty(t, doc.Doc.ID)
	// The response carries the invoice as an embedded object; the Ref type
	// normalizes it to an id.
	require.Equal(t, "inv-new", doc.Doc.Invoice.ID)

	stored, ok := srv.Payment(doc.Doc.ID)
	require.True(t, ok)
	require.Equal(t, "inv-new", stored.Invoice.ID)
}

func TestCreatePaymentWithoutInvoice(t *testing.T) {
	_, ts, token := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/payments", token, fieldapi.PaymentCreate{
		Customer: "cust-2", Type: "online", Amount: 50, PaidAt: "2025-03-01T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var doc fieldapi.DocResponse[fieldapi.Payment]
	decodeInto(t, resp, &doc)
	require.Empty(t, doc.Doc.Invoice.ID)
}

func TestListInvoicesFiltersLatest(t *testing.T) {
	srv, ts, token := newTestServer(t)

	srv.PutInvoice(fieldapi.Invoice{ID: "inv-1", Customer: "cust-1", IsLatest: true})
	srv.PutInvoice(fieldapi.Invoice{ID: "inv-2", Customer: "cust-1", IsLatest: false})
	srv.PutInvoice(fieldapi.Invoice{ID: "inv-3", Customer: "cust-2", IsLatest: true})

	resp := doJSON(t, http.MethodGet,
		ts.URL+"/invoice?where[customer][equals]=cust-1&where[isLatest][equals]=true", token, nil)
	var list fieldapi.ListResponse[fieldapi.Invoice]
	decodeInto(t, resp, &list)
	require.Len(t, list.Docs, 1)
	require.Equal(t, "inv-1", list.Docs[0].ID)
}

func TestPatchCustomer(t *testing.T) {
	srv, ts, token := newTestServer(t)

	srv.PutCustomer(fieldapi.Customer{ID: "cust-1", Name: "Old", Address: "1 Old St", Status: "active"})

	resp := doJSON(t, http.MethodPatch, ts.URL+"/customers/cust-1", token,
		map[string]any{"address": "2 New Ave"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc fieldapi.DocResponse[fieldapi.Customer]
	decodeInto(t, resp, &doc)
	require.Equal(t, "2 New Ave", doc.Doc.Address)
	require.Equal(t, "Old", doc.Doc.Name)
}

func TestTokenValidation(t *testing.T) {
	auth := NewTokenAuth("secret")
	token, err := auth.GenerateToken("emp-9", time.Hour)
	require.NoError(t, err)

	subject, err := auth.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "emp-9", subject)

	other := NewTokenAuth("different-secret")
	_, err = other.Validate(token)
	require.Error(t, err)
}
