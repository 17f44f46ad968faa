// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/aquaflow/fieldsync/fieldapi"
)

// ErrSessionInvalid is returned when the backend rejects the credential.
// Handling it (store wipe, re-login) is the caller's concern, not the sync
// algorithm's.
var ErrSessionInvalid = errors.New("session invalidated by server")

// pageLimit caps list fetches; field datasets stay well under it.
const pageLimit = 1000

// Gateway is the stateless request/response surface against the delivery
// backend, one set of calls per entity type. Implementations must be safe to
// retry: the reconciler retries failed pushes on the next pass, never within
// one.
type Gateway interface {
	FetchTripsForEmployee(ctx context.Context, employeeID string) ([]fieldapi.Trip, error)
	FetchCompletedTripCount(ctx context.Context, employeeID string) (int, error)
	FetchTransactionsForTrip(ctx context.Context, tripID string) ([]fieldapi.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, fields Record) (*fieldapi.Transaction, error)
	UpdateCustomer(ctx context.Context, id string, fields Record) (*fieldapi.Customer, error)
	CreatePayment(ctx context.Context, payload fieldapi.PaymentCreate) (*fieldapi.Payment, error)
	UpdatePayment(ctx context.Context, id string, fields Record) (*fieldapi.Payment, error)
	FetchLatestInvoice(ctx context.Context, customerID string) (*fieldapi.Invoice, error)
}

// HTTPGateway talks to the backend's REST API. Every call carries a bearer
// credential obtained from the Token func at request time.
type HTTPGateway struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPGateway creates a gateway against baseURL (e.g. "http://host/api").
func NewHTTPGateway(baseURL string, token func(context.Context) (string, error), logger *slog.Logger) *HTTPGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGateway{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

func (g *HTTPGateway) FetchTripsForEmployee(ctx context.Context, employeeID string) ([]fieldapi.Trip, error) {
	q := url.Values{}
	q.Set("where[employee][in][0]", employeeID)
	q.Set("where[status][equals]", fieldapi.TripInProgress)
	q.Set("limit", fmt.Sprint(pageLimit))
	var resp fieldapi.ListResponse[fieldapi.Trip]
	if err := g.do(ctx, http.MethodGet, "/trips", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch trips: %w", err)
	}
	return resp.Docs, nil
}

func (g *HTTPGateway) FetchCompletedTripCount(ctx context.Context, employeeID string) (int, error) {
	q := url.Values{}
	q.Set("where[employee][in][0]", employeeID)
	q.Set("where[status][equals]", fieldapi.TripCompleted)
	var resp fieldapi.CountResponse
	if err := g.do(ctx, http.MethodGet, "/trips/count", q, nil, &resp); err != nil {
		return 0, fmt.Errorf("failed to fetch trip stats: %w", err)
	}
	return resp.TotalDocs, nil
}

func (g *HTTPGateway) FetchTransactionsForTrip(ctx context.Context, tripID string) ([]fieldapi.Transaction, error) {
	q := url.Values{}
	q.Set("where[trip][equals]", tripID)
	q.Set("limit", fmt.Sprint(pageLimit))
	var resp fieldapi.ListResponse[fieldapi.Transaction]
	if err := g.do(ctx, http.MethodGet, "/transaction", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch transactions for trip %s: %w", tripID, err)
	}
	return resp.Docs, nil
}

func (g *HTTPGateway) UpdateTransaction(ctx context.Context, id string, fields Record) (*fieldapi.Transaction, error) {
	var resp fieldapi.DocResponse[fieldapi.Transaction]
	if err := g.do(ctx, http.MethodPatch, "/transaction/endpoint/"+id, nil, fields, &resp); err != nil {
		return nil, fmt.Errorf("failed to update transaction %s: %w", id, err)
	}
	return &resp.Doc, nil
}

func (g *HTTPGateway) UpdateCustomer(ctx context.Context, id string, fields Record) (*fieldapi.Customer, error) {
	var resp fieldapi.DocResponse[fieldapi.Customer]
	if err := g.do(ctx, http.MethodPatch, "/customers/"+id, nil, fields, &resp); err != nil {
		return nil, fmt.Errorf("failed to update customer %s: %w", id, err)
	}
	return &resp.Doc, nil
}

func (g *HTTPGateway) CreatePayment(ctx context.Context, payload fieldapi.PaymentCreate) (*fieldapi.Payment, error) {
	var resp fieldapi.DocResponse[fieldapi.Payment]
	if err := g.do(ctx, http.MethodPost, "/payments", nil, payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return &resp.Doc, nil
}

func (g *HTTPGateway) UpdatePayment(ctx context.Context, id string, fields Record) (*fieldapi.Payment, error) {
	var resp fieldapi.DocResponse[fieldapi.Payment]
	if err := g.do(ctx, http.MethodPatch, "/payments/"+id, nil, fields, &resp); err != nil {
		return nil, fmt.Errorf("failed to update payment %s: %w", id, err)
	}
	return &resp.Doc, nil
}

func (g *HTTPGateway) FetchLatestInvoice(ctx context.Context, customerID string) (*fieldapi.Invoice, error) {
	q := url.Values{}
	q.Set("where[customer][equals]", customerID)
	q.Set("where[isLatest][equals]", "true")
	q.Set("depth", "0")
	q.Set("limit", "1")
	var resp fieldapi.ListResponse[fieldapi.Invoice]
	if err := g.do(ctx, http.MethodGet, "/invoice", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch latest invoice: %w", err)
	}
	if len(resp.Docs) == 0 {
		return nil, nil
	}
	return &resp.Docs[0], nil
}

// do performs one authenticated round trip and decodes the JSON response
// into out. A 403-class status maps to ErrSessionInvalid.
func (g *HTTPGateway) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := g.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	token, err := g.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return ErrSessionInvalid
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
