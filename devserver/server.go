// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package devserver is an in-memory reference implementation of the delivery
// backend's REST contract. It exists for local development and for
// integration tests of the sync engine; it persists nothing.
package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aquaflow/fieldsync/fieldapi"
)

// Server holds the in-memory dataset behind the REST surface. All maps are
// guarded by one mutex; the dataset is tiny by construction.
type Server struct {
	mu           sync.Mutex
	trips        map[string]fieldapi.Trip
	customers    map[string]fieldapi.Customer
	transactions map[string]fieldapi.Transaction
	payments     map[string]fieldapi.Payment
	invoices     map[string]fieldapi.Invoice

	auth   *TokenAuth
	logger *slog.Logger
}

// New creates an empty dev backend with the given auth secret.
func New(secret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		trips:        make(map[string]fieldapi.Trip),
		customers:    make(map[string]fieldapi.Customer),
		transactions: make(map[string]fieldapi.Transaction),
		payments:     make(map[string]fieldapi.Payment),
		invoices:     make(map[string]fieldapi.Invoice),
		auth:         NewTokenAuth(secret),
		logger:       logger,
	}
}

// Auth exposes the token authority so callers can mint credentials.
func (s *Server) Auth() *TokenAuth { return s.auth }

// Router builds the REST surface. Every route sits behind bearer auth.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.auth.Middleware)

	r.Get("/trips", s.listTrips)
	r.Get("/trips/count", s.countTrips)
	r.Get("/transaction", s.listTransactions)
	r.Patch("/transaction/endpoint/{id}", s.patchTransaction)
	r.Patch("/customers/{id}", s.patchCustomer)
	r.Post("/payments", s.createPayment)
	r.Patch("/payments/{id}", s.patchPayment)
	r.Get("/invoice", s.listInvoices)

	return r
}

// Seed helpers used by tests and the dev binary.

func (s *Server) PutTrip(t fieldapi.Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[t.ID] = t
}

func (s *Server) RemoveTrip(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trips, id)
}

func (s *Server) PutCustomer(c fieldapi.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *Server) PutTransaction(tx fieldapi.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.ID] = tx
	if tx.Customer.ID != "" {
		s.customers[tx.Customer.ID] = tx.Customer
	}
}

func (s *Server) RemoveTransaction(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transactions, id)
}

func (s *Server) PutInvoice(inv fieldapi.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
}

// Transaction returns a stored transaction by id (tests inspect push results).
func (s *Server) Transaction(id string) (fieldapi.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	return tx, ok
}

// Customer returns a stored customer by id.
func (s *Server) Customer(id string) (fieldapi.Customer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	return c, ok
}

// Payment returns a stored payment by id.
func (s *Server) Payment(id string) (fieldapi.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	return p, ok
}

func (s *Server) listTrips(w http.ResponseWriter, r *http.Request) {
	employee := r.URL.Query().Get("where[employee][in][0]")
	status := r.URL.Query().Get("where[status][equals]")

	s.mu.Lock()
	var docs []fieldapi.Trip
	for _, t := range s.trips {
		if status != "" && t.Status != status {
			continue
		}
		if employee != "" && !tripHasEmployee(t, employee) {
			continue
		}
		docs = append(docs, t)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, listEnvelope(docs))
}

func (s *Server) countTrips(w http.ResponseWriter, r *http.Request) {
	employee := r.URL.Query().Get("where[employee][in][0]")
	status := r.URL.Query().Get("where[status][equals]")

	s.mu.Lock()
	count := 0
	for _, t := range s.trips {
		if status != "" && t.Status != status {
			continue
		}
		if employee != "" && !tripHasEmployee(t, employee) {
			continue
		}
		count++
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, fieldapi.CountResponse{TotalDocs: count})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	tripID := r.URL.Query().Get("where[trip][equals]")

	s.mu.Lock()
	var docs []fieldapi.Transaction
	for _, tx := range s.transactions {
		if tripID != "" && tx.Trip.ID != tripID {
			continue
		}
		// Embed the current customer document so clients discover customer
		// updates through transaction pulls.
		if c, ok := s.customers[tx.Customer.ID]; ok {
			tx.Customer = c
		}
		docs = append(docs, tx)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, listEnvelope(docs))
}

func (s *Server) patchTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	for name, v := range fields {
		switch name {
		case "status":
			tx.Status = asString(v)
		case "bottleGiven":
			tx.BottleGiven = int(asNumber(v))
		case "bottleTaken":
			tx.BottleTaken = int(asNumber(v))
		case "total":
			tx.Total = asNumber(v)
		case "transactionAt":
			tx.TransactionAt = asString(v)
		default:
			s.logger.Debug("ignoring unknown transaction field", "field", name)
		}
	}
	// The real backend recomputes the bottle balance on every write.
	tx.RemainingBottles = tx.RemainingBottles + tx.BottleGiven - tx.BottleTaken
	tx.UpdatedAt = nowStamp()
	s.transactions[id] = tx

	writeJSON(w, http.StatusOK, fieldapi.DocResponse[fieldapi.Transaction]{Doc: tx, Message: "updated"})
}

func (s *Server) patchCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		writeError(w, http.StatusNotFound, "customer not found")
		return
	}
	for name, v := range fields {
		switch name {
		case "name":
			c.Name = asString(v)
		case "address":
			c.Address = asString(v)
		case "status":
			c.Status = asString(v)
		default:
			s.logger.Debug("ignoring unknown customer field", "field", name)
		}
	}
	c.UpdatedAt = nowStamp()
	s.customers[id] = c

	writeJSON(w, http.StatusOK, fieldapi.DocResponse[fieldapi.Customer]{Doc: c, Message: "updated"})
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var payload fieldapi.PaymentCreate
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Customer == "" {
		writeError(w, http.StatusBadRequest, "invalid payment payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := fieldapi.Payment{
		ID:       uuid.New().String(),
		Customer: payload.Customer,
		Type:     payload.Type,
		Amount:   payload.Amount,
		PaidAt:   payload.PaidAt,
		Trip:     payload.Trip,
		Comments: payload.Comments,
	}
	invoice := s.latestInvoiceLocked(payload.Customer)
	if invoice != nil {
		p.Invoice = fieldapi.Ref{ID: invoice.ID}
	}
	s.payments[p.ID] = p

	// Respond with the invoice in its embedded-object shape, the way the
	// real backend does at populate depth 1. Clients must normalize both
	// shapes.
	doc := map[string]any{
		"id":       p.ID,
		"customer": p.Customer,
		"type":     p.Type,
		"amount":   p.Amount,
		"paidAt":   p.PaidAt,
		"trip":     p.Trip,
		"comments": p.Comments,
	}
	if invoice != nil {
		doc["invoice"] = invoice
	}
	writeJSON(w, http.StatusCreated, map[string]any{"doc": doc, "message": "created"})
}

func (s *Server) patchPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	for name, v := range fields {
		switch name {
		case "type":
			p.Type = asString(v)
		case "amount":
			p.Amount = asNumber(v)
		case "comments":
			c := asString(v)
			p.Comments = &c
		case "paidAt":
			p.PaidAt = asString(v)
		default:
			s.logger.Debug("ignoring unknown payment field", "field", name)
		}
	}
	s.payments[id] = p

	writeJSON(w, http.StatusOK, fieldapi.DocResponse[fieldapi.Payment]{Doc: p, Message: "updated"})
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	customer := r.URL.Query().Get("where[customer][equals]")
	latestOnly := r.URL.Query().Get("where[isLatest][equals]") == "true"

	s.mu.Lock()
	var docs []fieldapi.Invoice
	for _, inv := range s.invoices {
		if customer != "" && inv.Customer != customer {
			continue
		}
		if latestOnly && !inv.IsLatest {
			continue
		}
		docs = append(docs, inv)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, listEnvelope(docs))
}

func (s *Server) latestInvoiceLocked(customerID string) *fieldapi.Invoice {
	for _, inv := range s.invoices {
		if inv.Customer == customerID && inv.IsLatest {
			return &inv
		}
	}
	return nil
}

func tripHasEmployee(t fieldapi.Trip, employeeID string) bool {
	for _, e := range t.Employee {
		if e.ID == employeeID {
			return true
		}
	}
	return false
}

func listEnvelope[T any](docs []T) fieldapi.ListResponse[T] {
	if docs == nil {
		docs = []T{}
	}
	return fieldapi.ListResponse[T]{
		Docs:       docs,
		TotalDocs:  len(docs),
		Limit:      len(docs),
		Page:       1,
		TotalPages: 1,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing to do but note it.
		slog.Default().Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, fieldapi.ErrorResponse{Error: msg})
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
