// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldapi defines the REST/JSON contract between the offline engine
// and the delivery backend. These models are used for serialization and
// deserialization of HTTP requests and responses; they carry no behavior
// beyond shape normalization of ambiguous fields.
package fieldapi

import (
	"bytes"
	"encoding/json"
)

// Priority buckets computed upstream for delivery scheduling.
const (
	PriorityUrgent = "URGENT"
	PriorityHigh   = "HIGH"
	PriorityMedium = "MEDIUM"
	PriorityLow    = "LOW"
	PriorityAll    = "ALL"
)

// Trip statuses as issued by the backend.
const (
	TripInProgress = "inprogress"
	TripCompleted  = "completed"
)

// Area is a named service area.
type Area struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BlockInfo is a block within a service area.
type BlockInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Area Area   `json:"area"`
}

// EmployeeRef identifies an employee assigned to a trip.
type EmployeeRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ContactNumber is one contact entry on a customer.
type ContactNumber struct {
	ID            string `json:"id"`
	Type          string `json:"type"` // "whatsapp" | "phone"
	ContactNumber string `json:"contactNumber"`
}

// Coordinates is an optional geo position for a customer.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Trip is a delivery run assigned to one or more employees.
type Trip struct {
	ID        string        `json:"id"`
	CreatedAt string        `json:"createdAt"`
	UpdatedAt string        `json:"updatedAt"`
	From      string        `json:"from"`
	Areas     []Area        `json:"areas"`
	Blocks    []BlockInfo   `json:"blocks"`
	Bottles   int           `json:"bottles"`
	TripAt    string        `json:"tripAt"` // "02 Jan 2006"
	Employee  []EmployeeRef `json:"employee"`
	Status    string        `json:"status"`
	Priority  []string      `json:"priority"`
}

// Customer is the backend's customer document. Transactions embed the full
// customer rather than a bare id, which is how the engine discovers customers
// without a dedicated fetch.
type Customer struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	Address               string          `json:"address"`
	Coordinates           *Coordinates    `json:"coordinates,omitempty"`
	Rate                  float64         `json:"rate"`
	Balance               float64         `json:"balance"`
	Advance               float64         `json:"advance"`
	Status                string          `json:"status"` // "active" | "archive"
	BottlesAtHome         int             `json:"bottlesAtHome"`
	DeliveryFrequencyDays int             `json:"deliveryFrequencyDays"`
	ContactNumbers        []ContactNumber `json:"contactNumbers"`
	Area                  Area            `json:"area"`
	Block                 BlockInfo       `json:"block"`
	CreatedAt             string          `json:"createdAt"`
	UpdatedAt             string          `json:"updatedAt"`
}

// Transaction is one delivery event on a trip. Analytics fields are computed
// upstream and treated as opaque inputs by the engine.
type Transaction struct {
	ID                  string   `json:"id"`
	CreatedAt           string   `json:"createdAt"`
	UpdatedAt           string   `json:"updatedAt"`
	Trip                Ref      `json:"trip"` // id string or embedded trip object
	Customer            Customer `json:"customer"`
	Status              string   `json:"status"`
	BottleGiven         int      `json:"bottleGiven"`
	BottleTaken         int      `json:"bottleTaken"`
	RemainingBottles    int      `json:"remainingBottles"`
	TransactionAt       string   `json:"transactionAt"`
	Total               float64  `json:"total"`
	ConsumptionRate     float64  `json:"consumptionRate"`
	WeeklyConsumption   float64  `json:"weeklyConsumption"`
	AdjustedConsumption float64  `json:"adjustedConsumption"`
	DaysUntilDelivery   float64  `json:"daysUntilDelivery"`
	NextDeliveryDate    string   `json:"nextDeliveryDate"`
	Priority            string   `json:"priority"`
}

// Invoice is the billing document payments are linked against.
type Invoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	IsLatest bool   `json:"isLatest"`
}

// Payment is a recorded customer payment. The invoice linkage is assigned by
// the server on creation and may arrive either as an id string or as an
// embedded invoice object depending on query depth.
type Payment struct {
	ID       string  `json:"id"`
	Customer string  `json:"customer"`
	Invoice  Ref     `json:"invoice,omitempty"`
	Type     string  `json:"type"` // "cash" | "online"
	Amount   float64 `json:"amount"`
	PaidAt   string  `json:"paidAt"`
	Trip     *string `json:"trip,omitempty"`
	Comments *string `json:"comments,omitempty"`
}

// PaymentCreate is the payload for creating a payment. The invoice id is
// never sent by the client; the server assigns it.
type PaymentCreate struct {
	Customer string  `json:"customer"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	PaidAt   string  `json:"paidAt"`
	Trip     *string `json:"trip,omitempty"`
	Comments *string `json:"comments,omitempty"`
}

// ListResponse is the paginated envelope the backend wraps collection
// queries in.
type ListResponse[T any] struct {
	Docs        []T  `json:"docs"`
	TotalDocs   int  `json:"totalDocs"`
	Limit       int  `json:"limit"`
	Page        int  `json:"page"`
	TotalPages  int  `json:"totalPages"`
	HasNextPage bool `json:"hasNextPage"`
	HasPrevPage bool `json:"hasPrevPage"`
}

// DocResponse is the single-document envelope returned by mutations.
type DocResponse[T any] struct {
	Doc     T      `json:"doc"`
	Message string `json:"message,omitempty"`
}

// CountResponse carries aggregate counts (e.g. completed trips per employee).
type CountResponse struct {
	TotalDocs int `json:"totalDocs"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Ref is a reference field that the backend serializes either as a bare id
// string or as an embedded object carrying an "id" key, depending on the
// query's populate depth. The normalization rule is: an object with a
// non-empty "id" wins, then a non-empty string, otherwise the reference is
// absent.
type Ref struct {
	ID string
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.ID)
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		r.ID = ""
		return nil
	}
	if data[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		r.ID = obj.ID
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	r.ID = s
	return nil
}
