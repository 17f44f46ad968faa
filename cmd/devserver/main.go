// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// devserver runs the in-memory reference backend with a small seeded
// dataset, for exercising the sync engine locally without the production
// API.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/aquaflow/fieldsync/devserver"
	"github.com/aquaflow/fieldsync/fieldapi"
)

type config struct {
	Port       int    `envconfig:"DEVSERVER_PORT" default:"3000"`
	Secret     string `envconfig:"DEVSERVER_SECRET" default:"dev-secret"`
	EmployeeID string `envconfig:"DEVSERVER_EMPLOYEE_ID" default:"emp-1"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load()
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		logger.Error("failed to process config", "error", err)
		os.Exit(1)
	}

	srv := devserver.New(cfg.Secret, logger)
	seed(srv, cfg.EmployeeID)

	token, err := srv.Auth().GenerateToken(cfg.EmployeeID, 24*time.Hour)
	if err != nil {
		logger.Error("failed to mint token", "error", err)
		os.Exit(1)
	}
	logger.Info("devserver ready", "port", cfg.Port, "employee", cfg.EmployeeID)
	fmt.Printf("export FIELDSYNC_TOKEN=%s\n", token)

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", srv.Router()))
	addr := fmt.Sprintf(":%d", cfg.Port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// seed loads one trip with two customers, their transactions and an open
// invoice, enough to walk the full sync flow by hand.
func seed(srv *devserver.Server, employeeID string) {
	area := fieldapi.Area{ID: "area-1", Name: "North Ridge"}
	block := fieldapi.BlockInfo{ID: "block-1", Name: "B4", Area: area}

	srv.PutTrip(fieldapi.Trip{
		ID:        "trip-1",
		From:      "Main Depot",
		Areas:     []fieldapi.Area{area},
		Blocks:    []fieldapi.BlockInfo{block},
		Bottles:   120,
		TripAt:    time.Now().Format("02 Jan 2006"),
		Employee:  []fieldapi.EmployeeRef{{ID: employeeID, Name: "Dev Employee"}},
		Status:    fieldapi.TripInProgress,
		Priority:  []string{fieldapi.PriorityUrgent, fieldapi.PriorityHigh},
		CreatedAt: nowStamp(),
		UpdatedAt: nowStamp(),
	})

	customers := []fieldapi.Customer{
		{
			ID: "cust-1", Name: "Hassan Traders", Address: "12 Canal Road",
			Status: "active", Area: area, Block: block,
			ContactNumbers: []fieldapi.ContactNumber{{ID: "cn-1", Type: "phone", ContactNumber: "0300-0000001"}},
			CreatedAt:      nowStamp(), UpdatedAt: nowStamp(),
		},
		{
			ID: "cust-2", Name: "Riverside Cafe", Address: "3 Ridge Lane",
			Status: "active", Area: area, Block: block,
			CreatedAt: nowStamp(), UpdatedAt: nowStamp(),
		},
	}

	for i, c := range customers {
		srv.PutTransaction(fieldapi.Transaction{
			ID:               fmt.Sprintf("txn-%d", i+1),
			Trip:             fieldapi.Ref{ID: "trip-1"},
			Customer:         c,
			Status:           "pending",
			BottleGiven:      0,
			BottleTaken:      0,
			RemainingBottles: 5 + i,
			TransactionAt:    nowStamp(),
			Priority:         fieldapi.PriorityHigh,
			CreatedAt:        nowStamp(),
			UpdatedAt:        nowStamp(),
		})
	}

	srv.PutInvoice(fieldapi.Invoice{ID: "inv-1", Customer: "cust-1", IsLatest: true})
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339) }
