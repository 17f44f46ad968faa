// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenAuth issues and verifies the HS256 bearer tokens the dev backend
// accepts. The subject claim carries the employee id.
type TokenAuth struct {
	secret []byte
}

// NewTokenAuth creates an authenticator from a shared secret.
func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret)}
}

// GenerateToken mints a token for an employee.
func (a *TokenAuth) GenerateToken(employeeID string, expiration time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   employeeID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Issuer:    "fieldsync-devserver",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate parses a bearer token and returns the employee id.
func (a *TokenAuth) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer credential. A failed
// check answers 403, which clients treat as a session-invalidation signal.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusForbidden)
			return
		}
		if _, err := a.Validate(raw); err != nil {
			http.Error(w, `{"error":"invalid bearer token"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
