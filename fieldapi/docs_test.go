// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefNormalization(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare id string", `"inv-1"`, "inv-1"},
		{"embedded object", `{"id":"inv-2","isLatest":true}`, "inv-2"},
		{"object without id", `{"isLatest":true}`, ""},
		{"null", `null`, ""},
		{"empty string", `""`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Ref
			require.NoError(t, json.Unmarshal([]byte(tt.in), &r))
			require.Equal(t, tt.want, r.ID)
		})
	}
}

func TestRefRejectsMalformedValue(t *testing.T) {
	var r Ref
	require.Error(t, json.Unmarshal([]byte(`42`), &r))
}

func TestRefMarshal(t *testing.T) {
	data, err := json.Marshal(Ref{ID: "inv-1"})
	require.NoError(t, err)
	require.Equal(t, `"inv-1"`, string(data))

	data, err = json.Marshal(Ref{})
	require.NoError(t, err)
	require.Equal(t, `null`, string(data))
}

func TestPaymentDecodesEitherInvoiceShape(t *testing.T) {
	var asString Payment
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p1","customer":"c1","invoice":"inv-1","type":"cash","amount":10,"paidAt":"2025-03-01T10:00:00Z"}`), &asString))
	require.Equal(t, "inv-1", asString.Invoice.ID)

	var asObject Payment
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p1","customer":"c1","invoice":{"id":"inv-2"},"type":"cash","amount":10,"paidAt":"2025-03-01T10:00:00Z"}`), &asObject))
	require.Equal(t, "inv-2", asObject.Invoice.ID)
}
