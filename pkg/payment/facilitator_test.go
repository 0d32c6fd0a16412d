// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayloadAndReqs() (Payload, Requirements) {
	p := Payload{X402Version: X402Version, Scheme: SchemeExact, Network: "base-sepolia"}
	r := BuildRequirements("base-sepolia", "0xRecipient", "/tools/fs:read", "", "$0.01")
	return p, r
}

func TestFacilitatorVerifyAccepts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/verify", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, X402Version, body["x402Version"])
		assert.Contains(t, body, "paymentPayload")
		assert.Contains(t, body, "paymentRequirements")

		_ = json.NewEncoder(w).Encode(map[string]any{"isValid": true, "payer": "0xPayer"})
	}))
	defer srv.Close()

	c := NewFacilitatorClient(srv.URL, nil)
	p, reqs := testPayloadAndReqs()
	res := c.Verify(context.Background(), p, reqs)
	assert.True(t, res.Verified)
	assert.Equal(t, "0xPayer", res.Payer)
	assert.Empty(t, res.Error)
}

func TestFacilitatorVerifyRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"isValid": false, "invalidReason": "insufficient_funds"})
	}))
	defer srv.Close()

	c := NewFacilitatorClient(srv.URL, nil)
	p, reqs := testPayloadAndReqs()
	res := c.Verify(context.Background(), p, reqs)
	assert.False(t, res.Verified)
	assert.Equal(t, "insufficient_funds", res.Error)
}

func TestFacilitatorVerifyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewFacilitatorClient(srv.URL, nil)
	p, reqs := testPayloadAndReqs()
	res := c.Verify(context.Background(), p, reqs)
	assert.False(t, res.Verified)
	assert.Contains(t, res.Error, "HTTP 500")
}

func TestFacilitatorVerifyUnreachable(t *testing.T) {
	c := NewFacilitatorClient("http://127.0.0.1:1", nil)
	p, reqs := testPayloadAndReqs()
	res := c.Verify(context.Background(), p, reqs)
	assert.False(t, res.Verified)
	assert.Contains(t, res.Error, "unreachable")
}

func TestFacilitatorBaseURLTrimmed(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"isValid": true})
	}))
	defer srv.Close()

	c := NewFacilitatorClient(srv.URL+"/", nil)
	p, reqs := testPayloadAndReqs()
	_ = c.Verify(context.Background(), p, reqs)
	assert.Equal(t, "/verify", gotPath)
}
