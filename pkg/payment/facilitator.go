// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultFacilitatorTimeout bounds a single verification round-trip.
const DefaultFacilitatorTimeout = 30 * time.Second

// VerifyResult is the facilitator's verdict on a payment proof.
type VerifyResult struct {
	Verified bool   `json:"verified"`
	Payer    string `json:"payer,omitempty"`
	Error    string `json:"error,omitempty"`
}

type verifyRequest struct {
	X402Version         int          `json:"x402Version"`
	PaymentPayload      Payload      `json:"paymentPayload"`
	PaymentRequirements Requirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// FacilitatorClient talks to an x402 facilitator service. The gateway never
// settles on-chain itself; it delegates proof verification here.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFacilitatorClient builds a client for the facilitator at baseURL.
// A nil httpClient gets the default timeout.
func NewFacilitatorClient(baseURL string, httpClient *http.Client) *FacilitatorClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultFacilitatorTimeout}
	}
	return &FacilitatorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Verify submits a payment proof together with the requirements it must
// satisfy. Transport and facilitator failures are folded into an unverified
// result rather than an error: an unreachable facilitator means the payment
// is not accepted, and the caller re-challenges.
func (c *FacilitatorClient) Verify(ctx context.Context, payload Payload, reqs Requirements) VerifyResult {
	body, err := json.Marshal(verifyRequest{
		X402Version:         X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("failed to marshal verify request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("failed to build verify request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("facilitator unreachable: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused; the body is not trusted
		// enough to surface downstream.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return VerifyResult{Error: fmt.Sprintf("facilitator returned HTTP %d", resp.StatusCode)}
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return VerifyResult{Error: fmt.Sprintf("failed to decode verify response: %v", err)}
	}

	if !vr.IsValid {
		reason := vr.InvalidReason
		if reason == "" {
			reason = "payment rejected"
		}
		return VerifyResult{Error: reason, Payer: vr.Payer}
	}
	return VerifyResult{Verified: true, Payer: vr.Payer}
}
