// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

// Package payment implements the gateway's payment mediation: inbound
// admission (API keys and x402 proofs), challenge construction, and
// outbound x402 payments to upstreams that charge.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// X402Version is the protocol version emitted in challenges and payloads.
const X402Version = 1

// SchemeExact is the only payment scheme the gateway speaks.
const SchemeExact = "exact"

// Header names recognized on inbound requests. Matching is
// case-insensitive; these spellings are used when the gateway emits them.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderAcceptPayment   = "X-Accept-Payment"
	HeaderAPIKey          = "X-ELIZA-API-KEY"
	HeaderAuthorization   = "Authorization"
)

// DefaultChallengeTimeoutSeconds is the validity window advertised in
// challenges.
const DefaultChallengeTimeoutSeconds = 30

// Requirement is a single payment option inside a 402 challenge.
type Requirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// Requirements is the complete challenge body: protocol version plus the
// payment options the gateway accepts.
type Requirements struct {
	X402Version int           `json:"x402Version"`
	Error       string        `json:"error,omitempty"`
	Accepts     []Requirement `json:"accepts"`
}

// EVMAuthorization carries the EIP-3009 transferWithAuthorization
// parameters.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EVMPayload is the signed EVM payment body.
type EVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// Payload is a signed payment as carried in an X-PAYMENT header.
type Payload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`

	// Payload is the scheme/chain specific signed body. Inbound proofs are
	// kept opaque (the facilitator interprets them); outbound payments set
	// an EVMPayload here.
	Payload any `json:"payload"`
}

// EncodePayment renders a payload as base64(JSON) for an X-PAYMENT header.
func EncodePayment(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayment parses an X-PAYMENT header value.
func DecodePayment(encoded string) (Payload, error) {
	var p Payload
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return p, fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal payment: %w", err)
	}
	return p, nil
}

// EncodeRequirements renders a challenge as base64(JSON) for the
// X-Accept-Payment header.
func EncodeRequirements(r Requirements) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeRequirements parses an encoded challenge.
func DecodeRequirements(encoded string) (Requirements, error) {
	var r Requirements
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return r, fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}
	return r, nil
}

// BuildRequirements constructs the challenge for a priced entity.
//
// resource is the logical resource path (e.g. "/tools/price"), price a
// dollar string; the asset is resolved from the network with the
// base-sepolia fallback.
func BuildRequirements(network, recipient, resource, description, price string) Requirements {
	chain := ChainFor(network)
	return Requirements{
		X402Version: X402Version,
		Accepts: []Requirement{{
			Scheme:            SchemeExact,
			Network:           chain.NetworkID,
			MaxAmountRequired: AtomicUSDC(price),
			Resource:          resource,
			Description:       description,
			MimeType:          "application/json",
			PayTo:             recipient,
			MaxTimeoutSeconds: DefaultChallengeTimeoutSeconds,
			Asset:             chain.USDCAddress,
		}},
	}
}
