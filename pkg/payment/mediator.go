// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/elizaOS/mcp-gateway/pkg/config"
)

// AuthMethod identifies how an admitted request paid.
type AuthMethod string

const (
	MethodAPIKey AuthMethod = "apiKey"
	MethodX402   AuthMethod = "x402"
)

// InboundAuth is the payment-relevant view of an inbound request, computed
// once at the front-end boundary. Raw keeps the original header lines (with
// the client's casing) for passthrough forwarding.
type InboundAuth struct {
	APIKey  string
	Payment string
	Raw     http.Header
}

// AuthFromHeaders extracts the inbound credentials. Header names match
// case-insensitively; a bearer Authorization token counts as an API key.
func AuthFromHeaders(h http.Header) InboundAuth {
	auth := InboundAuth{Raw: h}
	if h == nil {
		return auth
	}
	auth.APIKey = h.Get(HeaderAPIKey)
	if auth.APIKey == "" {
		if v := h.Get(HeaderAuthorization); v != "" {
			if rest, ok := strings.CutPrefix(v, "Bearer "); ok {
				auth.APIKey = rest
			}
		}
	}
	auth.Payment = h.Get(HeaderPayment)
	return auth
}

// OutcomeKind enumerates the admission verdicts.
type OutcomeKind string

const (
	OutcomeAllowFree OutcomeKind = "allowFree"
	OutcomeAllowPaid OutcomeKind = "allowPaid"
	OutcomeChallenge OutcomeKind = "challenge"
	OutcomeReject    OutcomeKind = "reject"
)

// Outcome is the mediator's admission verdict for one inbound call.
type Outcome struct {
	Kind OutcomeKind

	// Method and Price are set for AllowPaid. Price "$0" marks a free tier.
	Method AuthMethod
	Price  string

	// Requirements is set for Challenge and for verification-failure
	// Rejects, which reuse the challenge surface with Reason attached.
	Requirements Requirements

	// Reason is set for Reject.
	Reason string

	// Forward describes how to augment the outbound request.
	Forward ForwardDirective
}

// ForwardDirective tells the caller how to forward toward the upstream.
type ForwardDirective struct {
	Mode string // one of the config.PaymentMode* values

	// Headers are copied verbatim onto the outbound request in
	// passthrough mode, preserving the client's casing.
	Headers http.Header
}

// passthroughHeaders are the inbound headers replicated in passthrough mode.
var passthroughHeaders = []string{HeaderPayment, HeaderAPIKey, HeaderAuthorization}

// Mediator evaluates payment policy for inbound calls. It holds the
// gateway-wide policy by value and an index of API keys; per-key rate
// limiters are the only mutable state.
type Mediator struct {
	policy      config.PaymentPolicy
	facilitator *FacilitatorClient
	logger      *slog.Logger

	keys map[string]config.APIKeyEntry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMediator builds a mediator. facilitator may be nil when the policy is
// disabled; with the policy enabled a nil facilitator turns every x402
// verification into a rejection.
func NewMediator(policy *config.PaymentPolicy, facilitator *FacilitatorClient, logger *slog.Logger) *Mediator {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mediator{
		facilitator: facilitator,
		logger:      logger,
		keys:        make(map[string]config.APIKeyEntry),
		limiters:    make(map[string]*rate.Limiter),
	}
	if policy != nil {
		m.policy = *policy
		for _, k := range policy.APIKeys {
			m.keys[k.Key] = k
		}
	}
	return m
}

// resolvePricing finds the pricing for a tool: per-tool entry first, then
// the upstream default, then nil (free).
func resolvePricing(up *config.UpstreamPaymentPolicy, originalName string) *config.Pricing {
	if up == nil {
		return nil
	}
	if p, ok := up.PerTool[originalName]; ok {
		return p
	}
	return up.DefaultPricing
}

// Evaluate admits, challenges or rejects one inbound call.
//
// kind is "tool", "resource" or "prompt"; exposedName is the client-facing
// name; originalName is the upstream-local pricing key.
func (m *Mediator) Evaluate(ctx context.Context, up *config.UpstreamPaymentPolicy, originalName, kind, exposedName string, auth InboundAuth) Outcome {
	resource := "/" + kind + "s/" + exposedName
	forward := m.forwardDirective(up, auth)

	if !m.policy.Enabled {
		return Outcome{Kind: OutcomeAllowFree, Forward: forward}
	}

	pricing := resolvePricing(up, originalName)
	if pricing == nil || pricing.Free {
		return Outcome{Kind: OutcomeAllowFree, Forward: forward}
	}

	if auth.APIKey != "" {
		if entry, ok := m.keys[auth.APIKey]; ok {
			if !m.allowRate(entry) {
				return Outcome{Kind: OutcomeReject, Reason: "rate limit exceeded", Forward: forward}
			}
			if tierPx, ok := pricing.APIKeyTiers[entry.Tier]; ok {
				if IsZeroPrice(tierPx) {
					return Outcome{Kind: OutcomeAllowPaid, Method: MethodAPIKey, Price: "$0", Forward: forward}
				}
				return Outcome{Kind: OutcomeAllowPaid, Method: MethodAPIKey, Price: tierPx, Forward: forward}
			}
			// known key, no tier price for this tool: fall through to x402
		}
	}

	price := pricing.X402
	if price == "" {
		price = DefaultPrice
	}
	if up.ModeOrNone() == config.PaymentModeMarkup && up.Markup != "" {
		marked, err := ComputeMarkupPrice(price, up.Markup)
		if err != nil {
			m.logger.Warn("Invalid markup, charging base price", "markup", up.Markup, "error", err)
		} else {
			price = marked
		}
	}
	description := fmt.Sprintf("Payment for MCP %s: %s", kind, exposedName)
	reqs := BuildRequirements(m.policy.Network, m.policy.Recipient, resource, description, price)

	if auth.Payment == "" {
		return Outcome{Kind: OutcomeChallenge, Requirements: reqs, Forward: forward}
	}

	payload, err := DecodePayment(auth.Payment)
	if err != nil {
		m.logger.Warn("Malformed X-PAYMENT header", "resource", resource, "error", err)
		return Outcome{Kind: OutcomeChallenge, Requirements: reqs, Forward: forward}
	}

	if m.facilitator == nil {
		return Outcome{Kind: OutcomeReject, Reason: "verification failed", Requirements: reqs, Forward: forward}
	}
	verdict := m.facilitator.Verify(ctx, payload, reqs)
	if !verdict.Verified {
		m.logger.Warn("Payment verification failed", "resource", resource, "reason", verdict.Error)
		return Outcome{Kind: OutcomeReject, Reason: "verification failed", Requirements: reqs, Forward: forward}
	}

	return Outcome{Kind: OutcomeAllowPaid, Method: MethodX402, Price: price, Forward: forward}
}

// forwardDirective computes the outbound augmentation for the upstream's
// mode. Only passthrough carries headers.
func (m *Mediator) forwardDirective(up *config.UpstreamPaymentPolicy, auth InboundAuth) ForwardDirective {
	mode := up.ModeOrNone()
	d := ForwardDirective{Mode: mode}
	if mode != config.PaymentModePassthrough || auth.Raw == nil {
		return d
	}

	d.Headers = make(http.Header)
	for name, values := range auth.Raw {
		for _, want := range passthroughHeaders {
			if strings.EqualFold(name, want) {
				d.Headers[name] = values
			}
		}
	}
	return d
}

// allowRate enforces the key's per-minute rate limit. Zero means unlimited.
func (m *Mediator) allowRate(entry config.APIKeyEntry) bool {
	if entry.RateLimit <= 0 {
		return true
	}
	m.mu.Lock()
	lim, ok := m.limiters[entry.Key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(entry.RateLimit)/60.0), entry.RateLimit)
		m.limiters[entry.Key] = lim
	}
	m.mu.Unlock()
	return lim.Allow()
}
