// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// ErrPaymentExceedsCap is returned when an upstream demands more than the
// configured outbound spending cap. It is not transient: retrying the same
// request cannot succeed.
type ErrPaymentExceedsCap struct {
	Demanded string // atomic units
	Cap      string // atomic units
}

func (e *ErrPaymentExceedsCap) Error() string {
	return fmt.Sprintf("downstream payment exceeds cap: demanded %s atomic units, cap %s", e.Demanded, e.Cap)
}

// Transport is an http.RoundTripper that pays x402 challenges from
// upstream servers. A request is sent once; if the upstream answers 402
// with parseable requirements, the transport signs a payment for the first
// acceptable option and resends exactly once with the X-PAYMENT header.
//
// The per-call maxValue cap bounds what the gateway will ever sign.
type Transport struct {
	Base   http.RoundTripper
	Signer *Signer
	Logger *slog.Logger

	// MaxValueAtomic caps a single signed payment, in atomic USDC units.
	MaxValueAtomic string
}

// NewTransport wraps base with x402 payment handling. maxValue is a dollar
// string; the zero signer disables payment (402 responses pass through).
func NewTransport(base http.RoundTripper, signer *Signer, maxValue string, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		Base:           base,
		Signer:         signer,
		Logger:         logger,
		MaxValueAtomic: AtomicUSDC(maxValue),
	}
}

// RoundTrip implements http.RoundTripper. The request body is buffered so
// the request can be replayed with payment attached.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var bodyCopy []byte
	if req.Body != nil {
		var err error
		bodyCopy, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyCopy))
	}

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || t.Signer == nil {
		return resp, nil
	}

	reqs, perr := parseChallengeBody(resp)
	if perr != nil {
		t.Logger.Warn("Unparseable 402 challenge from upstream", "url", req.URL.String(), "error", perr)
		return resp, nil
	}

	selected, ok := t.selectRequirement(reqs)
	if !ok {
		return nil, &ErrPaymentExceedsCap{Demanded: minDemand(reqs), Cap: t.MaxValueAtomic}
	}

	payload, serr := t.Signer.SignRequirement(selected)
	if serr != nil {
		return nil, fmt.Errorf("failed to sign upstream payment: %w", serr)
	}
	header, eerr := EncodePayment(payload)
	if eerr != nil {
		return nil, eerr
	}

	t.Logger.Info("Paying upstream x402 challenge",
		"url", req.URL.String(),
		"network", selected.Network,
		"amount", selected.MaxAmountRequired)

	// Resend exactly once. A second 402 is surfaced as-is: either the
	// payment was rejected or the upstream is misbehaving, and signing
	// again would double-spend the authorization window.
	retry := req.Clone(req.Context())
	if bodyCopy != nil {
		retry.Body = io.NopCloser(bytes.NewReader(bodyCopy))
	}
	retry.Header.Set(HeaderPayment, header)

	paid, err := t.Base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if v := paid.Header.Get(HeaderPaymentResponse); v != "" {
		if rec, ok := req.Context().Value(settlementKey{}).(*SettlementRecorder); ok {
			rec.record(v)
		}
	}
	return paid, nil
}

type settlementKey struct{}

// SettlementRecorder captures the upstream's X-PAYMENT-RESPONSE header when
// the transport settles a challenge, so the call layer can surface the
// settlement receipt to the client.
type SettlementRecorder struct {
	mu     sync.Mutex
	header string
}

// WithSettlementRecorder attaches a recorder to the context that will carry
// one upstream call.
func WithSettlementRecorder(ctx context.Context) (context.Context, *SettlementRecorder) {
	rec := &SettlementRecorder{}
	return context.WithValue(ctx, settlementKey{}, rec), rec
}

func (r *SettlementRecorder) record(v string) {
	r.mu.Lock()
	r.header = v
	r.mu.Unlock()
}

// Header returns the recorded settlement header, empty if no payment was
// settled.
func (r *SettlementRecorder) Header() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

// selectRequirement picks the first exact-scheme option at or under the cap.
func (t *Transport) selectRequirement(reqs Requirements) (Requirement, bool) {
	for _, r := range reqs.Accepts {
		if r.Scheme != SchemeExact {
			continue
		}
		if CompareAtomic(r.MaxAmountRequired, t.MaxValueAtomic) <= 0 {
			return r, true
		}
	}
	return Requirement{}, false
}

// minDemand returns the smallest exact-scheme demand, for error reporting.
func minDemand(reqs Requirements) string {
	min := ""
	for _, r := range reqs.Accepts {
		if r.Scheme != SchemeExact {
			continue
		}
		if min == "" || CompareAtomic(r.MaxAmountRequired, min) < 0 {
			min = r.MaxAmountRequired
		}
	}
	return min
}

// parseChallengeBody reads and restores the response body, decoding it as
// x402 payment requirements.
func parseChallengeBody(resp *http.Response) (Requirements, error) {
	var reqs Requirements
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return reqs, err
	}
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return reqs, err
	}
	if len(reqs.Accepts) == 0 {
		return reqs, fmt.Errorf("challenge carries no payment options")
	}
	return reqs, nil
}
