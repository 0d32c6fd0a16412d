// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

// Package upstream manages connections to upstream MCP servers: one session
// per configured server, owned and health-checked by the Manager.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/elizaOS/mcp-gateway/pkg/payment"
)

// UpstreamError is the single failure type surfaced by session verbs.
// Transient hints that a retry or reconnect may help.
type UpstreamError struct {
	Transient bool
	Message   string
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// wrapErr folds an underlying failure into an UpstreamError, classifying
// transience. Payment-cap violations are terminal: retrying the same call
// cannot succeed.
func wrapErr(message string, err error) *UpstreamError {
	var capErr *payment.ErrPaymentExceedsCap
	if errors.As(err, &capErr) {
		return &UpstreamError{Transient: false, Message: "downstream payment exceeds cap", Err: err}
	}
	return &UpstreamError{Transient: isTransient(err), Message: message, Err: err}
}

// isTransient classifies connection-level failures as retryable.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, hint := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "temporarily unavailable"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
