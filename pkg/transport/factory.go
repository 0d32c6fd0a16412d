// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

// Package transport turns upstream transport descriptors into wired MCP
// client transports.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elizaOS/mcp-gateway/pkg/config"
)

// Factory builds MCP transports from descriptors. WrapHTTP, when set, wraps
// the HTTP round-tripper of http/sse transports (used for outbound x402
// payment handling).
type Factory struct {
	WrapHTTP func(http.RoundTripper) http.RoundTripper
}

// Validate returns per-field errors for a descriptor without constructing
// anything. A nil descriptor is a single error.
func Validate(spec *config.ServerSpec) []error {
	field := fmt.Sprintf("servers[%s].transport", spec.ID)
	tr := spec.Transport
	if tr == nil {
		return []error{fmt.Errorf("%s: is required", field)}
	}

	var errs []error
	switch tr.Type {
	case config.TransportStdio:
		if tr.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command: is required for stdio", field))
		}
	case config.TransportHTTP, config.TransportWebSocket:
		if tr.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url: is required for %s", field, tr.Type))
		}
	case config.TransportSSE:
		if tr.SSEURL == "" {
			errs = append(errs, fmt.Errorf("%s.sseUrl: is required for sse", field))
		}
		if tr.PostURL == "" {
			errs = append(errs, fmt.Errorf("%s.postUrl: is required for sse", field))
		}
	default:
		errs = append(errs, fmt.Errorf("%s.type: unknown type %q", field, tr.Type))
	}
	return errs
}

// Make produces a connectable MCP transport for the descriptor. The context
// scopes the lifetime of a stdio child process.
func (f *Factory) Make(ctx context.Context, spec *config.ServerSpec) (mcp.Transport, error) {
	if errs := Validate(spec); len(errs) > 0 {
		return nil, errs[0]
	}

	tr := spec.Transport
	switch tr.Type {
	case config.TransportStdio:
		return &mcp.CommandTransport{Command: stdioCommand(ctx, tr)}, nil
	case config.TransportHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   tr.URL,
			HTTPClient: f.httpClient(tr),
		}, nil
	case config.TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   tr.SSEURL,
			HTTPClient: f.httpClient(tr),
		}, nil
	case config.TransportWebSocket:
		return &WebSocketTransport{
			URL:    tr.URL,
			Header: staticHeaders(tr),
		}, nil
	}
	return nil, fmt.Errorf("unknown transport type %q", tr.Type)
}

// stdioCommand builds the child process. The command and args run through a
// shell via exec so that quoting survives; the environment is the parent's
// plus the descriptor's, and cwd overrides only when present.
func stdioCommand(ctx context.Context, tr *config.TransportDescriptor) *exec.Cmd {
	parts := []string{"exec", shellescape.Quote(tr.Command)}
	for _, arg := range tr.Args {
		parts = append(parts, shellescape.Quote(arg))
	}
	script := strings.Join(parts, " ")

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script) //nolint:gosec // Command construction is intended
	if tr.Cwd != "" {
		cmd.Dir = tr.Cwd
	}
	env := os.Environ()
	for k, v := range tr.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env
	return cmd
}

// httpClient wires the static header layer, the optional payment layer and
// redirect suppression for an http/sse upstream.
func (f *Factory) httpClient(tr *config.TransportDescriptor) *http.Client {
	var rt http.RoundTripper = &headerRoundTripper{
		headers: staticHeaders(tr),
		base:    http.DefaultTransport,
	}
	if f.WrapHTTP != nil {
		rt = f.WrapHTTP(rt)
	}
	return &http.Client{
		Transport: rt,
		// Disable redirects to prevent credential leakage.
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func staticHeaders(tr *config.TransportDescriptor) http.Header {
	h := make(http.Header)
	for k, v := range tr.Headers {
		h.Set(k, v)
	}
	if tr.APIKey != "" {
		h.Set("Authorization", "Bearer "+tr.APIKey)
	}
	return h
}

type forwardHeaderKey struct{}

// WithForwardHeaders attaches per-call headers (passthrough payment
// credentials) to a context. The headerRoundTripper copies them onto every
// HTTP request issued under that context, preserving the stored casing.
func WithForwardHeaders(ctx context.Context, h http.Header) context.Context {
	if len(h) == 0 {
		return ctx
	}
	return context.WithValue(ctx, forwardHeaderKey{}, h)
}

// headerRoundTripper applies the descriptor's static headers plus any
// per-call forward headers riding on the request context.
type headerRoundTripper struct {
	headers http.Header
	base    http.RoundTripper
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range rt.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = vs
		}
	}
	if fwd, ok := req.Context().Value(forwardHeaderKey{}).(http.Header); ok {
		for k, vs := range fwd {
			req.Header[k] = vs
		}
	}
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
