// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the downstream-facing front-end: one MCP endpoint
// aggregating every connected upstream, with payment mediation on the
// call paths.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elizaOS/mcp-gateway/pkg/payment"
	"github.com/elizaOS/mcp-gateway/pkg/registry"
	"github.com/elizaOS/mcp-gateway/pkg/transport"
	"github.com/elizaOS/mcp-gateway/pkg/upstream"
)

// Meta keys of the MCP x402 convention: payments ride in request Meta,
// settlement responses in result Meta.
const (
	PaymentMetaKey         = "x402/payment"
	PaymentResponseMetaKey = "x402/payment-response"
)

// ErrNotFound reports an exposed name missing from the registry snapshot.
var ErrNotFound = errors.New("not found")

// ErrPaymentRequired carries a challenge (or a rejection, via the
// requirements' error field) up to the binding layer, which renders it as
// HTTP 402 or an MCP error result.
type ErrPaymentRequired struct {
	Requirements payment.Requirements
}

func (e *ErrPaymentRequired) Error() string {
	raw, err := json.Marshal(e.Requirements)
	if err != nil {
		return "payment required"
	}
	return "payment required: " + string(raw)
}

// Gateway resolves exposed names against the registry and dispatches to
// upstream sessions after payment admission.
type Gateway struct {
	manager  *upstream.Manager
	registry *registry.Registry
	mediator *payment.Mediator
	logger   *slog.Logger

	server *mcp.Server

	// published tracks which exposed names are currently registered on the
	// MCP server, per kind, so Sync can diff against the registry.
	mu        sync.Mutex
	published map[string]map[string]bool
}

// New builds the front-end and its MCP server identity.
func New(name, version string, manager *upstream.Manager, reg *registry.Registry, mediator *payment.Mediator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		manager:  manager,
		registry: reg,
		mediator: mediator,
		logger:   logger,
		published: map[string]map[string]bool{
			"tool": {}, "resource": {}, "prompt": {},
		},
	}
	g.server = mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)
	return g
}

// Server exposes the underlying MCP server for binding to a transport.
func (g *Gateway) Server() *mcp.Server { return g.server }

// RefreshRegistry rebuilds the registry from currently connected sessions
// and syncs the MCP server's advertised capabilities. Exposed as an
// administrative operation and run after every health pass.
func (g *Gateway) RefreshRegistry(ctx context.Context) {
	sessions := g.manager.GetConnected()
	sources := make([]registry.Source, 0, len(sessions))
	for _, s := range sessions {
		sources = append(sources, s)
	}
	g.registry.Refresh(ctx, sources)
	g.syncServer()
}

// defaultDescription fills in upstream-supplied blanks.
func defaultDescription(kind, upstreamID, namespace string) string {
	if namespace != "" {
		return fmt.Sprintf("%s from %s (%s)", kind, upstreamID, namespace)
	}
	return fmt.Sprintf("%s from %s", kind, upstreamID)
}

// syncServer diffs the registry snapshot against what the MCP server
// currently advertises, adding and removing as needed. List-changed
// notifications go out to connected clients automatically.
func (g *Gateway) syncServer() {
	g.mu.Lock()
	defer g.mu.Unlock()

	wantTools := map[string]bool{}
	for _, e := range g.registry.Tools() {
		wantTools[e.ExposedName] = true
		if g.published["tool"][e.ExposedName] {
			continue
		}
		tool := *e.Tool
		tool.Name = e.ExposedName
		if tool.Description == "" {
			tool.Description = defaultDescription("tool", e.UpstreamID, e.Namespace)
		}
		if tool.InputSchema == nil {
			tool.InputSchema = &jsonschema.Schema{Type: "object"}
		}
		g.server.AddTool(&tool, g.toolHandler(e.ExposedName))
		g.published["tool"][e.ExposedName] = true
	}
	for name := range g.published["tool"] {
		if !wantTools[name] {
			g.server.RemoveTools(name)
			delete(g.published["tool"], name)
		}
	}

	wantResources := map[string]bool{}
	for _, e := range g.registry.Resources() {
		wantResources[e.ExposedURI] = true
		if g.published["resource"][e.ExposedURI] {
			continue
		}
		res := *e.Resource
		res.URI = e.ExposedURI
		if res.Description == "" {
			res.Description = defaultDescription("resource", e.UpstreamID, e.Namespace)
		}
		g.server.AddResource(&res, g.resourceHandler())
		g.published["resource"][e.ExposedURI] = true
	}
	for uri := range g.published["resource"] {
		if !wantResources[uri] {
			g.server.RemoveResources(uri)
			delete(g.published["resource"], uri)
		}
	}

	wantPrompts := map[string]bool{}
	for _, e := range g.registry.Prompts() {
		wantPrompts[e.ExposedName] = true
		if g.published["prompt"][e.ExposedName] {
			continue
		}
		prompt := *e.Prompt
		prompt.Name = e.ExposedName
		if prompt.Description == "" {
			prompt.Description = defaultDescription("prompt", e.UpstreamID, e.Namespace)
		}
		g.server.AddPrompt(&prompt, g.promptHandler(e.ExposedName))
		g.published["prompt"][e.ExposedName] = true
	}
	for name := range g.published["prompt"] {
		if !wantPrompts[name] {
			g.server.RemovePrompts(name)
			delete(g.published["prompt"], name)
		}
	}
}

// CallTool resolves, admits and forwards one tool call. Challenges and
// rejections surface as *ErrPaymentRequired; unknown names as ErrNotFound.
func (g *Gateway) CallTool(ctx context.Context, name string, args any, auth payment.InboundAuth) (*mcp.CallToolResult, error) {
	entry, ok := g.registry.FindTool(name)
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}
	session := g.manager.Get(entry.UpstreamID)
	if session == nil {
		return nil, fmt.Errorf("server not connected: %s", entry.UpstreamID)
	}

	outcome := g.mediator.Evaluate(ctx, session.Spec().Payment, entry.OriginalName, "tool", name, auth)
	if err := g.admit(outcome, name); err != nil {
		return nil, err
	}

	ctx = applyForward(ctx, outcome.Forward)
	ctx, settlement := payment.WithSettlementRecorder(ctx)
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: entry.OriginalName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("tool execution failed: %w", err)
	}
	if receipt := settlement.Header(); receipt != "" {
		if res.Meta == nil {
			res.Meta = mcp.Meta{}
		}
		res.Meta[PaymentResponseMetaKey] = receipt
	}
	return res, nil
}

// ReadResource resolves, admits and forwards one resource read.
func (g *Gateway) ReadResource(ctx context.Context, uri string, auth payment.InboundAuth) (*mcp.ReadResourceResult, error) {
	entry, ok := g.registry.FindResource(uri)
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", uri, ErrNotFound)
	}
	session := g.manager.Get(entry.UpstreamID)
	if session == nil {
		return nil, fmt.Errorf("server not connected: %s", entry.UpstreamID)
	}

	outcome := g.mediator.Evaluate(ctx, session.Spec().Payment, entry.OriginalURI, "resource", uri, auth)
	if err := g.admit(outcome, uri); err != nil {
		return nil, err
	}

	ctx = applyForward(ctx, outcome.Forward)
	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: entry.OriginalURI})
	if err != nil {
		return nil, fmt.Errorf("resource read failed: %w", err)
	}
	return res, nil
}

// GetPrompt resolves, admits and forwards one prompt fetch.
func (g *Gateway) GetPrompt(ctx context.Context, name string, args map[string]string, auth payment.InboundAuth) (*mcp.GetPromptResult, error) {
	entry, ok := g.registry.FindPrompt(name)
	if !ok {
		return nil, fmt.Errorf("prompt %q: %w", name, ErrNotFound)
	}
	session := g.manager.Get(entry.UpstreamID)
	if session == nil {
		return nil, fmt.Errorf("server not connected: %s", entry.UpstreamID)
	}

	outcome := g.mediator.Evaluate(ctx, session.Spec().Payment, entry.OriginalName, "prompt", name, auth)
	if err := g.admit(outcome, name); err != nil {
		return nil, err
	}

	ctx = applyForward(ctx, outcome.Forward)
	res, err := session.GetPrompt(ctx, &mcp.GetPromptParams{Name: entry.OriginalName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("prompt fetch failed: %w", err)
	}
	return res, nil
}

// admit folds a mediation outcome into either nil (proceed) or an error
// the binding renders.
func (g *Gateway) admit(outcome payment.Outcome, name string) error {
	switch outcome.Kind {
	case payment.OutcomeAllowFree:
		return nil
	case payment.OutcomeAllowPaid:
		g.logger.Info("Paid call admitted", "name", name, "method", outcome.Method, "price", outcome.Price)
		return nil
	case payment.OutcomeChallenge:
		return &ErrPaymentRequired{Requirements: outcome.Requirements}
	case payment.OutcomeReject:
		reqs := outcome.Requirements
		reqs.X402Version = payment.X402Version
		reqs.Error = outcome.Reason
		return &ErrPaymentRequired{Requirements: reqs}
	}
	return fmt.Errorf("unexpected admission outcome %q", outcome.Kind)
}

// applyForward attaches passthrough headers for the upstream transport.
func applyForward(ctx context.Context, d payment.ForwardDirective) context.Context {
	return transport.WithForwardHeaders(ctx, d.Headers)
}

// Stats reports registry and connection counts for the admin surface.
func (g *Gateway) Stats() map[string]any {
	return map[string]any{
		"registry": g.registry.GetStats(),
		"servers":  g.manager.Stats(),
	}
}
