// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elizaOS/mcp-gateway/pkg/config"
)

// State is a session's connection lifecycle phase.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Capabilities records which MCP surfaces an upstream actually serves,
// discovered eagerly at connect time.
type Capabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
}

// Session is a live connection to one upstream MCP server. It is owned by
// the Manager; callers outside the manager use the verb methods only.
type Session struct {
	spec *config.ServerSpec
	cs   *mcp.ClientSession
	caps Capabilities

	// state is mirrored by the Manager on lifecycle transitions, which
	// happen on manager goroutines; guarded by stateMu.
	stateMu sync.Mutex
	state   State

	lastErr error

	lastHealthCheckAt time.Time

	logger *slog.Logger

	// cancel tears down the connect-scoped context that owns a stdio child.
	cancel context.CancelFunc
}

// clientInfo identifies the gateway toward upstreams.
var clientInfo = &mcp.Implementation{
	Name:    "mcp-gateway",
	Version: "1.0.0",
}

// TransportMaker builds a connectable MCP transport from an upstream spec.
// *transport.Factory is the production implementation.
type TransportMaker interface {
	Make(ctx context.Context, spec *config.ServerSpec) (mcp.Transport, error)
}

// connect dials the upstream and eagerly probes its capabilities. Each
// failing list marks the capability absent without failing the session; an
// upstream that only serves tools is valid.
func connect(ctx context.Context, factory TransportMaker, spec *config.ServerSpec, logger *slog.Logger) (*Session, error) {
	timeout := time.Duration(spec.ConnectTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultConnectTimeoutMs) * time.Millisecond
	}

	// The session context outlives connect: it scopes a stdio child
	// process for the whole session lifetime.
	sessionCtx, cancel := context.WithCancel(context.Background())

	tr, err := factory.Make(sessionCtx, spec)
	if err != nil {
		cancel()
		return nil, wrapErr("invalid transport", err)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, timeout)
	defer connectCancel()

	client := mcp.NewClient(clientInfo, &mcp.ClientOptions{})
	cs, err := client.Connect(connectCtx, tr, nil)
	if err != nil {
		cancel()
		return nil, wrapErr(fmt.Sprintf("failed to connect to upstream %s", spec.ID), err)
	}

	s := &Session{
		spec:   spec,
		cs:     cs,
		state:  StateConnected,
		logger: logger,
		cancel: cancel,
	}
	s.discoverCapabilities(connectCtx)
	return s, nil
}

func (s *Session) discoverCapabilities(ctx context.Context) {
	if _, err := s.cs.ListTools(ctx, &mcp.ListToolsParams{}); err != nil {
		s.logger.Warn("Upstream does not serve tools", "upstream", s.spec.ID, "error", err)
	} else {
		s.caps.Tools = true
	}
	if _, err := s.cs.ListResources(ctx, &mcp.ListResourcesParams{}); err != nil {
		s.logger.Warn("Upstream does not serve resources", "upstream", s.spec.ID, "error", err)
	} else {
		s.caps.Resources = true
	}
	if _, err := s.cs.ListPrompts(ctx, &mcp.ListPromptsParams{}); err != nil {
		s.logger.Warn("Upstream does not serve prompts", "upstream", s.spec.ID, "error", err)
	} else {
		s.caps.Prompts = true
	}
}

// ID returns the upstream's configured identifier.
func (s *Session) ID() string { return s.spec.ID }

// Namespace returns the configured namespace, possibly empty.
func (s *Session) Namespace() string { return s.spec.Namespace }

// Spec returns the immutable upstream configuration.
func (s *Session) Spec() *config.ServerSpec { return s.spec }

// Capabilities returns the surfaces discovered at connect time.
func (s *Session) Capabilities() Capabilities { return s.caps }

// State returns the lifecycle phase as last set by the Manager.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// ListTools fetches the upstream's tool list.
func (s *Session) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	res, err := s.cs.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to list tools from %s", s.spec.ID), err)
	}
	return res, nil
}

// ListResources fetches the upstream's resource list.
func (s *Session) ListResources(ctx context.Context) (*mcp.ListResourcesResult, error) {
	res, err := s.cs.ListResources(ctx, &mcp.ListResourcesParams{})
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to list resources from %s", s.spec.ID), err)
	}
	return res, nil
}

// ListPrompts fetches the upstream's prompt list.
func (s *Session) ListPrompts(ctx context.Context) (*mcp.ListPromptsResult, error) {
	res, err := s.cs.ListPrompts(ctx, &mcp.ListPromptsParams{})
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to list prompts from %s", s.spec.ID), err)
	}
	return res, nil
}

// CallTool invokes a tool by its upstream-local name.
func (s *Session) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	res, err := s.cs.CallTool(ctx, params)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to call tool %s on %s", params.Name, s.spec.ID), err)
	}
	return res, nil
}

// ReadResource reads a resource by its upstream-local URI.
func (s *Session) ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	res, err := s.cs.ReadResource(ctx, params)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to read resource %s from %s", params.URI, s.spec.ID), err)
	}
	return res, nil
}

// GetPrompt fetches a prompt by its upstream-local name.
func (s *Session) GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	res, err := s.cs.GetPrompt(ctx, params)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to get prompt %s from %s", params.Name, s.spec.ID), err)
	}
	return res, nil
}

// Probe is the health-loop liveness check: a protocol-level ping.
func (s *Session) Probe(ctx context.Context) error {
	if err := s.cs.Ping(ctx, &mcp.PingParams{}); err != nil {
		return wrapErr(fmt.Sprintf("probe of %s failed", s.spec.ID), err)
	}
	return nil
}

// Close tears down the connection and any stdio child process.
func (s *Session) Close() error {
	err := s.cs.Close()
	if s.cancel != nil {
		s.cancel()
	}
	if err != nil {
		return wrapErr(fmt.Sprintf("failed to close session %s", s.spec.ID), err)
	}
	return nil
}
