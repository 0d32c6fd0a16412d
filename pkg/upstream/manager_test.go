// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elizaOS/mcp-gateway/pkg/config"
)

type echoInput struct {
	Text string `json:"text"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFullServer serves one tool, one resource and one prompt.
func newFullServer() *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: "test-upstream", Version: "1.0.0"}, nil)
	mcp.AddTool(s, &mcp.Tool{Name: "echo", Description: "echo text back"},
		func(_ context.Context, _ *mcp.CallToolRequest, args echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: args.Text}},
			}, nil, nil
		})
	s.AddResource(&mcp.Resource{URI: "file:///hello.txt", Name: "hello", MIMEType: "text/plain"},
		func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: "text/plain", Text: "hello"}},
			}, nil
		})
	s.AddPrompt(&mcp.Prompt{Name: "greet", Description: "greeting prompt"},
		func(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Messages: []*mcp.PromptMessage{{Role: "user", Content: &mcp.TextContent{Text: "hi"}}},
			}, nil
		})
	return s
}

// memMaker connects specs to in-process servers, optionally failing the
// first N attempts per upstream.
type memMaker struct {
	mu       sync.Mutex
	servers  map[string]func() *mcp.Server
	failures map[string]int
	attempts map[string]int
}

func newMemMaker() *memMaker {
	return &memMaker{
		servers:  make(map[string]func() *mcp.Server),
		failures: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (m *memMaker) Make(ctx context.Context, spec *config.ServerSpec) (mcp.Transport, error) {
	m.mu.Lock()
	m.attempts[spec.ID]++
	if m.failures[spec.ID] > 0 {
		m.failures[spec.ID]--
		m.mu.Unlock()
		return nil, errors.New("dial upstream: connection refused")
	}
	newServer, ok := m.servers[spec.ID]
	m.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown upstream: not configured")
	}

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	if _, err := newServer().Connect(ctx, serverTransport, nil); err != nil {
		return nil, err
	}
	return clientTransport, nil
}

func fastSpec(id string) *config.ServerSpec {
	return &config.ServerSpec{
		ID:               id,
		Namespace:        id,
		Transport:        &config.TransportDescriptor{Type: config.TransportStdio, Command: "unused"},
		ConnectTimeoutMs: 5000,
		RetryAttempts:    3,
		RetryDelayMs:     1,
	}
}

func TestInitializeConnectsAll(t *testing.T) {
	maker := newMemMaker()
	maker.servers["a"] = newFullServer
	maker.servers["b"] = newFullServer

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{fastSpec("a"), fastSpec("b")})
	defer m.CloseAll()

	sessions := m.GetConnected()
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, StateConnected, s.State())
		assert.True(t, s.Capabilities().Tools)
		assert.True(t, s.Capabilities().Resources)
		assert.True(t, s.Capabilities().Prompts)
	}
}

func TestInitializeRetriesTransientFailures(t *testing.T) {
	maker := newMemMaker()
	maker.servers["a"] = newFullServer
	maker.failures["a"] = 2 // succeed on the third attempt

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{fastSpec("a")})
	defer m.CloseAll()

	require.Len(t, m.GetConnected(), 1)
	assert.Equal(t, 3, maker.attempts["a"])
}

func TestInitializeParksFailedUpstream(t *testing.T) {
	maker := newMemMaker()
	maker.servers["good"] = newFullServer
	maker.failures["bad"] = 100

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{fastSpec("good"), fastSpec("bad")})
	defer m.CloseAll()

	sessions := m.GetConnected()
	require.Len(t, sessions, 1)
	assert.Equal(t, "good", sessions[0].ID())

	// retry budget respected: 3 attempts, not 100
	assert.Equal(t, 3, maker.attempts["bad"])
	assert.Equal(t, string(StateError), m.Stats()["bad"])
}

func TestInitializeSkipsDisabled(t *testing.T) {
	maker := newMemMaker()
	maker.servers["a"] = newFullServer

	off := false
	spec := fastSpec("a")
	spec.Enabled = &off

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{spec})
	assert.Empty(t, m.GetConnected())
	assert.Zero(t, maker.attempts["a"])
}

func TestHealthCheckReconnectsParked(t *testing.T) {
	maker := newMemMaker()
	maker.servers["a"] = newFullServer
	maker.failures["a"] = 100

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{fastSpec("a")})
	require.Empty(t, m.GetConnected())

	var passes int
	m.OnHealthPass = func() { passes++ }

	// upstream comes back
	maker.mu.Lock()
	maker.failures["a"] = 0
	maker.mu.Unlock()

	m.HealthCheck(context.Background())
	defer m.CloseAll()

	assert.Len(t, m.GetConnected(), 1)
	assert.Equal(t, 1, passes)
}

func TestHealthCheckKeepsHealthySessions(t *testing.T) {
	maker := newMemMaker()
	maker.servers["a"] = newFullServer

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{fastSpec("a")})
	defer m.CloseAll()

	before := m.GetConnected()
	require.Len(t, before, 1)

	m.HealthCheck(context.Background())

	after := m.GetConnected()
	require.Len(t, after, 1)
	assert.Same(t, before[0], after[0])
}

func TestGetConnectedPreservesConfigOrder(t *testing.T) {
	maker := newMemMaker()
	maker.servers["zulu"] = newFullServer
	maker.servers["alpha"] = newFullServer
	maker.servers["mike"] = newFullServer

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{
		fastSpec("zulu"), fastSpec("alpha"), fastSpec("mike"),
	})
	defer m.CloseAll()

	// repeated snapshots come back in config order, never map order
	for i := 0; i < 10; i++ {
		sessions := m.GetConnected()
		require.Len(t, sessions, 3)
		assert.Equal(t, "zulu", sessions[0].ID())
		assert.Equal(t, "alpha", sessions[1].ID())
		assert.Equal(t, "mike", sessions[2].ID())
	}

	// reconnects keep the original position
	m.HealthCheck(context.Background())
	sessions := m.GetConnected()
	require.Len(t, sessions, 3)
	assert.Equal(t, "zulu", sessions[0].ID())
}

func TestCloseAllParksEverything(t *testing.T) {
	maker := newMemMaker()
	maker.servers["a"] = newFullServer

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{fastSpec("a")})
	require.Len(t, m.GetConnected(), 1)

	m.CloseAll()
	assert.Empty(t, m.GetConnected())
	assert.Equal(t, string(StateDisconnected), m.Stats()["a"])
}

func TestStateReadableDuringHealthCheck(t *testing.T) {
	maker := newMemMaker()
	maker.servers["a"] = newFullServer

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{fastSpec("a")})
	defer m.CloseAll()

	sessions := m.GetConnected()
	require.Len(t, sessions, 1)

	// readers may poll State while the manager mirrors lifecycle
	// transitions; meaningful under -race
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = sessions[0].State()
		}
	}()
	m.HealthCheck(context.Background())
	<-done

	assert.Equal(t, StateConnected, sessions[0].State())
}

func TestGetByID(t *testing.T) {
	maker := newMemMaker()
	maker.servers["a"] = newFullServer

	m := NewManager(maker, 4, nil)
	m.Initialize(context.Background(), []*config.ServerSpec{fastSpec("a")})
	defer m.CloseAll()

	require.NotNil(t, m.Get("a"))
	assert.Nil(t, m.Get("missing"))
}
