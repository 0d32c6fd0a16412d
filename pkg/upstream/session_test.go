// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elizaOS/mcp-gateway/pkg/payment"
)

func connectedSession(t *testing.T) *Session {
	t.Helper()
	maker := newMemMaker()
	maker.servers["a"] = newFullServer

	s, err := connect(context.Background(), maker, fastSpec("a"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionVerbs(t *testing.T) {
	ctx := context.Background()
	s := connectedSession(t)

	tools, err := s.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "echo", tools.Tools[0].Name)

	res, err := s.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "ping"}})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "ping", tc.Text)

	resources, err := s.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources.Resources, 1)

	rr, err := s.ReadResource(ctx, &mcp.ReadResourceParams{URI: "file:///hello.txt"})
	require.NoError(t, err)
	require.Len(t, rr.Contents, 1)
	assert.Equal(t, "hello", rr.Contents[0].Text)

	prompts, err := s.ListPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts.Prompts, 1)

	gp, err := s.GetPrompt(ctx, &mcp.GetPromptParams{Name: "greet"})
	require.NoError(t, err)
	require.Len(t, gp.Messages, 1)
}

func TestSessionProbe(t *testing.T) {
	s := connectedSession(t)
	assert.NoError(t, s.Probe(context.Background()))
}

func TestSessionVerbsWrapFailures(t *testing.T) {
	ctx := context.Background()
	s := connectedSession(t)
	require.NoError(t, s.Close())

	_, err := s.CallTool(ctx, &mcp.CallToolParams{Name: "echo"})
	require.Error(t, err)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.NotEmpty(t, ue.Message)
}

func TestSessionAccessors(t *testing.T) {
	s := connectedSession(t)
	assert.Equal(t, "a", s.ID())
	assert.Equal(t, "a", s.Namespace())
	assert.Equal(t, "a", s.Spec().ID)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.True(t, isTransient(io.EOF))
	assert.True(t, isTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, isTransient(errors.New("read: connection reset by peer")))
	assert.False(t, isTransient(errors.New("invalid params")))
	assert.False(t, isTransient(nil))
}

func TestWrapErrPaymentCap(t *testing.T) {
	err := wrapErr("call failed", &payment.ErrPaymentExceedsCap{Demanded: "5000000", Cap: "1000000"})
	assert.False(t, err.Transient)
	assert.Equal(t, "downstream payment exceeds cap", err.Message)
}
