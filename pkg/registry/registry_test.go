// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elizaOS/mcp-gateway/pkg/config"
	"github.com/elizaOS/mcp-gateway/pkg/upstream"
)

// fakeSource is an in-memory registry source.
type fakeSource struct {
	id        string
	namespace string
	caps      upstream.Capabilities
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt
	listErr   error
}

func (f *fakeSource) ID() string                          { return f.id }
func (f *fakeSource) Namespace() string                   { return f.namespace }
func (f *fakeSource) Capabilities() upstream.Capabilities { return f.caps }

func (f *fakeSource) ListTools(context.Context) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSource) ListResources(context.Context) (*mcp.ListResourcesResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListResourcesResult{Resources: f.resources}, nil
}

func (f *fakeSource) ListPrompts(context.Context) (*mcp.ListPromptsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListPromptsResult{Prompts: f.prompts}, nil
}

func toolSource(id, ns string, names ...string) *fakeSource {
	f := &fakeSource{id: id, namespace: ns, caps: upstream.Capabilities{Tools: true}}
	for _, n := range names {
		f.tools = append(f.tools, &mcp.Tool{Name: n})
	}
	return f
}

func TestRefreshNamespacesTools(t *testing.T) {
	r := New(&config.Settings{}, nil)
	r.Refresh(context.Background(), []Source{
		toolSource("fs", "fs", "read", "write"),
		toolSource("raw", "", "search"),
	})

	e, ok := r.FindTool("fs:read")
	require.True(t, ok)
	assert.Equal(t, "read", e.OriginalName)
	assert.Equal(t, "fs", e.UpstreamID)

	// no namespace, name passes through
	_, ok = r.FindTool("search")
	assert.True(t, ok)

	_, ok = r.FindTool("read")
	assert.False(t, ok)

	assert.Len(t, r.Tools(), 3)
}

func TestRefreshResourceURINamespacing(t *testing.T) {
	src := &fakeSource{
		id: "fs", namespace: "fs",
		caps: upstream.Capabilities{Resources: true},
		resources: []*mcp.Resource{
			{URI: "file:///etc/hosts"},
			{URI: "plain-identifier"},
		},
	}
	bare := &fakeSource{
		id:        "raw",
		caps:      upstream.Capabilities{Resources: true},
		resources: []*mcp.Resource{{URI: "file:///raw.txt"}},
	}

	r := New(&config.Settings{}, nil)
	r.Refresh(context.Background(), []Source{src, bare})

	e, ok := r.FindResource("file://fs/etc/hosts")
	require.True(t, ok)
	assert.Equal(t, "file:///etc/hosts", e.OriginalURI)

	_, ok = r.FindResource("fs:plain-identifier")
	assert.True(t, ok)

	// no namespace leaves the URI unchanged
	_, ok = r.FindResource("file:///raw.txt")
	assert.True(t, ok)
}

func TestRefreshConflictSuffixing(t *testing.T) {
	r := New(&config.Settings{}, nil)
	r.Refresh(context.Background(), []Source{
		toolSource("a", "", "search"),
		toolSource("b", "", "search"),
		toolSource("c", "", "search@b"), // collides with b's suffixed name
	})

	first, ok := r.FindTool("search")
	require.True(t, ok)
	assert.Equal(t, "a", first.UpstreamID)

	second, ok := r.FindTool("search@b")
	require.True(t, ok)
	assert.Equal(t, "b", second.UpstreamID)

	third, ok := r.FindTool("search@b@c")
	require.True(t, ok)
	assert.Equal(t, "c", third.UpstreamID)
}

func TestRefreshConflictOrdinals(t *testing.T) {
	r := New(&config.Settings{}, nil)
	// same upstream id listing the same name twice forces the ordinal path
	r.Refresh(context.Background(), []Source{
		toolSource("a", "", "x", "x", "x"),
	})

	names := make([]string, 0, 3)
	for _, e := range r.Tools() {
		names = append(names, e.ExposedName)
	}
	assert.Equal(t, []string{"x", "x@a", "x@a#2"}, names)
}

func TestRefreshConflictDisabledFirstWins(t *testing.T) {
	off := false
	r := New(&config.Settings{EnableToolConflictResolution: &off}, nil)
	r.Refresh(context.Background(), []Source{
		toolSource("a", "", "search"),
		toolSource("b", "", "search"),
	})

	require.Len(t, r.Tools(), 1)
	e, _ := r.FindTool("search")
	assert.Equal(t, "a", e.UpstreamID)
}

func TestRefreshSkipsFailingUpstream(t *testing.T) {
	r := New(&config.Settings{}, nil)
	r.Refresh(context.Background(), []Source{
		toolSource("good", "g", "read"),
		// broken upstream contributes nothing but does not fail the pass
		&fakeSource{
			id: "bad", caps: upstream.Capabilities{Tools: true},
			listErr: errors.New("connection reset"),
		},
	})

	assert.Len(t, r.Tools(), 1)
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	r := New(&config.Settings{}, nil)
	r.Refresh(context.Background(), []Source{toolSource("a", "", "old")})
	require.Len(t, r.Tools(), 1)

	r.Refresh(context.Background(), []Source{toolSource("a", "", "new")})
	assert.Len(t, r.Tools(), 1)
	_, ok := r.FindTool("old")
	assert.False(t, ok)
	_, ok = r.FindTool("new")
	assert.True(t, ok)
}

func TestRefreshIdempotent(t *testing.T) {
	r := New(&config.Settings{}, nil)
	sources := []Source{toolSource("a", "ns", "read"), toolSource("b", "ns", "read")}

	r.Refresh(context.Background(), sources)
	first := make([]string, 0)
	for _, e := range r.Tools() {
		first = append(first, e.ExposedName)
	}

	r.Refresh(context.Background(), sources)
	second := make([]string, 0)
	for _, e := range r.Tools() {
		second = append(second, e.ExposedName)
	}

	assert.Equal(t, first, second)
}

func TestGetStats(t *testing.T) {
	r := New(&config.Settings{}, nil)
	r.Refresh(context.Background(), []Source{
		toolSource("a", "a", "t1", "t2"),
		toolSource("b", "b", "t3"),
	})

	stats := r.GetStats()
	assert.Equal(t, 2, stats.ToolsByServer["a"])
	assert.Equal(t, 1, stats.ToolsByServer["b"])
	assert.Equal(t, 3, stats.Tools)
	assert.Zero(t, stats.Resources)
}

func TestEmptyRegistryLookups(t *testing.T) {
	r := New(&config.Settings{}, nil)
	_, ok := r.FindTool("anything")
	assert.False(t, ok)
	assert.Empty(t, r.Tools())
	assert.Empty(t, r.Resources())
	assert.Empty(t, r.Prompts())
}
