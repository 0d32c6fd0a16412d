// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the aggregated view of every capability
// exposed by connected upstreams, under namespaced exposed names.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elizaOS/mcp-gateway/pkg/config"
	"github.com/elizaOS/mcp-gateway/pkg/upstream"
)

// ToolEntry maps an exposed tool name back to its upstream origin.
type ToolEntry struct {
	ExposedName  string
	OriginalName string
	UpstreamID   string
	Namespace    string
	Tool         *mcp.Tool
}

// ResourceEntry maps an exposed resource URI back to its upstream origin.
type ResourceEntry struct {
	ExposedURI  string
	OriginalURI string
	UpstreamID  string
	Namespace   string
	Resource    *mcp.Resource
}

// PromptEntry maps an exposed prompt name back to its upstream origin.
type PromptEntry struct {
	ExposedName  string
	OriginalName string
	UpstreamID   string
	Namespace    string
	Prompt       *mcp.Prompt
}

// Stats summarizes one published snapshot.
type Stats struct {
	Tools         int            `json:"tools"`
	Resources     int            `json:"resources"`
	Prompts       int            `json:"prompts"`
	ToolsByServer map[string]int `json:"toolsByServer"`
}

// snapshot is an immutable view; Refresh builds a new one and publishes it
// with a single atomic pointer swap.
type snapshot struct {
	tools     map[string]*ToolEntry
	resources map[string]*ResourceEntry
	prompts   map[string]*PromptEntry

	toolOrder     []string
	resourceOrder []string
	promptOrder   []string
}

func emptySnapshot() *snapshot {
	return &snapshot{
		tools:     make(map[string]*ToolEntry),
		resources: make(map[string]*ResourceEntry),
		prompts:   make(map[string]*PromptEntry),
	}
}

// Source is the slice of an upstream session the registry consumes.
// *upstream.Session implements it.
type Source interface {
	ID() string
	Namespace() string
	Capabilities() upstream.Capabilities
	ListTools(ctx context.Context) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context) (*mcp.ListResourcesResult, error)
	ListPrompts(ctx context.Context) (*mcp.ListPromptsResult, error)
}

// Registry publishes capability snapshots. Reads are lock-free; Refresh is
// the only mutation.
type Registry struct {
	settings *config.Settings
	logger   *slog.Logger
	current  atomic.Pointer[snapshot]
}

// New builds an empty registry.
func New(settings *config.Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{settings: settings, logger: logger}
	r.current.Store(emptySnapshot())
	return r
}

// Refresh rebuilds the registry from the given sessions in three passes
// (tools, resources, prompts) and atomically publishes the result. Sessions
// are scanned in slice order, which makes conflict resolution stable.
func (r *Registry) Refresh(ctx context.Context, sessions []Source) {
	next := emptySnapshot()

	for _, s := range sessions {
		if !s.Capabilities().Tools {
			continue
		}
		res, err := s.ListTools(ctx)
		if err != nil {
			r.logger.Warn("Failed to list tools during refresh", "upstream", s.ID(), "error", err)
			continue
		}
		for _, tool := range res.Tools {
			exposed := exposedName(s.Namespace(), tool.Name)
			exposed, ok := r.resolveConflict(exposed, s.ID(), r.settings.ToolConflictResolution(), func(n string) bool {
				_, taken := next.tools[n]
				return taken
			})
			if !ok {
				r.logger.Warn("Dropping conflicting tool", "upstream", s.ID(), "tool", tool.Name)
				continue
			}
			next.tools[exposed] = &ToolEntry{
				ExposedName:  exposed,
				OriginalName: tool.Name,
				UpstreamID:   s.ID(),
				Namespace:    s.Namespace(),
				Tool:         tool,
			}
			next.toolOrder = append(next.toolOrder, exposed)
		}
	}

	for _, s := range sessions {
		if !s.Capabilities().Resources {
			continue
		}
		res, err := s.ListResources(ctx)
		if err != nil {
			r.logger.Warn("Failed to list resources during refresh", "upstream", s.ID(), "error", err)
			continue
		}
		for _, resource := range res.Resources {
			exposed := exposedURI(s.Namespace(), resource.URI)
			exposed, ok := r.resolveConflict(exposed, s.ID(), r.settings.ResourceConflictResolution(), func(n string) bool {
				_, taken := next.resources[n]
				return taken
			})
			if !ok {
				r.logger.Warn("Dropping conflicting resource", "upstream", s.ID(), "uri", resource.URI)
				continue
			}
			next.resources[exposed] = &ResourceEntry{
				ExposedURI:  exposed,
				OriginalURI: resource.URI,
				UpstreamID:  s.ID(),
				Namespace:   s.Namespace(),
				Resource:    resource,
			}
			next.resourceOrder = append(next.resourceOrder, exposed)
		}
	}

	for _, s := range sessions {
		if !s.Capabilities().Prompts {
			continue
		}
		res, err := s.ListPrompts(ctx)
		if err != nil {
			r.logger.Warn("Failed to list prompts during refresh", "upstream", s.ID(), "error", err)
			continue
		}
		for _, prompt := range res.Prompts {
			exposed := exposedName(s.Namespace(), prompt.Name)
			exposed, ok := r.resolveConflict(exposed, s.ID(), r.settings.PromptConflictResolution(), func(n string) bool {
				_, taken := next.prompts[n]
				return taken
			})
			if !ok {
				r.logger.Warn("Dropping conflicting prompt", "upstream", s.ID(), "prompt", prompt.Name)
				continue
			}
			next.prompts[exposed] = &PromptEntry{
				ExposedName:  exposed,
				OriginalName: prompt.Name,
				UpstreamID:   s.ID(),
				Namespace:    s.Namespace(),
				Prompt:       prompt,
			}
			next.promptOrder = append(next.promptOrder, exposed)
		}
	}

	r.current.Store(next)
	r.logger.Info("Registry refreshed",
		"tools", len(next.tools),
		"resources", len(next.resources),
		"prompts", len(next.prompts))
}

// resolveConflict returns a unique name for the entry. With resolution
// enabled the later entry gets an `@upstreamId` suffix, then ordinals;
// disabled means first wins and the later entry is dropped.
func (r *Registry) resolveConflict(name, upstreamID string, enabled bool, taken func(string) bool) (string, bool) {
	if !taken(name) {
		return name, true
	}
	if !enabled {
		return "", false
	}
	candidate := fmt.Sprintf("%s@%s", name, upstreamID)
	for ordinal := 2; taken(candidate); ordinal++ {
		candidate = fmt.Sprintf("%s@%s#%d", name, upstreamID, ordinal)
	}
	return candidate, true
}

// exposedName namespaces a tool or prompt name.
func exposedName(namespace, original string) string {
	if namespace == "" {
		return original
	}
	return namespace + ":" + original
}

// exposedURI namespaces a resource URI. URIs with a scheme get the
// namespace spliced in as the leading path segment; bare URIs are prefixed
// like names.
func exposedURI(namespace, original string) string {
	if namespace == "" {
		return original
	}
	if scheme, rest, ok := strings.Cut(original, "://"); ok {
		return scheme + "://" + namespace + "/" + strings.TrimPrefix(rest, "/")
	}
	return namespace + ":" + original
}

// FindTool resolves an exposed tool name.
func (r *Registry) FindTool(name string) (*ToolEntry, bool) {
	e, ok := r.current.Load().tools[name]
	return e, ok
}

// FindResource resolves an exposed resource URI.
func (r *Registry) FindResource(uri string) (*ResourceEntry, bool) {
	e, ok := r.current.Load().resources[uri]
	return e, ok
}

// FindPrompt resolves an exposed prompt name.
func (r *Registry) FindPrompt(name string) (*PromptEntry, bool) {
	e, ok := r.current.Load().prompts[name]
	return e, ok
}

// Tools lists entries in insertion order.
func (r *Registry) Tools() []*ToolEntry {
	snap := r.current.Load()
	out := make([]*ToolEntry, 0, len(snap.toolOrder))
	for _, name := range snap.toolOrder {
		out = append(out, snap.tools[name])
	}
	return out
}

// Resources lists entries in insertion order.
func (r *Registry) Resources() []*ResourceEntry {
	snap := r.current.Load()
	out := make([]*ResourceEntry, 0, len(snap.resourceOrder))
	for _, uri := range snap.resourceOrder {
		out = append(out, snap.resources[uri])
	}
	return out
}

// Prompts lists entries in insertion order.
func (r *Registry) Prompts() []*PromptEntry {
	snap := r.current.Load()
	out := make([]*PromptEntry, 0, len(snap.promptOrder))
	for _, name := range snap.promptOrder {
		out = append(out, snap.prompts[name])
	}
	return out
}

// GetStats summarizes the current snapshot.
func (r *Registry) GetStats() Stats {
	snap := r.current.Load()
	stats := Stats{
		Tools:         len(snap.tools),
		Resources:     len(snap.resources),
		Prompts:       len(snap.prompts),
		ToolsByServer: make(map[string]int),
	}
	for _, e := range snap.tools {
		stats.ToolsByServer[e.UpstreamID]++
	}
	return stats
}
