// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elizaOS/mcp-gateway/pkg/config"
	"github.com/elizaOS/mcp-gateway/pkg/upstream"
)

func TestValidateConfigCollectsTransportErrors(t *testing.T) {
	cfg, err := config.Parse([]byte(`{
		"name": "gw",
		"servers": [
			{"id": "a", "transport": {"type": "sse"}},
			{"id": "b", "transport": {"type": "stdio", "command": "mcp-fs"}}
		]
	}`))
	require.NoError(t, err)

	errs := ValidateConfig(cfg)
	require.Len(t, errs, 2) // sseUrl and postUrl both missing
	assert.Contains(t, errs[0].Error(), "sseUrl")
	assert.Contains(t, errs[1].Error(), "postUrl")
}

func TestRunRejectsMissingConfig(t *testing.T) {
	err := Run(context.Background(), Options{ConfigPath: "/nonexistent/gateway.json"})
	assert.Error(t, err)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := t.TempDir() + "/bad.json"
	require.NoError(t, os.WriteFile(path, []byte(`{"servers":[{"id":"a"}]}`), 0o600))

	err := Run(context.Background(), Options{ConfigPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestHealthLoopStopsOnCancel(t *testing.T) {
	m := upstream.NewManager(nil, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		healthLoop(ctx, m, 3600000)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("healthLoop did not stop after cancel")
	}
}
