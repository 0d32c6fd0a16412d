// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateCommandAcceptsGoodConfig(t *testing.T) {
	path := writeConfig(t, `{
		"name": "test-gateway",
		"version": "1.0.0",
		"servers": [
			{"id": "fs", "namespace": "fs", "transport": {"type": "stdio", "command": "mcp-fs"}}
		]
	}`)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", "--config", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "OK (1 servers)")
}

func TestValidateCommandReportsAllProblems(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [
			{"id": "a", "transport": {"type": "http"}},
			{"id": "a", "transport": {"type": "bogus"}}
		]
	}`)

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"validate", "--config", path})

	err := cmd.Execute()
	require.Error(t, err)
	// missing name, duplicate id, missing url, unknown type
	assert.Contains(t, errOut.String(), "name")
	assert.Contains(t, errOut.String(), "duplicate id")
	assert.Contains(t, errOut.String(), "url")
	assert.Contains(t, errOut.String(), "unknown type")
}

func TestValidateCommandMissingFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "--config", "/nonexistent/gateway.json"})
	assert.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)
}
