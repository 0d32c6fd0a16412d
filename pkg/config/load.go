// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces `${VAR}` references in raw config bytes with the
// value of the environment variable. Unset variables expand to the empty
// string. Only the braced form is recognized so that shell-looking values
// such as "$HOME/bin" inside args survive untouched.
func ExpandEnv(raw []byte) []byte {
	return envRefRe.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRefRe.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, parses, defaults and coerces a gateway configuration
// file. Validation is left to the caller so that `validate` can report all
// problems at once.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a Config from raw JSON bytes. See Load.
func Parse(raw []byte) (*Config, error) {
	raw = ExpandEnv(raw)

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for _, s := range cfg.Servers {
		coerceLegacyTransport(s)
	}
	applyDefaults(&cfg)

	return &cfg, nil
}
