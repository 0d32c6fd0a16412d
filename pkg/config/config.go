// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

// Package config defines the gateway configuration surface and its loader.
package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Transport type tags accepted in a TransportDescriptor.
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Upstream payment modes.
const (
	PaymentModeNone        = "none"
	PaymentModePassthrough = "passthrough"
	PaymentModeMarkup      = "markup"
	PaymentModeAbsorb      = "absorb"
)

// Defaults applied by Load when the corresponding field is absent.
const (
	DefaultConnectTimeoutMs         = 30000
	DefaultRetryAttempts            = 3
	DefaultRetryDelayMs             = 1000
	DefaultHealthCheckIntervalMs    = 60000
	DefaultMaxConcurrentConnections = 10
)

var namespaceRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// TransportDescriptor is the tagged union describing how to reach an
// upstream. Exactly one variant's fields are meaningful, selected by Type.
type TransportDescriptor struct {
	Type string `json:"type"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// http / websocket
	URL string `json:"url,omitempty"`

	// sse
	SSEURL  string `json:"sseUrl,omitempty"`
	PostURL string `json:"postUrl,omitempty"`

	// http / sse / websocket
	Headers map[string]string `json:"headers,omitempty"`
	APIKey  string            `json:"apiKey,omitempty"`
}

// ServerSpec is the immutable configuration of one upstream server.
//
// The legacy form placed `command`/`args`/`env`/`cwd` at the top level with
// no transport block; Load coerces that into a stdio TransportDescriptor so
// the rest of the gateway only ever sees the tagged form.
type ServerSpec struct {
	ID        string               `json:"id"`
	Namespace string               `json:"namespace,omitempty"`
	Enabled   *bool                `json:"enabled,omitempty"`
	Transport *TransportDescriptor `json:"transport,omitempty"`

	// Legacy top-level stdio fields, consumed by coercion only.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	ConnectTimeoutMs int `json:"connectTimeoutMs,omitempty"`
	RetryAttempts    int `json:"retryAttempts,omitempty"`
	RetryDelayMs     int `json:"retryDelayMs,omitempty"`

	Payment *UpstreamPaymentPolicy `json:"payment,omitempty"`
}

// IsEnabled reports whether the upstream should be connected. Absent means
// enabled.
func (s *ServerSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Pricing describes how a single tool, resource or prompt is priced.
// A nil Pricing is treated as free.
type Pricing struct {
	Free bool `json:"free,omitempty"`

	// X402 is a dollar string such as "$0.01".
	X402 string `json:"x402,omitempty"`

	// APIKeyTiers maps a tier label to a dollar string or the literal
	// "free".
	APIKeyTiers map[string]string `json:"apiKeyTiers,omitempty"`
}

// UpstreamPaymentPolicy configures payment behavior for one upstream.
type UpstreamPaymentPolicy struct {
	Mode           string              `json:"mode,omitempty"`
	Markup         string              `json:"markup,omitempty"`
	DefaultPricing *Pricing            `json:"defaultPricing,omitempty"`
	PerTool        map[string]*Pricing `json:"perTool,omitempty"`
}

// ModeOrNone returns the configured mode, defaulting to "none".
func (p *UpstreamPaymentPolicy) ModeOrNone() string {
	if p == nil || p.Mode == "" {
		return PaymentModeNone
	}
	return strings.ToLower(p.Mode)
}

// APIKeyEntry binds a static credential token to a tier label.
type APIKeyEntry struct {
	Key  string `json:"key"`
	Tier string `json:"tier"`

	// RateLimit is requests per minute; zero means unlimited.
	RateLimit int `json:"rateLimit,omitempty"`
}

// PaymentPolicy is the gateway-wide payment configuration.
type PaymentPolicy struct {
	Enabled        bool   `json:"enabled"`
	Recipient      string `json:"recipient,omitempty"`
	Network        string `json:"network,omitempty"`
	FacilitatorURL string `json:"facilitatorUrl,omitempty"`

	// OutboundCredential is an opaque signing credential (hex private key).
	// Its presence enables outbound payments to upstreams that charge.
	OutboundCredential string `json:"outboundCredential,omitempty"`

	// OutboundMaxValue caps what the gateway will pay per downstream call,
	// as a dollar string. Defaults to "$1.00".
	OutboundMaxValue string `json:"outboundMaxValue,omitempty"`

	APIKeys []APIKeyEntry `json:"apiKeys,omitempty"`
}

// Settings holds gateway-wide behavioral knobs.
type Settings struct {
	EnableToolConflictResolution     *bool  `json:"enableToolConflictResolution,omitempty"`
	EnableResourceConflictResolution *bool  `json:"enableResourceConflictResolution,omitempty"`
	EnablePromptConflictResolution   *bool  `json:"enablePromptConflictResolution,omitempty"`
	LogLevel                         string `json:"logLevel,omitempty"`
	LogFormat                        string `json:"logFormat,omitempty"`
	MaxConcurrentConnections         int    `json:"maxConcurrentConnections,omitempty"`
	HealthCheckIntervalMs            int    `json:"healthCheckInterval,omitempty"`
}

// ToolConflictResolution reports whether duplicate tool names should be
// suffixed rather than dropped. Defaults to true.
func (s *Settings) ToolConflictResolution() bool {
	return s.EnableToolConflictResolution == nil || *s.EnableToolConflictResolution
}

// ResourceConflictResolution defaults to true.
func (s *Settings) ResourceConflictResolution() bool {
	return s.EnableResourceConflictResolution == nil || *s.EnableResourceConflictResolution
}

// PromptConflictResolution defaults to true.
func (s *Settings) PromptConflictResolution() bool {
	return s.EnablePromptConflictResolution == nil || *s.EnablePromptConflictResolution
}

// Config is the root gateway configuration.
type Config struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description,omitempty"`
	Servers     []*ServerSpec  `json:"servers"`
	Settings    Settings       `json:"settings,omitempty"`
	Payment     *PaymentPolicy `json:"payment,omitempty"`
}

// ValidationError reports one configuration problem, addressed by field
// path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// coerceLegacyTransport normalizes a legacy `{command,args}` spec into the
// tagged stdio form. A spec that already carries a transport is untouched.
func coerceLegacyTransport(s *ServerSpec) {
	if s.Transport != nil {
		if s.Transport.Type == "" && s.Transport.Command != "" {
			s.Transport.Type = TransportStdio
		}
		return
	}
	if s.Command == "" {
		return
	}
	s.Transport = &TransportDescriptor{
		Type:    TransportStdio,
		Command: s.Command,
		Args:    s.Args,
		Env:     s.Env,
		Cwd:     s.Cwd,
	}
}

// applyDefaults fills in absent numeric knobs.
func applyDefaults(c *Config) {
	if c.Settings.MaxConcurrentConnections <= 0 {
		c.Settings.MaxConcurrentConnections = DefaultMaxConcurrentConnections
	}
	if c.Settings.HealthCheckIntervalMs <= 0 {
		c.Settings.HealthCheckIntervalMs = DefaultHealthCheckIntervalMs
	}
	for _, s := range c.Servers {
		if s.ConnectTimeoutMs <= 0 {
			s.ConnectTimeoutMs = DefaultConnectTimeoutMs
		}
		if s.RetryAttempts <= 0 {
			s.RetryAttempts = DefaultRetryAttempts
		}
		if s.RetryDelayMs <= 0 {
			s.RetryDelayMs = DefaultRetryDelayMs
		}
	}
	if c.Payment != nil && c.Payment.OutboundMaxValue == "" {
		c.Payment.OutboundMaxValue = "$1.00"
	}
}

// Validate checks the configuration and returns every problem found rather
// than stopping at the first. Transport-level field checks live in the
// transport factory; this covers the cross-cutting rules.
func (c *Config) Validate() []error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, &ValidationError{Field: "name", Message: "is required"})
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		field := fmt.Sprintf("servers[%d]", i)
		if s.ID == "" {
			errs = append(errs, &ValidationError{Field: field + ".id", Message: "is required"})
		} else if seen[s.ID] {
			errs = append(errs, &ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate id %q", s.ID)})
		} else {
			seen[s.ID] = true
		}

		if s.Namespace != "" && !namespaceRe.MatchString(s.Namespace) {
			errs = append(errs, &ValidationError{Field: field + ".namespace", Message: fmt.Sprintf("%q does not match [A-Za-z][A-Za-z0-9_-]*", s.Namespace)})
		}

		if s.Transport == nil {
			errs = append(errs, &ValidationError{Field: field + ".transport", Message: "is required (or legacy command/args)"})
		}

		switch s.Payment.ModeOrNone() {
		case PaymentModeNone, PaymentModePassthrough, PaymentModeAbsorb:
		case PaymentModeMarkup:
			if s.Payment.Markup == "" {
				errs = append(errs, &ValidationError{Field: field + ".payment.markup", Message: "is required when mode=markup"})
			}
		default:
			errs = append(errs, &ValidationError{Field: field + ".payment.mode", Message: fmt.Sprintf("unknown mode %q", s.Payment.Mode)})
		}
	}

	if p := c.Payment; p != nil && p.Enabled {
		if p.Recipient == "" {
			errs = append(errs, &ValidationError{Field: "payment.recipient", Message: "is required when payment is enabled"})
		}
		if p.FacilitatorURL == "" {
			errs = append(errs, &ValidationError{Field: "payment.facilitatorUrl", Message: "is required when payment is enabled"})
		}
		for i, k := range p.APIKeys {
			if k.Key == "" {
				errs = append(errs, &ValidationError{Field: fmt.Sprintf("payment.apiKeys[%d].key", i), Message: "is required"})
			}
			if k.Tier == "" {
				errs = append(errs, &ValidationError{Field: fmt.Sprintf("payment.apiKeys[%d].tier", i), Message: "is required"})
			}
		}
	}

	return errs
}
