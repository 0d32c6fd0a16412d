// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

// Package app assembles the gateway from its components and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elizaOS/mcp-gateway/pkg/config"
	"github.com/elizaOS/mcp-gateway/pkg/gateway"
	"github.com/elizaOS/mcp-gateway/pkg/logging"
	"github.com/elizaOS/mcp-gateway/pkg/payment"
	"github.com/elizaOS/mcp-gateway/pkg/registry"
	"github.com/elizaOS/mcp-gateway/pkg/transport"
	"github.com/elizaOS/mcp-gateway/pkg/upstream"
)

// ShutdownTimeout is the duration the server will wait for graceful shutdown.
var ShutdownTimeout = 5 * time.Second

// Options selects the serving mode and the configuration source.
type Options struct {
	ConfigPath string

	// Stdio serves MCP over stdin/stdout; otherwise the HTTP binding
	// listens on Port.
	Stdio bool
	Port  string

	// LogLevel and LogFormat override the configured settings when set.
	LogLevel  string
	LogFormat string
}

// Run loads the configuration, connects every upstream and serves until the
// context is canceled.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if errs := ValidateConfig(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid config %s: %w", opts.ConfigPath, errors.Join(errs...))
	}

	level := cfg.Settings.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	format := cfg.Settings.LogFormat
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logging.Init(logging.ParseLevel(level), os.Stderr, format)
	log := logging.Default()
	log.Info("Starting MCP gateway", "name", cfg.Name, "version", cfg.Version, "servers", len(cfg.Servers))

	factory := &transport.Factory{}
	var facilitator *payment.FacilitatorClient
	if p := cfg.Payment; p != nil {
		if p.FacilitatorURL != "" {
			facilitator = payment.NewFacilitatorClient(p.FacilitatorURL, nil)
		}
		if p.OutboundCredential != "" {
			signer, err := payment.NewSigner(p.OutboundCredential)
			if err != nil {
				return err
			}
			log.Info("Outbound payment signing enabled", "address", signer.Address(), "maxValue", p.OutboundMaxValue)
			factory.WrapHTTP = func(base http.RoundTripper) http.RoundTripper {
				return payment.NewTransport(base, signer, p.OutboundMaxValue, log)
			}
		}
	}
	mediator := payment.NewMediator(cfg.Payment, facilitator, log)

	manager := upstream.NewManager(factory, cfg.Settings.MaxConcurrentConnections, log)
	reg := registry.New(&cfg.Settings, log)
	gw := gateway.New(cfg.Name, cfg.Version, manager, reg, mediator, log)
	manager.OnHealthPass = func() { gw.RefreshRegistry(ctx) }

	manager.Initialize(ctx, cfg.Servers)
	defer manager.CloseAll()
	gw.RefreshRegistry(ctx)

	stats := reg.GetStats()
	log.Info("Registry populated", "tools", stats.Tools, "resources", stats.Resources, "prompts", stats.Prompts)

	go healthLoop(ctx, manager, cfg.Settings.HealthCheckIntervalMs)

	if opts.Stdio {
		return runStdioMode(ctx, gw)
	}
	return runHTTPMode(ctx, gw, opts.Port, log)
}

// ValidateConfig runs the cross-cutting config checks plus the per-server
// transport checks, returning every problem found.
func ValidateConfig(cfg *config.Config) []error {
	errs := cfg.Validate()
	for _, s := range cfg.Servers {
		errs = append(errs, transport.Validate(s)...)
	}
	return errs
}

// healthLoop probes all upstreams on the configured interval until the
// context is canceled.
func healthLoop(ctx context.Context, manager *upstream.Manager, intervalMs int) {
	if intervalMs <= 0 {
		intervalMs = config.DefaultHealthCheckIntervalMs
	}
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.HealthCheck(ctx)
		}
	}
}

// runStdioMode serves MCP over stdin/stdout, which is how desktop MCP
// clients launch the gateway.
var runStdioMode = func(ctx context.Context, gw *gateway.Gateway) error {
	logging.Default().Info("Starting in stdio mode")
	return gw.Server().Run(ctx, &mcp.StdioTransport{})
}

// runHTTPMode serves the HTTP binding and shuts it down gracefully when the
// context is canceled.
func runHTTPMode(ctx context.Context, gw *gateway.Gateway, port string, log *slog.Logger) error {
	if port == "" {
		port = "3000"
	}
	httpSrv := gateway.NewHTTPServer(gw, log)
	server := &http.Server{
		Addr:    ":" + port,
		Handler: httpSrv.Handler(),
	}

	errChan := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		log.Info("Received shutdown signal, shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown error", "error", err)
	}
	wg.Wait()
	return nil
}
