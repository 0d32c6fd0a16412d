// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

// Package main is the gateway CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/elizaOS/mcp-gateway/pkg/app"
	"github.com/elizaOS/mcp-gateway/pkg/config"
)

var version = "1.0.0"

// newRootCmd wires the serve, validate and version commands.
func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "mcp-gateway",
		Short:        "Aggregate multiple MCP servers behind one endpoint with x402 payment mediation.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gateway.config.json", "path to the gateway configuration file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newValidateCmd(&configPath))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return rootCmd
}

// newServeCmd connects every configured upstream and serves until
// interrupted.
func newServeCmd(configPath *string) *cobra.Command {
	opts := app.Options{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.ConfigPath = *configPath
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Stdio, "stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	cmd.Flags().StringVarP(&opts.Port, "port", "p", "3000", "HTTP listen port")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level (error|warn|info|debug)")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", "", "override the configured log format (text|json)")
	return cmd
}

// newValidateCmd checks a configuration file and reports every problem
// rather than stopping at the first.
func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a gateway configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if errs := app.ValidateConfig(cfg); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintln(cmd.ErrOrStderr(), e)
				}
				return fmt.Errorf("%s: %d problem(s) found", *configPath, len(errs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d servers)\n", *configPath, len(cfg.Servers))
			return nil
		},
	}
}

func main() {
	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
