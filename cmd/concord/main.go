// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command concord is the Concordance pipeline CLI.
//
// It validates and runs analysis plans against the local capability
// registry, queries transformation paths, and inspects persisted run
// traces, all without a running server.
//
// Usage:
//
//	concord validate plan.yaml
//	concord run plan.yaml --input document.txt
//	concord paths file_in graph_structure
//	concord trace 1f0c2a9d3b4e --trace-dir /var/lib/concordance
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/concordance-ai/concordance/pkg/logging"
	"github.com/concordance-ai/concordance/services/pipeline/config"
	"github.com/concordance-ai/concordance/services/pipeline/tools"
)

var (
	capabilitiesPath string
	traceDir         string
)

var rootCmd = &cobra.Command{
	Use:   "concord",
	Short: "Concordance pipeline CLI",
	Long: `concord validates and executes analysis plans.

Every tool in a plan reports a belief mass over {support, reject,
uncertain}; concord propagates those masses along the plan's edges and
prints the final uncertainty with every result.`,
	SilenceUsage: true,
}

func main() {
	// CLI output goes to stdout; diagnostics stay on stderr.
	logger := logging.New(logging.Config{
		Level:   logging.LevelWarn,
		Service: "cli",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&capabilitiesPath, "capabilities",
		os.Getenv("CAPABILITIES_PATH"),
		"Capability YAML file (empty: embedded default)")
	rootCmd.PersistentFlags().StringVar(&traceDir, "trace-dir", "",
		"Trace store directory (empty: no persistence)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pathsCmd)
	rootCmd.AddCommand(traceCmd)
}

// loadRegistry builds the capability registry for the current invocation.
func loadRegistry(cmd *cobra.Command) (*config.Manager, error) {
	manager := config.NewManager(capabilitiesPath, tools.Builders(), slog.Default())
	if _, err := manager.Load(cmd.Context()); err != nil {
		return nil, err
	}
	return manager, nil
}
