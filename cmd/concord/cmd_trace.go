// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/concordance-ai/concordance/services/pipeline/trace"
)

var traceJSONOutput bool

// traceCmd inspects a persisted run trace.
//
// Examples:
//
//	concord trace --trace-dir ./traces            # list runs
//	concord trace 1f0c2a9d3b4e --trace-dir ./traces
var traceCmd = &cobra.Command{
	Use:   "trace [run-id]",
	Short: "List persisted runs or show one run's uncertainty trace",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTraceCommand,
}

func init() {
	traceCmd.Flags().BoolVar(&traceJSONOutput, "json", false,
		"Print the full trace as JSON")
}

func runTraceCommand(cmd *cobra.Command, args []string) error {
	if traceDir == "" {
		return fmt.Errorf("--trace-dir is required for trace inspection")
	}
	store, err := trace.NewStore(trace.DefaultConfig(traceDir))
	if err != nil {
		return fmt.Errorf("opening trace store: %w", err)
	}
	defer store.Close()

	if len(args) == 0 {
		runs, err := store.ListRuns()
		if err != nil {
			return err
		}
		for _, id := range runs {
			fmt.Println(id)
		}
		return nil
	}

	runTrace, err := store.GetTrace(args[0])
	if err != nil {
		return err
	}

	if traceJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runTrace)
	}

	fmt.Printf("run %s: %s\n", runTrace.RunID, runTrace.Status)
	if runTrace.Error != "" {
		fmt.Printf("error: %s\n", runTrace.Error)
	}
	m := runTrace.FinalUncertainty
	fmt.Printf("final: support=%.3f reject=%.3f uncertain=%.3f\n", m.Support, m.Reject, m.Uncertain)
	fmt.Println("nodes:")
	for _, node := range runTrace.Nodes {
		fmt.Printf("  %-20s %-18s score=%.3f conflict=%.3f %s/%s\n",
			node.NodeID, node.ToolID, node.Score, node.Conflict,
			node.PropagationType, node.CombinationMethod)
		if node.Error != "" {
			fmt.Printf("    error: %s\n", node.Error)
		}
	}
	return nil
}
