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
	"time"

	"github.com/spf13/cobra"

	"github.com/concordance-ai/concordance/services/pipeline/dag"
	"github.com/concordance-ai/concordance/services/pipeline/trace"
)

var (
	runInputPath  string
	runJSONOutput bool
)

// runCmd executes a plan and prints the result with its uncertainty.
//
// Examples:
//
//	concord run plan.yaml --input report.txt
//	concord run plan.yaml --json | jq .final_uncertainty
//	concord run plan.yaml --trace-dir ./traces
var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a plan and report its result with uncertainty",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunCommand,
}

func init() {
	runCmd.Flags().StringVarP(&runInputPath, "input", "i", "",
		"File bound to the plan's unbound file_in source")
	runCmd.Flags().BoolVar(&runJSONOutput, "json", false,
		"Print the full result as JSON")
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	manager, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	plan, sources, err := readPlanFile(args[0], runInputPath)
	if err != nil {
		return err
	}
	if err := requirePayloads(sources); err != nil {
		return err
	}

	opts := []dag.ExecutorOption{}
	if traceDir != "" {
		store, err := trace.NewStore(trace.DefaultConfig(traceDir))
		if err != nil {
			return fmt.Errorf("opening trace store: %w", err)
		}
		defer store.Close()
		opts = append(opts, dag.WithTraceStore(store))
	}
	exec, err := dag.NewExecutor(manager.Registry(), opts...)
	if err != nil {
		return err
	}

	result, runTrace, runErr := exec.Run(cmd.Context(), plan, sources)
	if result == nil {
		return runErr
	}

	if runJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printRunSummary(result, runTrace)
	}

	if result.Status != trace.StatusCompleted {
		return fmt.Errorf("run %s: %s", result.RunID, result.Status)
	}
	return nil
}

func printRunSummary(result *dag.Result, runTrace *trace.RunTrace) {
	fmt.Printf("run %s: %s (%d nodes, %s)\n",
		result.RunID, result.Status, result.NodesExecuted, result.Duration.Round(time.Millisecond))
	if result.Error != "" {
		fmt.Printf("error: %s\n", result.Error)
	}
	if result.OutputStage != "" {
		m := result.FinalUncertainty
		fmt.Printf("output stage %q  support=%.3f reject=%.3f uncertain=%.3f\n",
			result.OutputStage, m.Support, m.Reject, m.Uncertain)
	}
	if runTrace == nil || len(runTrace.CriticalUncertainties) == 0 {
		return
	}
	fmt.Println("critical uncertainties:")
	for i, node := range runTrace.CriticalUncertainties {
		if i == 3 {
			break
		}
		fmt.Printf("  %-20s score=%.3f (%s via %s)\n",
			node.NodeID, node.Score, node.PropagationType, node.CombinationMethod)
	}
}
