// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/concordance-ai/concordance/services/pipeline/datatype"
)

// validateCmd checks a plan without executing it.
//
// Examples:
//
//	concord validate plan.yaml
//	concord validate plan.yaml --capabilities ./capabilities.yaml
var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml>",
	Short: "Validate a plan against the capability registry",
	Long: `Checks a plan's structure, type adjacency, parameter schemas and
cross-tool feature contracts without executing anything.

Source payloads are not required for validation; only source names and
data types matter.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidateCommand,
}

func runValidateCommand(cmd *cobra.Command, args []string) error {
	manager, err := loadRegistry(cmd)
	if err != nil {
		return err
	}

	plan, sources, err := readPlanFile(args[0], "")
	if err != nil {
		return err
	}

	sourceTypes := make(map[string]datatype.DataType, len(sources))
	for _, s := range sources {
		sourceTypes[s.Name] = s.DataType
	}
	if err := plan.Validate(manager.Registry(), sourceTypes); err != nil {
		fmt.Printf("invalid: %v\n", err)
		return err
	}
	fmt.Printf("valid: %d nodes, %d sources\n", len(plan.Nodes), len(sources))
	return nil
}
