// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/concordance-ai/concordance/services/pipeline/datatype"
	"github.com/concordance-ai/concordance/services/pipeline/matrix"
)

var pathsMax int

// pathsCmd lists transformation paths between two data types.
//
// Examples:
//
//	concord paths file_in graph_structure
//	concord paths raw_text table --max 5
var pathsCmd = &cobra.Command{
	Use:   "paths <start> <goal>",
	Short: "Find tool chains from one data type to another",
	Args:  cobra.ExactArgs(2),
	RunE:  runPathsCommand,
}

func init() {
	pathsCmd.Flags().IntVar(&pathsMax, "max", matrix.DefaultMaxPaths,
		"Maximum number of paths to return")
}

func runPathsCommand(cmd *cobra.Command, args []string) error {
	manager, err := loadRegistry(cmd)
	if err != nil {
		return err
	}

	paths, err := matrix.New(manager.Registry()).FindAllPaths(
		datatype.DataType(args[0]), datatype.DataType(args[1]), pathsMax)
	if err != nil {
		return err
	}

	for i, path := range paths {
		fmt.Printf("%2d. cost=%-3d %s\n", i+1, path.TotalCost, strings.Join(path.ToolIDs(), " -> "))
	}
	return nil
}
