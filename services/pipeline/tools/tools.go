// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools implements the built-in analytical tools.
//
// Every tool reports honest assessment factors about its own run; there
// are no fallback outputs. A tool that cannot produce its declared output
// returns an error and the pipeline surfaces it.
package tools

import (
	"fmt"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/config"
)

// Builders returns the tool builders for the built-in tools, keyed by the
// ids the default capability file uses.
func Builders() map[string]config.ToolBuilder {
	return map[string]config.ToolBuilder{
		"file_reader": func(cap capability.Capability) (capability.Tool, error) {
			return &FileReader{cap: cap}, nil
		},
		"entity_extractor": func(cap capability.Capability) (capability.Tool, error) {
			return &EntityExtractor{cap: cap}, nil
		},
		"graph_builder": func(cap capability.Capability) (capability.Tool, error) {
			return &GraphBuilder{cap: cap}, nil
		},
		"table_aggregator": func(cap capability.Capability) (capability.Tool, error) {
			return &TableAggregator{cap: cap}, nil
		},
		"embedding_projector": func(cap capability.Capability) (capability.Tool, error) {
			return &EmbeddingProjector{cap: cap}, nil
		},
	}
}

// stringInput extracts a required string input.
func stringInput(inputs map[string]any, name string) (string, error) {
	value, ok := inputs[name]
	if !ok {
		return "", fmt.Errorf("missing required input %q", name)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("input %q: expected string, got %T", name, value)
	}
	return s, nil
}

// mapInput extracts a required map input.
func mapInput(inputs map[string]any, name string) (map[string]any, error) {
	value, ok := inputs[name]
	if !ok {
		return nil, fmt.Errorf("missing required input %q", name)
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("input %q: expected map, got %T", name, value)
	}
	return m, nil
}

// stringParam returns a string parameter or its default.
func stringParam(params map[string]any, name, fallback string) string {
	if v, ok := params[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// intParam returns an int parameter or its default. YAML and JSON decode
// numbers differently, so both int and float64 are accepted.
func intParam(params map[string]any, name string, fallback int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
