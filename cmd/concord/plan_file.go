// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/concordance-ai/concordance/services/pipeline/dag"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
)

// planFile is the on-disk plan format: the plan nodes plus the source
// stages they read from.
//
// Example:
//
//	name: document_analysis
//	sources:
//	  - name: document
//	    data_type: file_in
//	nodes:
//	  - node_id: read
//	    tool_id: file_reader
//	    input_refs: {file: $document.path}
//	  - node_id: extract
//	    tool_id: entity_extractor
//	    input_refs: {text: $read}
type planFile struct {
	Name    string         `yaml:"name"`
	Sources []sourceEntry  `yaml:"sources"`
	Nodes   []dag.NodeSpec `yaml:"nodes"`
}

type sourceEntry struct {
	Name     string `yaml:"name"`
	DataType string `yaml:"data_type"`
	Payload  any    `yaml:"payload,omitempty"`
}

// readPlanFile loads and decodes a plan file. inputPath, when non-empty,
// fills the payload of the single file_in source that has none; this is
// how `concord run plan.yaml --input doc.txt` binds a document to a plan
// written without hardcoded paths.
func readPlanFile(path, inputPath string) (*dag.PlanSpec, []dag.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading plan: %w", err)
	}
	var file planFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(file.Sources) == 0 {
		return nil, nil, fmt.Errorf("plan declares no sources")
	}

	sources := make([]dag.Source, len(file.Sources))
	unboundFileIn := -1
	for i, s := range file.Sources {
		sources[i] = dag.Source{
			Name:     s.Name,
			DataType: datatype.DataType(s.DataType),
			Payload:  normalizeYAML(s.Payload),
		}
		if s.DataType == string(datatype.FileIn) && s.Payload == nil {
			if unboundFileIn >= 0 {
				unboundFileIn = -2
			} else if unboundFileIn == -1 {
				unboundFileIn = i
			}
		}
	}
	if inputPath != "" {
		switch unboundFileIn {
		case -1:
			return nil, nil, fmt.Errorf("--input given but every file_in source already has a payload")
		case -2:
			return nil, nil, fmt.Errorf("--input is ambiguous: multiple unbound file_in sources")
		default:
			sources[unboundFileIn].Payload = map[string]any{"path": inputPath}
		}
	}

	plan := &dag.PlanSpec{Name: file.Name, Nodes: file.Nodes}
	return plan, sources, nil
}

// requirePayloads rejects sources left unbound after flag resolution.
// Validation tolerates them; execution cannot.
func requirePayloads(sources []dag.Source) error {
	for _, s := range sources {
		if s.Payload == nil {
			return fmt.Errorf("source %q has no payload (use --input for file_in sources)", s.Name)
		}
	}
	return nil
}

// normalizeYAML rewrites yaml.v3's map[any]any trees into the
// map[string]any form the executor's field references expect.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}
