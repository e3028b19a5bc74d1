// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatype defines the semantic data types that analytical tools
// consume and produce.
//
// Data types name payload shapes ("raw text", "extracted entities", "graph
// structure"), not Go types. They are the vocabulary of the transformation
// matrix: a tool chain is valid when each tool's declared output type equals
// the next tool's input type.
//
// Thread Safety:
//
//	Registry is immutable after Build() and safe for concurrent reads.
package datatype

import (
	"fmt"
	"sort"
)

// DataType identifies a semantic payload shape.
type DataType string

// Built-in data types covering the standard analytical flow from raw
// input through extraction to structural analyses and reporting.
const (
	// FileIn is a path or handle to an input file.
	FileIn DataType = "file_in"

	// RawText is unstructured text content.
	RawText DataType = "raw_text"

	// ExtractedData is structured records extracted from text
	// (entities, relationships, attributes).
	ExtractedData DataType = "extracted_data"

	// GraphStructure is a node/edge graph built from extracted data.
	GraphStructure DataType = "graph_structure"

	// Table is tabular, row/column shaped data.
	Table DataType = "table"

	// VectorEmbedding is a dense vector representation.
	VectorEmbedding DataType = "vector_embedding"

	// BeliefEvidence is evidence carrying belief masses, produced by
	// uncertainty-aware analyses.
	BeliefEvidence DataType = "belief_evidence"

	// Report is a final human-readable analysis product.
	Report DataType = "report"
)

// Registry enumerates the known data types.
//
// Description:
//
//	Registry is static configuration: it is assembled once at startup via
//	a Builder and read-only thereafter. Tool capabilities that reference
//	unknown data types are rejected at registration time.
type Registry struct {
	types map[DataType]string // type → description
}

// Builder assembles a Registry.
//
// Builder is NOT safe for concurrent use. Build the registry in a single
// goroutine during startup.
type Builder struct {
	types  map[DataType]string
	errors []error
}

// NewBuilder creates a Builder pre-populated with the built-in types.
func NewBuilder() *Builder {
	b := &Builder{types: make(map[DataType]string)}
	for dt, desc := range builtinTypes {
		b.types[dt] = desc
	}
	return b
}

// Register adds a data type with a human-readable description.
// Re-registering an existing type is recorded as an error and surfaced
// by Build.
func (b *Builder) Register(dt DataType, description string) *Builder {
	if dt == "" {
		b.errors = append(b.errors, fmt.Errorf("data type must not be empty"))
		return b
	}
	if _, exists := b.types[dt]; exists {
		b.errors = append(b.errors, fmt.Errorf("data type %q already registered", dt))
		return b
	}
	b.types[dt] = description
	return b
}

// Build validates and constructs the Registry.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	types := make(map[DataType]string, len(b.types))
	for dt, desc := range b.types {
		types[dt] = desc
	}
	return &Registry{types: types}, nil
}

// Default returns a Registry containing only the built-in types.
func Default() *Registry {
	reg, err := NewBuilder().Build()
	if err != nil {
		// Builtin table is internally consistent; this cannot happen.
		panic(err)
	}
	return reg
}

// Known reports whether the data type is registered.
func (r *Registry) Known(dt DataType) bool {
	_, ok := r.types[dt]
	return ok
}

// Description returns the description for a registered type.
func (r *Registry) Description(dt DataType) (string, bool) {
	desc, ok := r.types[dt]
	return desc, ok
}

// List returns all registered types in lexicographic order.
func (r *Registry) List() []DataType {
	out := make([]DataType, 0, len(r.types))
	for dt := range r.types {
		out = append(out, dt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.types)
}

var builtinTypes = map[DataType]string{
	FileIn:          "path or handle to an input file",
	RawText:         "unstructured text content",
	ExtractedData:   "structured records extracted from text",
	GraphStructure:  "node/edge graph built from extracted data",
	Table:           "tabular row/column data",
	VectorEmbedding: "dense vector representation",
	BeliefEvidence:  "evidence carrying belief masses",
	Report:          "final human-readable analysis product",
}
