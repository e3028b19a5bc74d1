// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package capability defines the tool contract: what a tool is, what typed
// transformations it offers, and how its parameter schema constrains
// chaining. Tools are opaque functions behind declared type signatures;
// everything the planner and matrix need to know about a tool lives in its
// Capability.
package capability

import (
	"context"
	"fmt"

	"github.com/concordance-ai/concordance/services/pipeline/datatype"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

// CostTier is a coarse relative execution-cost hint used for path ranking.
type CostTier int

// Cost tiers, cheapest first.
const (
	CostCheap CostTier = iota + 1
	CostModerate
	CostExpensive
)

// QualityTier is a coarse output-quality hint.
type QualityTier int

// Quality tiers, lowest first.
const (
	QualityDraft QualityTier = iota + 1
	QualityStandard
	QualityHigh
)

// ParamSpec describes one declared tool parameter.
type ParamSpec struct {
	// Type is the parameter's value type: "string", "int", "float", "bool".
	Type string `json:"type" yaml:"type"`

	// Enum, when non-empty, restricts string values to this set.
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty"`

	// Default is the value used when the parameter is omitted.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`

	// Provides maps enum values to feature flags the output then carries.
	// A value absent from this map provides the schema-level Provides set
	// unchanged.
	ProvidesByValue map[string][]string `json:"provides_by_value,omitempty" yaml:"provides_by_value,omitempty"`
}

// ParamSchema declares a transformation's parameters and its feature-flag
// contract. Provides lists features the output payload carries by default;
// Requires lists features the input payload must carry. Chain validation
// matches one tool's effective provides against the next tool's requires.
type ParamSchema struct {
	Params   map[string]ParamSpec `json:"params,omitempty" yaml:"params,omitempty"`
	Provides []string             `json:"provides,omitempty" yaml:"provides,omitempty"`
	Requires []string             `json:"requires,omitempty" yaml:"requires,omitempty"`
}

// EffectiveProvides returns the feature flags the output carries given the
// actual parameter values. A parameter value listed in a ProvidesByValue map
// replaces the schema default entirely: an extractor in entity_only mode
// provides "entities" but not "relationships".
func (s ParamSchema) EffectiveProvides(params map[string]any) []string {
	for name, spec := range s.Params {
		if len(spec.ProvidesByValue) == 0 {
			continue
		}
		value := params[name]
		if value == nil {
			value = spec.Default
		}
		str, ok := value.(string)
		if !ok {
			continue
		}
		if provided, ok := spec.ProvidesByValue[str]; ok {
			return provided
		}
	}
	return s.Provides
}

// ValidateParams checks supplied parameter values against the schema:
// unknown names and out-of-enum values are rejected.
func (s ParamSchema) ValidateParams(params map[string]any) error {
	for name, value := range params {
		spec, ok := s.Params[name]
		if !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
		if len(spec.Enum) > 0 {
			str, ok := value.(string)
			if !ok {
				return fmt.Errorf("parameter %q: expected string, got %T", name, value)
			}
			if !contains(spec.Enum, str) {
				return fmt.Errorf("parameter %q: value %q not in %v", name, str, spec.Enum)
			}
		}
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Transformation is one typed edge a tool offers: it consumes Input and
// produces Output under the declared parameter schema.
type Transformation struct {
	Input  datatype.DataType `json:"input" yaml:"input"`
	Output datatype.DataType `json:"output" yaml:"output"`
	Params ParamSchema       `json:"params,omitempty" yaml:"params,omitempty"`
}

// Capability is a tool's full self-declaration. Loaded once at startup and
// read-only thereafter.
type Capability struct {
	// ToolID identifies the tool. Lowercase, stable across versions.
	ToolID string `json:"tool_id" yaml:"tool_id"`

	// Transformations the tool offers. At least one.
	Transformations []Transformation `json:"transformations" yaml:"transformations"`

	// CostTier is the relative execution-cost hint for path ranking.
	CostTier CostTier `json:"cost_tier" yaml:"cost_tier"`

	// QualityTier is the relative output-quality hint.
	QualityTier QualityTier `json:"quality_tier" yaml:"quality_tier"`

	// FactorTemplate names the assessment factors the tool reports,
	// e.g. ["data_coverage", "extraction_confidence"].
	FactorTemplate []string `json:"factor_template,omitempty" yaml:"factor_template,omitempty"`

	// TheoryCompatibility names the analytical theories the tool's output
	// is meaningful for. Advisory only.
	TheoryCompatibility []string `json:"theory_compatibility,omitempty" yaml:"theory_compatibility,omitempty"`
}

// TransformationFor returns the transformation consuming the given input
// type, or false when the tool offers none.
func (c Capability) TransformationFor(input datatype.DataType) (Transformation, bool) {
	for _, tr := range c.Transformations {
		if tr.Input == input {
			return tr, true
		}
	}
	return Transformation{}, false
}

// Output is what a tool returns from Execute: the payload plus the honest
// assessment factors describing how the run went. Factors feed the
// assessor; a tool that cannot report them is a tool whose uncertainty
// cannot be tracked.
type Output struct {
	Payload any
	Factors []uncertainty.AssessmentFactor
}

// Tool is the contract every analytical tool implements. Execute receives
// already-resolved inputs keyed by the parameter names its transformation
// declares, and must honor ctx cancellation.
type Tool interface {
	ID() string
	Capability() Capability
	Execute(ctx context.Context, inputs map[string]any, params map[string]any) (*Output, error)
}
