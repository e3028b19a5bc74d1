// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dag plans and executes tool invocation graphs. A plan arrives
// from outside (a planner, a CLI user, an HTTP client) and is untrusted:
// it is fully validated against the registry and transformation matrix
// before any tool runs.
package dag

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/concordance-ai/concordance/pkg/validation"
	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
)

// JoinKind declares how a multi-dependency node combines its inherited
// uncertainties.
type JoinKind string

// Join kinds. Empty means the node is not a declared join: a single
// upstream combines sequentially, multiple upstreams default to parallel.
const (
	JoinNone      JoinKind = ""
	JoinAggregate JoinKind = "aggregate"
	JoinParallel  JoinKind = "parallel"
)

// DefaultNodeTimeout bounds one tool invocation.
const DefaultNodeTimeout = 2 * time.Minute

// MaxRetries caps per-node retry attempts.
const MaxRetries = 5

// NodeSpec is one tool invocation in a plan.
type NodeSpec struct {
	// NodeID names the node and the stage its output becomes.
	NodeID string `json:"node_id" yaml:"node_id" validate:"required"`

	// ToolID selects the registered tool to invoke.
	ToolID string `json:"tool_id" yaml:"tool_id" validate:"required"`

	// InputRefs maps the tool's input names to "$node" or "$node.field"
	// references against earlier stages, or to source stage references.
	InputRefs map[string]string `json:"input_refs,omitempty" yaml:"input_refs,omitempty" validate:"dive,required"`

	// Parameters are literal parameter values for the tool.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Join declares the uncertainty combination mode for multi-input nodes.
	Join JoinKind `json:"join,omitempty" yaml:"join,omitempty" validate:"omitempty,oneof=aggregate parallel"`

	// Timeout bounds the tool call. Zero uses DefaultNodeTimeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retries re-attempts a failed tool call. The stage is only added on
	// success, so retries never leave partial state behind.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty" validate:"gte=0,lte=5"`
}

// PlanSpec is a full DAG of tool invocations.
type PlanSpec struct {
	// Name labels the plan in logs and traces.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Nodes in any order; execution order comes from references.
	Nodes []NodeSpec `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
}

// Dependencies returns the distinct node names a node's references point
// at, ordered by input name so results are deterministic. Source stage
// names are included.
func (n NodeSpec) Dependencies() ([]string, error) {
	inputs := make([]string, 0, len(n.InputRefs))
	for input := range n.InputRefs {
		inputs = append(inputs, input)
	}
	sort.Strings(inputs)

	var deps []string
	seen := make(map[string]bool)
	for _, input := range inputs {
		node, _, err := validation.ParseRef(n.InputRefs[input])
		if err != nil {
			return nil, fmt.Errorf("node %q input %q: %w", n.NodeID, input, err)
		}
		if !seen[node] {
			seen[node] = true
			deps = append(deps, node)
		}
	}
	return deps, nil
}

// planValidator validates plan structure. One instance per process is
// enough; validator.Validate is concurrency-safe.
var planValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a plan against the tool registry before execution:
// structure, identifier syntax, reference targets, acyclicity, type
// adjacency, and provides/requires compatibility. sources names the
// externally supplied stages references may target, with their types.
func (p *PlanSpec) Validate(reg *capability.Registry, sources map[string]datatype.DataType) error {
	if err := planValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	producers := make(map[string]datatype.DataType, len(p.Nodes)+len(sources))
	provides := make(map[string][]string)
	for name, dt := range sources {
		if err := validation.ValidateStageName(name); err != nil {
			return fmt.Errorf("%w: source: %v", ErrInvalidPlan, err)
		}
		producers[name] = dt
	}

	specs := make(map[string]NodeSpec, len(p.Nodes))
	for _, n := range p.Nodes {
		if err := validation.ValidateStageName(n.NodeID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
		if _, dup := specs[n.NodeID]; dup {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidPlan, n.NodeID)
		}
		if _, clash := producers[n.NodeID]; clash {
			return fmt.Errorf("%w: node %q shadows a source stage", ErrInvalidPlan, n.NodeID)
		}
		specs[n.NodeID] = n
	}

	// Topological pass doubles as the cycle check: a node is placeable
	// once every reference target is placed.
	placed := 0
	for placed < len(p.Nodes) {
		progressed := false
		for _, n := range p.Nodes {
			if _, done := producers[n.NodeID]; done {
				continue
			}
			deps, err := n.Dependencies()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
			}
			ready := true
			for _, dep := range deps {
				if _, ok := producers[dep]; !ok {
					if _, isNode := specs[dep]; !isNode {
						return fmt.Errorf("%w: node %q references %q", ErrUnknownRef, n.NodeID, dep)
					}
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			outType, err := checkNode(reg, n, deps, producers, provides)
			if err != nil {
				return err
			}
			producers[n.NodeID] = outType
			placed++
			progressed = true
		}
		if !progressed {
			return ErrCycle
		}
	}
	return nil
}

// checkNode validates one placeable node: tool existence, input type
// adjacency, parameter values, and upstream feature requirements. Returns
// the node's output type.
func checkNode(
	reg *capability.Registry,
	n NodeSpec,
	deps []string,
	producers map[string]datatype.DataType,
	provides map[string][]string,
) (datatype.DataType, error) {
	tool, err := reg.Get(n.ToolID)
	if err != nil {
		return "", fmt.Errorf("node %q: %w", n.NodeID, err)
	}
	cap := tool.Capability()

	// Every referenced input must share one consumable type: a tool's
	// transformation consumes exactly one input type, and join nodes
	// combine same-typed branches.
	var tr capability.Transformation
	if len(deps) == 0 {
		if len(cap.Transformations) != 1 {
			return "", fmt.Errorf("%w: node %q has no inputs and tool %q offers %d transformations",
				ErrInvalidPlan, n.NodeID, n.ToolID, len(cap.Transformations))
		}
		tr = cap.Transformations[0]
	} else {
		inType := producers[deps[0]]
		var ok bool
		tr, ok = cap.TransformationFor(inType)
		if !ok {
			return "", fmt.Errorf("%w: node %q: tool %q cannot consume %q",
				ErrInvalidPlan, n.NodeID, n.ToolID, inType)
		}
		for _, dep := range deps[1:] {
			if producers[dep] != inType {
				return "", fmt.Errorf("%w: node %q mixes input types %q and %q",
					ErrInvalidPlan, n.NodeID, inType, producers[dep])
			}
		}
	}

	if err := tr.Params.ValidateParams(n.Parameters); err != nil {
		return "", fmt.Errorf("%w: node %q: %v", ErrInvalidPlan, n.NodeID, err)
	}

	for _, req := range tr.Params.Requires {
		for _, dep := range deps {
			upstream, tracked := provides[dep]
			if !tracked {
				// Source stages carry no feature contract.
				continue
			}
			if !containsString(upstream, req) {
				return "", fmt.Errorf("%w: node %q requires %q, not provided by %q",
					ErrInvalidPlan, n.NodeID, req, dep)
			}
		}
	}

	provides[n.NodeID] = tr.Params.EffectiveProvides(n.Parameters)
	return tr.Output, nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
