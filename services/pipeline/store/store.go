// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the append-only pipeline stage store.
//
// A Stage is one named, typed, immutable unit of pipeline output. Stages
// accumulate in a Pipeline so downstream tools can read any prior stage, not
// only their immediate predecessor. Because a stage's dependencies must
// already exist when it is added, the dependency graph is acyclic by
// construction: no backward edge can ever be created.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/concordance-ai/concordance/pkg/validation"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

// Sentinel errors for the store package.
var (
	// ErrDuplicateStage is returned when re-adding an existing stage name.
	// There is no silent overwrite: iterative refinement picks a new,
	// versioned name instead.
	ErrDuplicateStage = errors.New("stage with this name already exists")

	// ErrStageNotFound is returned when a referenced stage doesn't exist.
	ErrStageNotFound = errors.New("stage not found")

	// ErrInvalidStage is returned when a stage fails validation.
	ErrInvalidStage = errors.New("invalid stage")
)

// MissingDependencyError reports dependencies that do not exist at
// add-time.
type MissingDependencyError struct {
	StageName string
	Missing   []string
}

// Error returns the error message.
func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("stage %q: missing dependencies %v", e.StageName, e.Missing)
}

// Stage is one named, typed, immutable unit of pipeline output.
//
// Once added to a Pipeline a Stage is never mutated; a re-run of the
// producing tool adds a new, distinctly named stage, which keeps lineage
// intact across retries.
type Stage struct {
	// Name uniquely identifies the stage within its pipeline.
	Name string `json:"name"`

	// DataType is the semantic type of the payload.
	DataType datatype.DataType `json:"data_type"`

	// Payload is the tool output. Opaque to the store.
	Payload any `json:"payload,omitempty"`

	// ProducingTool is the id of the tool that produced the payload.
	ProducingTool string `json:"producing_tool"`

	// Dependencies are the names of stages this stage was computed from.
	Dependencies []string `json:"dependencies"`

	// Uncertainty is the assessment attached to the payload. Nil only
	// for externally injected source stages (e.g. the initial input).
	Uncertainty *uncertainty.ToolUncertainty `json:"uncertainty,omitempty"`

	// CreatedAt is when the stage was added.
	CreatedAt time.Time `json:"created_at"`
}

// AuditSink receives accepted stages for durable append-only logging.
// The trace package provides a Badger-backed implementation.
type AuditSink interface {
	AppendStage(stage *Stage) error
}

// Pipeline is the append-only accumulation store for one DAG run.
//
// Description:
//
//	Pipeline keys stages by name with O(1) lookup. AddStage is the sole
//	mutation point and is serialized by a single writer lock; reads of
//	already-materialized stages take the read lock only to fetch the
//	pointer, since stages are immutable once added.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent branches may race to add distinct
//	stages; the lock keeps the name→stage map consistent.
type Pipeline struct {
	mu     sync.RWMutex
	stages map[string]*Stage
	order  []string // insertion order, for deterministic listing

	logger *slog.Logger
	audit  AuditSink
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Nil uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithAuditSink attaches a durable append-only audit sink. Every accepted
// stage is forwarded to the sink; sink failures are logged, not fatal,
// since the in-memory store remains authoritative for the run.
func WithAuditSink(sink AuditSink) Option {
	return func(p *Pipeline) {
		p.audit = sink
	}
}

// NewPipeline creates an empty Pipeline.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		stages: make(map[string]*Stage),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddStage appends a new stage.
//
// Description:
//
//	Validates the name, requires every dependency to already exist, and
//	rejects duplicate names. The add is atomic: on any error the store is
//	unchanged.
//
// Inputs:
//
//	stage - The stage to add. Name, DataType and ProducingTool required.
//
// Outputs:
//
//	error - ErrDuplicateStage, *MissingDependencyError, or ErrInvalidStage.
func (p *Pipeline) AddStage(stage *Stage) error {
	if stage == nil {
		return fmt.Errorf("%w: nil stage", ErrInvalidStage)
	}
	if err := validation.ValidateStageName(stage.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStage, err)
	}
	if stage.DataType == "" {
		return fmt.Errorf("%w: stage %q has no data type", ErrInvalidStage, stage.Name)
	}
	if stage.ProducingTool == "" {
		return fmt.Errorf("%w: stage %q has no producing tool", ErrInvalidStage, stage.Name)
	}
	if stage.Uncertainty != nil {
		if err := stage.Uncertainty.Validate(); err != nil {
			return fmt.Errorf("%w: stage %q uncertainty: %v", ErrInvalidStage, stage.Name, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.stages[stage.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateStage, stage.Name)
	}

	var missing []string
	for _, dep := range stage.Dependencies {
		if _, ok := p.stages[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingDependencyError{StageName: stage.Name, Missing: missing}
	}

	if stage.CreatedAt.IsZero() {
		stage.CreatedAt = time.Now()
	}
	p.stages[stage.Name] = stage
	p.order = append(p.order, stage.Name)

	p.logger.Debug("stage added",
		slog.String("stage", stage.Name),
		slog.String("data_type", string(stage.DataType)),
		slog.String("tool", stage.ProducingTool),
		slog.Int("deps", len(stage.Dependencies)),
	)

	if p.audit != nil {
		if err := p.audit.AppendStage(stage); err != nil {
			p.logger.Warn("stage audit append failed",
				slog.String("stage", stage.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// GetStage returns a stage by name.
func (p *Pipeline) GetStage(name string) (*Stage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stage, ok := p.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStageNotFound, name)
	}
	return stage, nil
}

// HasStage reports whether a stage exists.
func (p *Pipeline) HasStage(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.stages[name]
	return ok
}

// Names returns all stage names in insertion order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Lineage returns the full ancestry of a stage: the stage itself followed
// by its dependencies in reverse-BFS order. Each ancestor appears once,
// at its first (shallowest) discovery depth; ties within a depth are
// lexicographic for determinism.
func (p *Pipeline) Lineage(name string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	start, ok := p.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStageNotFound, name)
	}

	visited := map[string]bool{name: true}
	result := []string{name}
	frontier := append([]string(nil), start.Dependencies...)

	for len(frontier) > 0 {
		sort.Strings(frontier)
		var next []string
		for _, dep := range frontier {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			result = append(result, dep)
			// Dependencies pre-exist by the add-time invariant.
			if s, ok := p.stages[dep]; ok {
				next = append(next, s.Dependencies...)
			}
		}
		frontier = next
	}
	return result, nil
}
