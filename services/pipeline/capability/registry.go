// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/concordance-ai/concordance/pkg/validation"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
)

// Sentinel errors for tool registration and lookup.
var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidTool   = errors.New("invalid tool")
	ErrUnknownType   = errors.New("transformation names unknown data type")
)

// Registry holds registered tools keyed by id. An explicit object, created
// at startup and passed to whoever needs it; there is no package-level
// default.
//
// Thread Safety:
//
//	Safe for concurrent use. Registration normally happens once at startup,
//	but hot reload may re-register, so all access is lock-guarded.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	types *datatype.Registry
}

// NewRegistry creates a Registry validating transformations against the
// given data type registry.
func NewRegistry(types *datatype.Registry) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		types: types,
	}
}

// Register adds a tool. The tool id must be valid, unused, and every
// transformation must name known data types.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidTool)
	}
	cap := tool.Capability()
	if err := validation.ValidateToolID(cap.ToolID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTool, err)
	}
	if tool.ID() != cap.ToolID {
		return fmt.Errorf("%w: tool id %q disagrees with capability id %q",
			ErrInvalidTool, tool.ID(), cap.ToolID)
	}
	if len(cap.Transformations) == 0 {
		return fmt.Errorf("%w: tool %q declares no transformations", ErrInvalidTool, cap.ToolID)
	}
	for i, tr := range cap.Transformations {
		if !r.types.Known(tr.Input) {
			return fmt.Errorf("%w: tool %q transformation %d input %q",
				ErrUnknownType, cap.ToolID, i, tr.Input)
		}
		if !r.types.Known(tr.Output) {
			return fmt.Errorf("%w: tool %q transformation %d output %q",
				ErrUnknownType, cap.ToolID, i, tr.Output)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[cap.ToolID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, cap.ToolID)
	}
	r.tools[cap.ToolID] = tool
	return nil
}

// Get returns the tool with the given id.
func (r *Registry) Get(id string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, id)
	}
	return tool, nil
}

// Capabilities returns all registered capabilities ordered by tool id.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Capability())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Types returns the data type registry tools were validated against.
func (r *Registry) Types() *datatype.Registry {
	return r.types
}
