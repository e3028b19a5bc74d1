// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dag

import (
	"errors"
	"fmt"
)

// Sentinel errors for plan validation and execution.
var (
	ErrNilContext   = errors.New("context must not be nil")
	ErrInvalidPlan  = errors.New("invalid plan")
	ErrUnknownRef   = errors.New("reference to unknown node")
	ErrCycle        = errors.New("plan contains a dependency cycle")
	ErrNoProgress   = errors.New("no nodes ready and none running")
	ErrNodeTimeout  = errors.New("node execution timed out")
	ErrRunCancelled = errors.New("run cancelled")
)

// ToolExecutionError wraps a tool failure with the node and tool that
// produced it. The store is untouched for the failed node.
type ToolExecutionError struct {
	NodeID string
	ToolID string
	Err    error
}

// Error returns the error message.
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("node %q (tool %q): %v", e.NodeID, e.ToolID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}
