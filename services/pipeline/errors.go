// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"errors"
	"net/http"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/dag"
	"github.com/concordance-ai/concordance/services/pipeline/matrix"
	"github.com/concordance-ai/concordance/services/pipeline/trace"
)

// statusForError maps engine errors onto HTTP status and error codes.
// Anything unrecognized is a 500.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, dag.ErrInvalidPlan),
		errors.Is(err, dag.ErrUnknownRef),
		errors.Is(err, dag.ErrCycle):
		return http.StatusBadRequest, "INVALID_PLAN"
	case errors.Is(err, matrix.ErrUnknownDataType),
		errors.Is(err, capability.ErrUnknownType):
		return http.StatusBadRequest, "UNKNOWN_DATA_TYPE"
	case errors.Is(err, matrix.ErrNoPath):
		return http.StatusNotFound, "NO_PATH"
	case errors.Is(err, capability.ErrToolNotFound):
		return http.StatusNotFound, "TOOL_NOT_FOUND"
	case errors.Is(err, trace.ErrTraceNotFound):
		return http.StatusNotFound, "TRACE_NOT_FOUND"
	case errors.Is(err, dag.ErrRunCancelled):
		return http.StatusRequestTimeout, "RUN_CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
