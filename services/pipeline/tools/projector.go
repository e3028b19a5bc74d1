// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

// EmbeddingProjector projects text into a deterministic feature-hashed
// vector. The projection is a stand-in for model embeddings: same text,
// same vector, no external calls.
//
// Inputs:
//   - text: the text to embed, plain string or reader payload.
//
// Parameters:
//   - dimensions: vector width (default 64, max 1024).
type EmbeddingProjector struct {
	cap capability.Capability
}

func (t *EmbeddingProjector) ID() string                        { return t.cap.ToolID }
func (t *EmbeddingProjector) Capability() capability.Capability { return t.cap }

func (t *EmbeddingProjector) Execute(ctx context.Context, inputs map[string]any, params map[string]any) (*capability.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := textInput(inputs, "text")
	if err != nil {
		return nil, err
	}
	dims := intParam(params, "dimensions", 64)
	if dims < 2 || dims > 1024 {
		return nil, fmt.Errorf("dimensions must be in [2,1024], got %d", dims)
	}

	tokens := strings.Fields(strings.ToLower(text))
	vector := make([]float64, dims)
	for _, token := range tokens {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(dims))
		sign := 1.0
		if (sum>>32)&1 == 1 {
			sign = -1.0
		}
		vector[idx] += sign
	}
	var norm float64
	for _, v := range vector {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vector {
			vector[i] /= norm
		}
	}

	tokenCoverage := 1.0
	if len(tokens) == 0 {
		tokenCoverage = 0
	} else if len(tokens) < dims/4 {
		// Short texts underfill the hash space; the projection is still
		// deterministic but distances mean less.
		tokenCoverage = float64(len(tokens)) / float64(dims/4)
	}

	return &capability.Output{
		Payload: map[string]any{
			"vector":     vector,
			"dimensions": dims,
			"tokens":     len(tokens),
		},
		Factors: []uncertainty.AssessmentFactor{
			{Name: "token_coverage", Kind: uncertainty.FactorCoverage, Value: tokenCoverage},
		},
	}, nil
}
