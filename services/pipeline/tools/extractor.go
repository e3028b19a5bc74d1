// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

// EntityExtractor pulls named entities, and in full mode their pairwise
// relationships, out of raw text.
//
// Inputs:
//   - text: the text to extract from, either a plain string or the map
//     payload a FileReader produces.
//
// Parameters:
//   - mode: "full" (entities + relationships) or "entity_only".
//
// Output payload is a map with "entities", "relationships" (full mode
// only) and "sentence_count".
//
// Extraction is heuristic: capitalized token runs are entities, and two
// entities sharing a sentence are related. The assessment factors report
// how much of the text actually yielded entities, so sparse or
// ill-suited input shows up as uncertainty instead of silent emptiness.
type EntityExtractor struct {
	cap capability.Capability
}

func (t *EntityExtractor) ID() string                        { return t.cap.ToolID }
func (t *EntityExtractor) Capability() capability.Capability { return t.cap }

func (t *EntityExtractor) Execute(ctx context.Context, inputs map[string]any, params map[string]any) (*capability.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := textInput(inputs, "text")
	if err != nil {
		return nil, err
	}
	mode := stringParam(params, "mode", "full")
	if mode != "full" && mode != "entity_only" {
		return nil, errors.New(`mode must be "full" or "entity_only"`)
	}

	sentences := splitSentences(text)
	entitySet := make(map[string]int)
	var entities []map[string]any
	var relationships []map[string]any
	covered := 0

	for _, sentence := range sentences {
		found := extractEntities(sentence)
		if len(found) > 0 {
			covered++
		}
		for _, name := range found {
			if _, seen := entitySet[name]; !seen {
				entitySet[name] = len(entities)
				entities = append(entities, map[string]any{
					"name": name,
					"type": "named_entity",
				})
			}
		}
		if mode == "full" {
			for i := 0; i < len(found); i++ {
				for j := i + 1; j < len(found); j++ {
					relationships = append(relationships, map[string]any{
						"source":   found[i],
						"target":   found[j],
						"relation": "co_occurs",
					})
				}
			}
		}
	}

	dataCoverage := 0.0
	if len(sentences) > 0 {
		dataCoverage = float64(covered) / float64(len(sentences))
	}
	// Heuristic extraction never warrants full confidence. Full mode is
	// penalized slightly more because co-occurrence relations are weaker
	// evidence than the entity mentions themselves.
	extractionConfidence := 0.8
	if mode == "full" {
		extractionConfidence = 0.7
	}
	if len(entities) == 0 {
		extractionConfidence = 0.1
	}

	payload := map[string]any{
		"entities":       entities,
		"sentence_count": len(sentences),
	}
	if mode == "full" {
		payload["relationships"] = relationships
	}
	return &capability.Output{
		Payload: payload,
		Factors: []uncertainty.AssessmentFactor{
			{Name: "data_coverage", Kind: uncertainty.FactorCoverage, Value: dataCoverage},
			{Name: "extraction_confidence", Kind: uncertainty.FactorSignal, Value: extractionConfidence},
		},
	}, nil
}

// textInput accepts either a plain string or a reader payload map with a
// "text" field.
func textInput(inputs map[string]any, name string) (string, error) {
	value, ok := inputs[name]
	if !ok {
		return "", errors.New(`missing required input "text"`)
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			return s, nil
		}
	}
	return "", errors.New(`input "text": expected string or a payload with a "text" field`)
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// extractEntities returns capitalized token runs in order of appearance.
// A lone capitalized word at the start of the sentence is treated as
// sentence case, not a mention; a run that starts there and continues
// ("Alice Martin met...") is kept whole.
func extractEntities(sentence string) []string {
	var found []string
	var run []string
	runStart := -1
	flush := func() {
		if len(run) > 0 && !(runStart == 0 && len(run) == 1) {
			found = append(found, strings.Join(run, " "))
		}
		run = nil
		runStart = -1
	}
	for i, word := range strings.Fields(sentence) {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed != "" && unicode.IsUpper(firstRune(trimmed)) {
			if len(run) == 0 {
				runStart = i
			}
			run = append(run, trimmed)
			continue
		}
		flush()
	}
	flush()
	return found
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
