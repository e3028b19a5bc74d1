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
	"os"
	"unicode/utf8"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/uncertainty"
)

// MaxReadBytes caps file reads. Larger inputs should be chunked upstream.
const MaxReadBytes = 16 << 20

// FileReader reads a file from disk and emits its decoded text.
//
// Inputs:
//   - file: path to the file to read.
//
// Output payload is a map with "text" (string) and "bytes" (int).
type FileReader struct {
	cap capability.Capability
}

func (t *FileReader) ID() string                        { return t.cap.ToolID }
func (t *FileReader) Capability() capability.Capability { return t.cap }

func (t *FileReader) Execute(ctx context.Context, inputs map[string]any, params map[string]any) (*capability.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := stringInput(inputs, "file")
	if err != nil {
		return nil, err
	}
	encoding := stringParam(params, "encoding", "utf-8")
	if encoding != "utf-8" && encoding != "latin-1" {
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > MaxReadBytes {
		return nil, fmt.Errorf("file %s exceeds %d byte read limit", path, MaxReadBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// decode_confidence reflects how cleanly the bytes decode under the
	// requested encoding. Invalid sequences lower it but do not fail the
	// read; the text is passed through as-is for downstream tools.
	decodeConfidence := 1.0
	text := string(data)
	switch encoding {
	case "utf-8":
		if !utf8.Valid(data) {
			decodeConfidence = decodeRatio(data)
		}
	case "latin-1":
		// Latin-1 maps every byte to a rune, so decoding cannot fail.
		runes := make([]rune, len(data))
		for i, b := range data {
			runes[i] = rune(b)
		}
		text = string(runes)
	}

	readCoverage := 1.0
	if len(data) == 0 {
		readCoverage = 0
	}

	return &capability.Output{
		Payload: map[string]any{
			"text":  text,
			"bytes": len(data),
		},
		Factors: []uncertainty.AssessmentFactor{
			{Name: "read_coverage", Kind: uncertainty.FactorCoverage, Value: readCoverage},
			{Name: "decode_confidence", Kind: uncertainty.FactorSignal, Value: decodeConfidence},
		},
	}, nil
}

// decodeRatio reports the fraction of bytes that participate in valid
// UTF-8 sequences.
func decodeRatio(data []byte) float64 {
	if len(data) == 0 {
		return 1
	}
	valid := 0
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r != utf8.RuneError || size > 1 {
			valid += size
		}
		i += size
	}
	return float64(valid) / float64(len(data))
}
