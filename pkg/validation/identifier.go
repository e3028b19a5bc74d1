// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for externally supplied identifiers that
// end up in storage keys, log lines, or file paths. Planner output (the DAG
// specification) is untrusted input; validating identifiers here prevents
// key injection and path traversal before anything touches the stores.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// stageNamePattern matches valid pipeline stage and node names.
// Allows: lowercase letters, digits, underscores. Must start with a letter.
// Versioned and retried stages use underscore suffixes (adoption_t2,
// extract_retry1). Dots are reserved for field access in references.
var stageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// toolIDPattern matches valid tool identifiers.
// Allows: lowercase letters, digits, underscores, hyphens.
var toolIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_\-]*$`)

// fieldPattern matches a single field selector in a reference.
var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MaxIdentifierLength caps all validated identifiers.
const MaxIdentifierLength = 64

// ValidateStageName validates a pipeline stage or DAG node name.
//
// Valid names:
//   - 1-64 characters
//   - lowercase letters, digits, underscores
//   - must start with a letter
//
// Returns an error describing the violation if the name is invalid.
func ValidateStageName(name string) error {
	if name == "" {
		return fmt.Errorf("stage name must not be empty")
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("stage name exceeds %d characters: %q", MaxIdentifierLength, truncate(name))
	}
	if !stageNamePattern.MatchString(name) {
		return fmt.Errorf("invalid stage name %q: must match %s", name, stageNamePattern.String())
	}
	return nil
}

// ValidateToolID validates a tool identifier.
func ValidateToolID(id string) error {
	if id == "" {
		return fmt.Errorf("tool id must not be empty")
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("tool id exceeds %d characters: %q", MaxIdentifierLength, truncate(id))
	}
	if !toolIDPattern.MatchString(id) {
		return fmt.Errorf("invalid tool id %q: must match %s", id, toolIDPattern.String())
	}
	return nil
}

// IsRef reports whether a plan input value is a stage output reference
// (begins with '$') rather than a literal.
func IsRef(value string) bool {
	return strings.HasPrefix(value, "$")
}

// ParseRef parses a "$node.field" reference into its node and field parts.
//
// The field part is optional: "$extract" refers to the whole stage payload,
// "$extract.entities" selects one field of a map payload. Stage names never
// contain dots, so the first dot separates node from field.
//
// Returns the node name, the field ("" if absent), and an error for
// malformed references.
func ParseRef(ref string) (node string, field string, err error) {
	if !IsRef(ref) {
		return "", "", fmt.Errorf("not a reference (missing '$' prefix): %q", ref)
	}
	body := strings.TrimPrefix(ref, "$")
	if body == "" {
		return "", "", fmt.Errorf("empty reference: %q", ref)
	}
	if len(body) > 2*MaxIdentifierLength {
		return "", "", fmt.Errorf("reference exceeds maximum length: %q", truncate(ref))
	}

	if idx := strings.Index(body, "."); idx >= 0 {
		node, field = body[:idx], body[idx+1:]
	} else {
		node = body
	}

	if err := ValidateStageName(node); err != nil {
		return "", "", fmt.Errorf("malformed reference %q: %w", ref, err)
	}
	if field != "" && !fieldPattern.MatchString(field) {
		return "", "", fmt.Errorf("malformed reference field %q in %q", field, ref)
	}
	if field == "" && strings.Contains(body, ".") {
		return "", "", fmt.Errorf("malformed reference: %q", ref)
	}
	return node, field, nil
}

// truncate shortens a string for safe inclusion in error messages.
func truncate(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
