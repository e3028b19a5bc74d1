// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package uncertainty

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Dimension names the dominant source of a tool's uncertainty.
type Dimension string

const (
	// DimensionDataQuality covers noise and errors in the input data.
	DimensionDataQuality Dimension = "data_quality"

	// DimensionCoverage covers how much of the input was usable.
	DimensionCoverage Dimension = "coverage"

	// DimensionSignalClarity covers how unambiguous the detected signal is.
	DimensionSignalClarity Dimension = "signal_clarity"

	// DimensionModelFit covers uncertainty from model assumptions.
	DimensionModelFit Dimension = "model_fit"
)

// FactorKind classifies an assessment factor's role.
type FactorKind string

const (
	// FactorSignal factors measure how strongly the evidence supports the
	// finding (1 = unambiguous support, 0 = clear contradiction).
	FactorSignal FactorKind = "signal"

	// FactorCoverage factors measure how much of the input data was
	// usable (1 = complete, 0 = nothing usable). Coverage bounds the
	// mass the assessor is willing to commit either way.
	FactorCoverage FactorKind = "coverage"
)

// AssessmentFactor is one contributing factor a tool reports about its
// own output, per its declared factor template.
type AssessmentFactor struct {
	// Name identifies the factor (e.g. "non_null_required_fields").
	Name string `json:"name"`

	// Kind classifies the factor as signal or coverage.
	Kind FactorKind `json:"kind"`

	// Value is the factor score in [0,1].
	Value float64 `json:"value"`

	// Weight is the relative weight among factors of the same kind.
	// Zero means 1.
	Weight float64 `json:"weight,omitempty"`

	// Detail is an optional human-readable elaboration.
	Detail string `json:"detail,omitempty"`
}

// ToolUncertainty is the uncertainty assessment attached to one tool
// output.
//
// Masses is authoritative for combination; Score is the derived summary
// (1 - support). A ToolUncertainty with an empty justification or no
// contributing factors is invalid and rejected by Validate.
type ToolUncertainty struct {
	// Score is the derived scalar summary in [0,1]; higher = less certain.
	Score float64 `json:"score"`

	// Masses is the authoritative belief-mass triple.
	Masses Mass `json:"masses"`

	// Justification explains, in prose, why the assessment is what it is.
	Justification string `json:"justification"`

	// ContributingFactors lists the factor names that entered the
	// assessment.
	ContributingFactors []string `json:"contributing_factors"`

	// PrimaryDimension is the dominant uncertainty source.
	PrimaryDimension Dimension `json:"primary_dimension"`

	// DataCoverage is the fraction of input data that was usable, when
	// the tool reports it. Nil when not applicable.
	DataCoverage *float64 `json:"data_coverage,omitempty"`

	// PropagatesTo lists downstream node names this uncertainty feeds
	// into. Populated by the executor.
	PropagatesTo []string `json:"propagates_to,omitempty"`
}

// Validate enforces the assessment invariants.
func (u *ToolUncertainty) Validate() error {
	if u == nil {
		return errors.New("tool uncertainty must not be nil")
	}
	if err := u.Masses.Validate(); err != nil {
		return err
	}
	if u.Score < -Epsilon || u.Score > 1+Epsilon {
		return fmt.Errorf("score %.6f outside [0,1]", u.Score)
	}
	if strings.TrimSpace(u.Justification) == "" {
		return errors.New("justification must not be empty")
	}
	if len(u.ContributingFactors) == 0 {
		return errors.New("contributing factors must not be empty")
	}
	if u.DataCoverage != nil && (*u.DataCoverage < 0 || *u.DataCoverage > 1) {
		return fmt.Errorf("data coverage %.6f outside [0,1]", *u.DataCoverage)
	}
	return nil
}

// AssessFunc is a tool-declared aggregation from factors to a mass.
// Tools with domain-specific calibration implement this; most rely on the
// assessor default.
type AssessFunc func(factors []AssessmentFactor) (Mass, error)

// Assessor turns a tool's reported assessment factors into a
// ToolUncertainty.
//
// Description:
//
//	The assessor is not a single generic formula: each tool declares which
//	factors it inspects and may declare its own aggregation (AssessFunc).
//	The default aggregation commits mass proportionally to the weighted
//	signal, bounded by the weighted coverage:
//
//	    support   = signal * coverage
//	    reject    = (1 - signal) * coverage
//	    uncertain = 1 - coverage
//
//	Higher coverage and clearer signal therefore raise support and lower
//	reject + uncertain, matching the intended semantics.
//
// Thread Safety:
//
//	Assessor is stateless and safe for concurrent use.
type Assessor struct{}

// NewAssessor creates an Assessor.
func NewAssessor() *Assessor {
	return &Assessor{}
}

// Assess produces a validated ToolUncertainty from a tool's factors.
//
// Inputs:
//
//	toolID - The reporting tool, used in the justification.
//	factors - At least one factor with values in [0,1].
//	custom - Optional tool-declared aggregation; nil uses the default.
//
// Outputs:
//
//	*ToolUncertainty - The assessment; never has an empty justification.
//	error - Non-nil for empty or out-of-range factors.
func (a *Assessor) Assess(toolID string, factors []AssessmentFactor, custom AssessFunc) (*ToolUncertainty, error) {
	if len(factors) == 0 {
		return nil, fmt.Errorf("tool %q reported no assessment factors", toolID)
	}
	for _, f := range factors {
		if f.Name == "" {
			return nil, fmt.Errorf("tool %q reported an unnamed factor", toolID)
		}
		if f.Value < 0 || f.Value > 1 {
			return nil, fmt.Errorf("tool %q factor %q value %.6f outside [0,1]", toolID, f.Name, f.Value)
		}
	}

	signal, coverage, hasCoverage := summarize(factors)

	var masses Mass
	if custom != nil {
		m, err := custom(factors)
		if err != nil {
			return nil, fmt.Errorf("tool %q custom assessment: %w", toolID, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("tool %q custom assessment: %w", toolID, err)
		}
		masses = m
	} else {
		masses = Mass{
			Support:   signal * coverage,
			Reject:    (1 - signal) * coverage,
			Uncertain: 1 - coverage,
		}.normalized()
	}

	u := &ToolUncertainty{
		Score:               masses.Score(),
		Masses:              masses,
		Justification:       buildJustification(toolID, factors, signal, coverage),
		ContributingFactors: factorNames(factors),
		PrimaryDimension:    primaryDimension(factors, signal, coverage),
	}
	if hasCoverage {
		c := coverage
		u.DataCoverage = &c
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// summarize computes the weighted signal and coverage means.
// Coverage defaults to 1 when no coverage factors are reported.
func summarize(factors []AssessmentFactor) (signal, coverage float64, hasCoverage bool) {
	var sSum, sW, cSum, cW float64
	for _, f := range factors {
		w := f.Weight
		if w <= 0 {
			w = 1
		}
		switch f.Kind {
		case FactorCoverage:
			cSum += f.Value * w
			cW += w
		default:
			sSum += f.Value * w
			sW += w
		}
	}

	signal = 0.5 // no signal factors: committed mass splits evenly
	if sW > 0 {
		signal = sSum / sW
	}
	coverage = 1
	if cW > 0 {
		coverage = cSum / cW
		hasCoverage = true
	}
	return signal, coverage, hasCoverage
}

// buildJustification renders a deterministic prose justification from the
// factors.
func buildJustification(toolID string, factors []AssessmentFactor, signal, coverage float64) string {
	parts := make([]string, 0, len(factors))
	for _, f := range sortedFactors(factors) {
		if f.Detail != "" {
			parts = append(parts, fmt.Sprintf("%s=%.2f (%s)", f.Name, f.Value, f.Detail))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%.2f", f.Name, f.Value))
		}
	}
	return fmt.Sprintf("%s: signal %.2f at coverage %.2f from %s",
		toolID, signal, coverage, strings.Join(parts, ", "))
}

// primaryDimension picks the dominant uncertainty source: low coverage
// dominates an unclear signal.
func primaryDimension(factors []AssessmentFactor, signal, coverage float64) Dimension {
	if 1-coverage >= minFloat(signal, 1-signal) {
		return DimensionCoverage
	}
	for _, f := range factors {
		if f.Kind == FactorSignal && strings.Contains(f.Name, "model") {
			return DimensionModelFit
		}
	}
	return DimensionSignalClarity
}

func factorNames(factors []AssessmentFactor) []string {
	names := make([]string, 0, len(factors))
	for _, f := range sortedFactors(factors) {
		names = append(names, f.Name)
	}
	return names
}

func sortedFactors(factors []AssessmentFactor) []AssessmentFactor {
	out := make([]AssessmentFactor, len(factors))
	copy(out, factors)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
