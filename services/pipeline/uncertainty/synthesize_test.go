// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package uncertainty

import (
	"errors"
	"testing"
)

func TestSynthesize_ThreeConvergentModalities(t *testing.T) {
	s := NewSynthesizer(SynthesizerOptions{})
	evidence := []ModalityEvidence{
		{Modality: "graph", Masses: mustMass(t, 0.80, 0.05, 0.15), Findings: []string{"hub_dominance", "tight_core"}},
		{Modality: "table", Masses: mustMass(t, 0.68, 0.17, 0.15), Findings: []string{"hub_dominance", "skewed_activity"}},
		{Modality: "vector", Masses: mustMass(t, 0.75, 0.10, 0.15), Findings: []string{"hub_dominance"}},
	}

	result, err := s.Synthesize(evidence)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if result.Classification != ClassificationConvergent {
		t.Fatalf("Classification = %v, want convergent", result.Classification)
	}
	// Integrated support stays inside the envelope of its inputs.
	if result.IntegratedMasses.Support < 0.68 || result.IntegratedMasses.Support > 0.80 {
		t.Errorf("Support = %v, want within [0.68, 0.80]", result.IntegratedMasses.Support)
	}
	// Convergence must not inflate uncertainty beyond any input.
	if result.IntegratedMasses.Uncertain > 0.15 {
		t.Errorf("Uncertain = %v, want <= 0.15", result.IntegratedMasses.Uncertain)
	}
	assertUnitSum(t, result.IntegratedMasses)

	if result.AgreementScore <= 0.5 || result.AgreementScore > 1 {
		t.Errorf("AgreementScore = %v", result.AgreementScore)
	}
	if len(result.ConvergentFindings) != 1 || result.ConvergentFindings[0] != "hub_dominance" {
		t.Errorf("ConvergentFindings = %v", result.ConvergentFindings)
	}
	if len(result.DivergentFindings) != 2 {
		t.Errorf("DivergentFindings = %v", result.DivergentFindings)
	}
}

func TestSynthesize_DivergenceRaisesUncertainty(t *testing.T) {
	s := NewSynthesizer(SynthesizerOptions{})
	evidence := []ModalityEvidence{
		{Modality: "graph", Masses: mustMass(t, 0.80, 0.05, 0.15)},
		{Modality: "table", Masses: mustMass(t, 0.10, 0.75, 0.15)},
	}

	result, err := s.Synthesize(evidence)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if result.Classification != ClassificationDivergent {
		t.Fatalf("Classification = %v, want divergent", result.Classification)
	}
	// Disagreement surfaces as uncertainty above the plain average (0.15).
	if result.IntegratedMasses.Uncertain <= 0.15 {
		t.Errorf("Uncertain = %v, want > 0.15", result.IntegratedMasses.Uncertain)
	}
	assertUnitSum(t, result.IntegratedMasses)
}

func TestSynthesize_CoverageWeighting(t *testing.T) {
	s := NewSynthesizer(SynthesizerOptions{})
	// The confident modality has almost no coverage; the weak one is complete.
	evidence := []ModalityEvidence{
		{Modality: "graph", Masses: mustMass(t, 0.90, 0.02, 0.08), DataCoverage: 0.1},
		{Modality: "table", Masses: mustMass(t, 0.40, 0.30, 0.30), DataCoverage: 1.0},
	}

	result, err := s.Synthesize(evidence)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	// The integrated support should sit far closer to the well-covered
	// modality than an unweighted mean (0.65) would.
	if result.IntegratedMasses.Support > 0.60 {
		t.Errorf("Support = %v, want weighted toward the covered modality", result.IntegratedMasses.Support)
	}
}

func TestSynthesize_Validation(t *testing.T) {
	s := NewSynthesizer(SynthesizerOptions{})

	_, err := s.Synthesize([]ModalityEvidence{
		{Modality: "graph", Masses: Vacuous()},
	})
	if !errors.Is(err, ErrNoEvidence) {
		t.Errorf("single modality = %v, want ErrNoEvidence", err)
	}

	_, err = s.Synthesize([]ModalityEvidence{
		{Modality: "graph", Masses: Vacuous()},
		{Modality: "graph", Masses: Vacuous()},
	})
	if err == nil {
		t.Error("duplicate modality accepted")
	}

	_, err = s.Synthesize([]ModalityEvidence{
		{Modality: "graph", Masses: Mass{Support: 0.9, Reject: 0.9, Uncertain: 0.9}},
		{Modality: "table", Masses: Vacuous()},
	})
	if !errors.Is(err, ErrInvalidMass) {
		t.Errorf("invalid mass = %v, want ErrInvalidMass", err)
	}
}
