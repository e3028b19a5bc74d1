// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package uncertainty

import (
	"fmt"
	"sort"
)

// ModalityEvidence is one analytical modality's contribution at a
// synthesis join point.
type ModalityEvidence struct {
	// Modality names the analysis family (e.g. "graph", "table",
	// "vector").
	Modality string `json:"modality"`

	// Masses is the modality's propagated belief mass.
	Masses Mass `json:"masses"`

	// DataCoverage weights the modality's reliability in [0,1].
	// Zero is treated as 1 (no discount information).
	DataCoverage float64 `json:"data_coverage"`

	// Findings are the modality's headline findings, used to partition
	// convergent from divergent findings across modalities.
	Findings []string `json:"findings,omitempty"`
}

// ConvergenceAssessment is the integrated result of a cross-modal
// synthesis.
type ConvergenceAssessment struct {
	// IntegratedMasses is the coverage-weighted integrated mass.
	IntegratedMasses Mass `json:"integrated_masses"`

	// Score is the derived summary of the integrated mass.
	Score float64 `json:"score"`

	// AgreementScore is the mean pairwise non-conflict (1 - K) across
	// modality masses, in [0,1].
	AgreementScore float64 `json:"agreement_score"`

	// Classification is convergent or divergent.
	Classification Classification `json:"classification"`

	// ConvergentFindings appear in at least two modalities.
	ConvergentFindings []string `json:"convergent_findings"`

	// DivergentFindings appear in exactly one modality.
	DivergentFindings []string `json:"divergent_findings"`

	// Modalities lists the contributing modality names.
	Modalities []string `json:"modalities"`
}

// SynthesizerOptions tunes cross-modal synthesis.
type SynthesizerOptions struct {
	// ConflictThreshold is the pairwise K above which modalities are
	// considered divergent. Default 0.2.
	ConflictThreshold float64

	// ConvergenceBonus scales how strongly agreement shrinks the
	// integrated Uncertain component, in [0,1). Default 0.25. Like the
	// parallel agreement bonus this is a calibration parameter to be
	// validated empirically, not a derived constant.
	ConvergenceBonus float64
}

// DefaultSynthesizerOptions returns the default calibration.
func DefaultSynthesizerOptions() SynthesizerOptions {
	return SynthesizerOptions{
		ConflictThreshold: 0.2,
		ConvergenceBonus:  0.25,
	}
}

// Synthesizer combines uncertainty from structurally distinct analyses
// into one integrated assessment.
//
// Description:
//
//	At a join point each modality contributes one ModalityEvidence. The
//	integrated mass is a coverage-weighted convex combination of the
//	modality masses, so integrated support always lies between the
//	minimum and maximum modality support. Agreement then reshapes the
//	Uncertain component: convergent modalities shrink it (rewarding
//	independent corroboration), divergent modalities grow it by the mean
//	excess conflict. Divergence is never hidden: with any pair above the
//	conflict threshold, integrated Uncertain strictly increases over the
//	convex combination rather than averaging the disagreement away.
//
//	A plain Dempster fold is deliberately not used here: when three
//	modalities each support a finding at 0.7-0.8, the fold would push
//	integrated support past every individual input, overstating what any
//	single analysis claims. Convex combination keeps the integrated
//	assessment inside the envelope of its inputs while the agreement
//	adjustment still rewards convergence.
//
// Thread Safety:
//
//	Synthesizer is stateless and safe for concurrent use.
type Synthesizer struct {
	opts SynthesizerOptions
}

// NewSynthesizer creates a Synthesizer. A zero-value options struct
// selects the defaults.
func NewSynthesizer(opts SynthesizerOptions) *Synthesizer {
	if opts.ConflictThreshold <= 0 {
		opts.ConflictThreshold = DefaultSynthesizerOptions().ConflictThreshold
	}
	if opts.ConvergenceBonus <= 0 || opts.ConvergenceBonus >= 1 {
		opts.ConvergenceBonus = DefaultSynthesizerOptions().ConvergenceBonus
	}
	return &Synthesizer{opts: opts}
}

// Synthesize integrates evidence from two or more modalities.
//
// Inputs:
//
//	evidence - One entry per modality; at least two, distinct names.
//
// Outputs:
//
//	*ConvergenceAssessment - The integrated assessment.
//	error - ErrNoEvidence or ErrInvalidMass.
func (s *Synthesizer) Synthesize(evidence []ModalityEvidence) (*ConvergenceAssessment, error) {
	if len(evidence) < 2 {
		return nil, fmt.Errorf("%w: synthesis needs at least two modalities", ErrNoEvidence)
	}
	seen := make(map[string]bool, len(evidence))
	for i, ev := range evidence {
		if ev.Modality == "" {
			return nil, fmt.Errorf("modality %d has no name", i)
		}
		if seen[ev.Modality] {
			return nil, fmt.Errorf("duplicate modality %q", ev.Modality)
		}
		seen[ev.Modality] = true
		if err := ev.Masses.Validate(); err != nil {
			return nil, fmt.Errorf("modality %q: %w", ev.Modality, err)
		}
		if ev.DataCoverage < 0 || ev.DataCoverage > 1 {
			return nil, fmt.Errorf("modality %q coverage %.6f outside [0,1]", ev.Modality, ev.DataCoverage)
		}
	}

	// Coverage-weighted convex combination.
	var totalW float64
	weights := make([]float64, len(evidence))
	for i, ev := range evidence {
		w := ev.DataCoverage
		if w == 0 {
			w = 1
		}
		weights[i] = w
		totalW += w
	}
	var base Mass
	for i, ev := range evidence {
		w := weights[i] / totalW
		base.Support += w * ev.Masses.Support
		base.Reject += w * ev.Masses.Reject
		base.Uncertain += w * ev.Masses.Uncertain
	}

	// Pairwise agreement.
	var kSum, kExcess, maxK float64
	var pairs int
	for i := 0; i < len(evidence); i++ {
		for j := i + 1; j < len(evidence); j++ {
			k := Conflict(evidence[i].Masses, evidence[j].Masses)
			kSum += k
			if k > s.opts.ConflictThreshold {
				kExcess += k - s.opts.ConflictThreshold
			}
			if k > maxK {
				maxK = k
			}
			pairs++
		}
	}
	agreement := 1 - kSum/float64(pairs)

	classification := ClassificationConvergent
	integrated := base
	if maxK > s.opts.ConflictThreshold {
		// Divergent: grow Uncertain by the mean excess conflict and
		// renormalize committed mass down proportionally.
		classification = ClassificationDivergent
		grow := kExcess / float64(pairs)
		integrated.Uncertain += grow
		integrated = integrated.normalized()
	} else {
		// Convergent: shrink Uncertain by the agreement-scaled bonus;
		// released mass follows the committed support/reject split.
		shrink := s.opts.ConvergenceBonus * agreement * integrated.Uncertain
		integrated.Uncertain -= shrink
		committed := integrated.Support + integrated.Reject
		if committed > 0 {
			integrated.Support += shrink * integrated.Support / committed
			integrated.Reject += shrink * integrated.Reject / committed
		} else {
			integrated.Uncertain += shrink
		}
		integrated = integrated.normalized()
	}

	convergent, divergent := partitionFindings(evidence)
	modalities := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		modalities = append(modalities, ev.Modality)
	}

	return &ConvergenceAssessment{
		IntegratedMasses:   integrated,
		Score:              integrated.Score(),
		AgreementScore:     agreement,
		Classification:     classification,
		ConvergentFindings: convergent,
		DivergentFindings:  divergent,
		Modalities:         modalities,
	}, nil
}

// partitionFindings splits findings by cross-modal support: a finding is
// convergent when at least two modalities report it.
func partitionFindings(evidence []ModalityEvidence) (convergent, divergent []string) {
	counts := make(map[string]int)
	for _, ev := range evidence {
		unique := make(map[string]bool, len(ev.Findings))
		for _, f := range ev.Findings {
			if !unique[f] {
				unique[f] = true
				counts[f]++
			}
		}
	}
	for f, n := range counts {
		if n >= 2 {
			convergent = append(convergent, f)
		} else {
			divergent = append(divergent, f)
		}
	}
	sort.Strings(convergent)
	sort.Strings(divergent)
	return convergent, divergent
}
