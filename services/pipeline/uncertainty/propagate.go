// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package uncertainty

import (
	"fmt"
)

// PropagationType names how an uncertainty reached a node.
type PropagationType string

const (
	// PropagationLocal means no inherited uncertainty was combined.
	PropagationLocal PropagationType = "local"

	// PropagationSequential means the node depends on the output of the
	// combined stage (dependent evidence).
	PropagationSequential PropagationType = "sequential"

	// PropagationAggregation means N evidence items about one key were
	// folded together.
	PropagationAggregation PropagationType = "aggregation"

	// PropagationParallel means independent branches over the same input
	// were combined.
	PropagationParallel PropagationType = "parallel"
)

// Classification labels a parallel combination outcome.
type Classification string

const (
	// ClassificationConvergent means the branches agree within the
	// conflict threshold.
	ClassificationConvergent Classification = "convergent"

	// ClassificationDivergent means at least one branch pair conflicts
	// above the threshold.
	ClassificationDivergent Classification = "divergent"
)

// AggregationResult reports the combination of N evidence masses about a
// single aggregation key (e.g. N posts for one author).
type AggregationResult struct {
	// CombinedMasses is the folded mass.
	CombinedMasses Mass `json:"combined_masses"`

	// NInstances is the number of evidence items combined.
	NInstances int `json:"n_instances"`

	// AverageConflict is the mean conflict K over all evidence pairs,
	// reported for diagnostics.
	AverageConflict float64 `json:"average_conflict"`

	// UncertaintyReduction is 1 - final score / mean individual score.
	// Positive when consistent evidence sharpened the result.
	UncertaintyReduction float64 `json:"uncertainty_reduction"`
}

// ParallelResult reports the combination of independent branches.
type ParallelResult struct {
	// CombinedMasses is the combined mass across branches.
	CombinedMasses Mass `json:"combined_masses"`

	// Score is the calibrated summary score. For convergent branches it
	// includes the agreement bonus; for divergent branches it is the
	// plain derived score.
	Score float64 `json:"score"`

	// Classification is convergent or divergent.
	Classification Classification `json:"classification"`

	// MaxConflict is the largest pairwise conflict among branches.
	MaxConflict float64 `json:"max_conflict"`
}

// ParallelOptions tunes independent-branch combination.
//
// The agreement bonus is a calibration parameter, not a derived constant;
// deployments should tune it against labelled outcomes.
type ParallelOptions struct {
	// ConflictThreshold is the pairwise K above which branches are
	// classified divergent. Default 0.2.
	ConflictThreshold float64

	// AgreementBonus scales the convergent score downward (score *
	// bonus). Must be in (0,1]. Default 0.9.
	AgreementBonus float64
}

// DefaultParallelOptions returns the default calibration.
func DefaultParallelOptions() ParallelOptions {
	return ParallelOptions{
		ConflictThreshold: 0.2,
		AgreementBonus:    0.9,
	}
}

// Propagator combines belief masses along pipeline edges.
//
// Description:
//
//	Three combination modes cover the pipeline topologies: Sequential for
//	dependency edges, Aggregate for many-to-one evidence folds, and
//	Parallel for independent branches over the same input. All are built
//	on the Dempster combination primitive; Parallel falls back to Yager's
//	rule for divergent branches so disagreement surfaces as uncertainty
//	instead of being normalized away.
//
// Thread Safety:
//
//	Propagator is stateless and safe for concurrent use.
type Propagator struct {
	parallel ParallelOptions
}

// NewPropagator creates a Propagator with the given parallel calibration.
// A zero-value options struct selects the defaults.
func NewPropagator(opts ParallelOptions) *Propagator {
	if opts.ConflictThreshold <= 0 {
		opts.ConflictThreshold = DefaultParallelOptions().ConflictThreshold
	}
	if opts.AgreementBonus <= 0 || opts.AgreementBonus > 1 {
		opts.AgreementBonus = DefaultParallelOptions().AgreementBonus
	}
	return &Propagator{parallel: opts}
}

// Sequential combines an upstream mass with a dependent downstream mass.
//
// Description:
//
//	Dependent evidence compounds: unless the downstream evidence strongly
//	corroborates, the combined uncertainty is no lower than either input
//	alone. Total conflict degrades to the vacuous mass rather than
//	failing the pipeline.
//
// Outputs:
//
//	Mass - The combined mass (vacuous on total conflict).
//	float64 - The conflict K.
//	error - ErrFullConflict (with the vacuous mass) or ErrInvalidMass.
func (p *Propagator) Sequential(upstream, local Mass) (Mass, float64, error) {
	return Combine(upstream, local)
}

// Aggregate folds N evidence masses about one aggregation key.
//
// Description:
//
//	Folds the combination primitive left to right over all masses and
//	reports the mean pairwise conflict for diagnostics. Consistent
//	evidence drives support up and the overall score down; contradictory
//	evidence drives conflict and uncertainty up. A fold step hitting
//	total conflict resets the accumulator to vacuous and keeps going: the
//	conflict is preserved in AverageConflict rather than aborting the
//	aggregation.
//
// Inputs:
//
//	masses - At least one validated mass.
//
// Outputs:
//
//	*AggregationResult - Combined mass plus diagnostics.
//	error - ErrNoEvidence or ErrInvalidMass.
func (p *Propagator) Aggregate(masses []Mass) (*AggregationResult, error) {
	if len(masses) == 0 {
		return nil, ErrNoEvidence
	}
	for i, m := range masses {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("evidence %d: %w", i, err)
		}
	}

	acc := masses[0]
	for _, m := range masses[1:] {
		combined, _, err := Combine(acc, m)
		if err != nil {
			// Total conflict: the mandated degradation is maximal
			// uncertainty, recorded below via AverageConflict.
			acc = Vacuous()
			continue
		}
		acc = combined
	}

	var meanScore float64
	for _, m := range masses {
		meanScore += m.Score()
	}
	meanScore /= float64(len(masses))

	reduction := 0.0
	if meanScore > 0 {
		reduction = 1 - acc.Score()/meanScore
	}

	return &AggregationResult{
		CombinedMasses:       acc,
		NInstances:           len(masses),
		AverageConflict:      meanPairwiseConflict(masses),
		UncertaintyReduction: reduction,
	}, nil
}

// Parallel combines masses from independent branches over the same input.
//
// Description:
//
//	When every branch pair conflicts below the threshold, the branches
//	corroborate each other: they are combined with the Dempster primitive
//	and the derived score receives the agreement bonus. Otherwise the
//	result is classified divergent and combined with Yager's rule, which
//	moves the conflict mass into Uncertain instead of shrinking it away.
//
// Inputs:
//
//	branches - At least two validated masses.
//
// Outputs:
//
//	*ParallelResult - Combined mass, calibrated score, classification.
//	error - ErrNoEvidence for fewer than two branches; ErrInvalidMass.
func (p *Propagator) Parallel(branches []Mass) (*ParallelResult, error) {
	if len(branches) < 2 {
		return nil, fmt.Errorf("%w: parallel combination needs at least two branches", ErrNoEvidence)
	}
	for i, m := range branches {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("branch %d: %w", i, err)
		}
	}

	maxK := 0.0
	for i := 0; i < len(branches); i++ {
		for j := i + 1; j < len(branches); j++ {
			if k := Conflict(branches[i], branches[j]); k > maxK {
				maxK = k
			}
		}
	}

	if maxK < p.parallel.ConflictThreshold {
		acc := branches[0]
		for _, m := range branches[1:] {
			combined, _, err := Combine(acc, m)
			if err != nil {
				acc = Vacuous()
				continue
			}
			acc = combined
		}
		return &ParallelResult{
			CombinedMasses: acc,
			Score:          acc.Score() * p.parallel.AgreementBonus,
			Classification: ClassificationConvergent,
			MaxConflict:    maxK,
		}, nil
	}

	acc := branches[0]
	for _, m := range branches[1:] {
		combined, _, err := CombineYager(acc, m)
		if err != nil {
			return nil, err
		}
		acc = combined
	}
	return &ParallelResult{
		CombinedMasses: acc,
		Score:          acc.Score(),
		Classification: ClassificationDivergent,
		MaxConflict:    maxK,
	}, nil
}

// meanPairwiseConflict averages K over all unordered evidence pairs.
// O(n²), fine for the targeted scale (tens to low thousands of items).
func meanPairwiseConflict(masses []Mass) float64 {
	if len(masses) < 2 {
		return 0
	}
	var sum float64
	var n int
	for i := 0; i < len(masses); i++ {
		for j := i + 1; j < len(masses); j++ {
			sum += Conflict(masses[i], masses[j])
			n++
		}
	}
	return sum / float64(n)
}
