// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package uncertainty implements belief-mass bookkeeping for analytical
// pipelines.
//
// Every tool output is wrapped in a ToolUncertainty carrying a belief-mass
// triple (support, reject, uncertain) per Dempster-Shafer theory. Masses are
// the authoritative representation; the scalar score is a derived summary.
// Masses are never mutated after creation, only combined into new instances
// by the Propagator and Synthesizer.
package uncertainty

import (
	"errors"
	"fmt"
	"math"
)

// Epsilon is the tolerance for the unit-sum invariant on belief masses.
const Epsilon = 1e-6

// conflictEpsilon guards the Dempster normalization against division by a
// vanishing denominator near total conflict.
const conflictEpsilon = 1e-9

// Sentinel errors for mass validation and combination.
var (
	// ErrInvalidMass is returned when a mass violates the unit-sum or
	// range invariants.
	ErrInvalidMass = errors.New("belief masses must be in [0,1] and sum to 1")

	// ErrFullConflict is returned when two masses are in (near-)total
	// conflict (K >= 1). Callers must treat the result as maximal
	// uncertainty, not as a crash.
	ErrFullConflict = errors.New("total conflict between belief masses")

	// ErrNoEvidence is returned when an aggregation is attempted over an
	// empty evidence set.
	ErrNoEvidence = errors.New("no evidence masses to combine")
)

// Mass is a three-way split of unit probability mass per Dempster-Shafer
// theory.
//
// Invariant: Support + Reject + Uncertain == 1 within Epsilon, each
// component in [0,1]. Construct with NewMass or validate with Validate
// before combining.
type Mass struct {
	// Support is the mass committed to the finding being correct.
	Support float64 `json:"support"`

	// Reject is the mass committed to the finding being wrong.
	Reject float64 `json:"reject"`

	// Uncertain is the uncommitted mass.
	Uncertain float64 `json:"uncertain"`
}

// Vacuous returns the maximal-uncertainty mass {0, 0, 1}.
//
// This is the identity element of Combine and the mandated fallback when
// combination reports total conflict.
func Vacuous() Mass {
	return Mass{Support: 0, Reject: 0, Uncertain: 1}
}

// NewMass constructs a validated Mass.
func NewMass(support, reject, uncertain float64) (Mass, error) {
	m := Mass{Support: support, Reject: reject, Uncertain: uncertain}
	if err := m.Validate(); err != nil {
		return Mass{}, err
	}
	return m, nil
}

// Validate checks the unit-sum and range invariants.
func (m Mass) Validate() error {
	for _, c := range []float64{m.Support, m.Reject, m.Uncertain} {
		if math.IsNaN(c) || c < -Epsilon || c > 1+Epsilon {
			return fmt.Errorf("%w: got {%.6f, %.6f, %.6f}", ErrInvalidMass, m.Support, m.Reject, m.Uncertain)
		}
	}
	if sum := m.Support + m.Reject + m.Uncertain; math.Abs(sum-1) > Epsilon {
		return fmt.Errorf("%w: sum %.9f", ErrInvalidMass, sum)
	}
	return nil
}

// Score returns the derived scalar uncertainty summary, 1 - Support.
//
// Higher means less certain. The mass triple remains authoritative for
// combination; Score exists for ranking and human-readable reporting.
func (m Mass) Score() float64 {
	return 1 - m.Support
}

// Conflict returns the conflict mass K between two belief masses: the
// portion of combined mass assigned to contradictory evidence.
func Conflict(a, b Mass) float64 {
	return a.Support*b.Reject + a.Reject*b.Support
}

// Combine applies Dempster's rule of combination to two masses.
//
// Description:
//
//	Computes the conflict mass K and redistributes the remaining mass
//	over support/reject/uncertain with the normalization factor 1/(1-K).
//	Combination is commutative. Both inputs are treated as dependent or
//	independent by the caller; the rule itself is agnostic.
//
// Inputs:
//
//	a, b - Validated belief masses.
//
// Outputs:
//
//	Mass - The combined mass.
//	float64 - The conflict mass K in [0,1].
//	error - ErrInvalidMass for invalid inputs; ErrFullConflict when
//	        K >= 1 within tolerance. On ErrFullConflict callers must use
//	        Vacuous() as the combined value.
func Combine(a, b Mass) (Mass, float64, error) {
	if err := a.Validate(); err != nil {
		return Mass{}, 0, err
	}
	if err := b.Validate(); err != nil {
		return Mass{}, 0, err
	}

	k := Conflict(a, b)
	if k >= 1-conflictEpsilon {
		return Vacuous(), k, fmt.Errorf("%w: K=%.9f", ErrFullConflict, k)
	}

	factor := 1 / (1 - k)
	combined := Mass{
		Support:   factor * (a.Support*b.Support + a.Support*b.Uncertain + b.Support*a.Uncertain),
		Reject:    factor * (a.Reject*b.Reject + a.Reject*b.Uncertain + b.Reject*a.Uncertain),
		Uncertain: factor * (a.Uncertain * b.Uncertain),
	}
	return combined.normalized(), k, nil
}

// CombineYager applies Yager's modification of the combination rule:
// conflict mass is assigned to Uncertain instead of being normalized
// away.
//
// Used when branches diverge: plain Dempster normalization would hide the
// disagreement, while Yager's rule turns it into explicit uncertainty.
func CombineYager(a, b Mass) (Mass, float64, error) {
	if err := a.Validate(); err != nil {
		return Mass{}, 0, err
	}
	if err := b.Validate(); err != nil {
		return Mass{}, 0, err
	}

	k := Conflict(a, b)
	combined := Mass{
		Support:   a.Support*b.Support + a.Support*b.Uncertain + b.Support*a.Uncertain,
		Reject:    a.Reject*b.Reject + a.Reject*b.Uncertain + b.Reject*a.Uncertain,
		Uncertain: a.Uncertain*b.Uncertain + k,
	}
	return combined.normalized(), k, nil
}

// Discount applies Shafer discounting with reliability weight w in [0,1]:
// committed mass is scaled by w and the remainder moves to Uncertain.
//
// A weight of 1 returns the mass unchanged; a weight of 0 returns the
// vacuous mass. Used to weight modality evidence by data coverage.
func (m Mass) Discount(w float64) Mass {
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}
	return Mass{
		Support:   m.Support * w,
		Reject:    m.Reject * w,
		Uncertain: m.Uncertain*w + (1 - w),
	}
}

// normalized nudges a mass onto the unit simplex, absorbing float drift
// accumulated over long combination chains into Uncertain.
func (m Mass) normalized() Mass {
	for _, p := range []*float64{&m.Support, &m.Reject, &m.Uncertain} {
		if *p < 0 {
			*p = 0
		}
	}
	sum := m.Support + m.Reject + m.Uncertain
	if sum <= 0 {
		return Vacuous()
	}
	m.Support /= sum
	m.Reject /= sum
	m.Uncertain /= sum
	return m
}

// String renders the mass for logs.
func (m Mass) String() string {
	return fmt.Sprintf("{s=%.3f r=%.3f u=%.3f}", m.Support, m.Reject, m.Uncertain)
}
