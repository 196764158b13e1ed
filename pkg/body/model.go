// Package body implements the biomechanical contact-force model used by the
// safety validator: per-region force limits for quasi-static and transient
// contact between a humanoid robot and a human body.
//
// The limit table is fixed at construction time and scaled uniformly by a
// configurable safety factor. A Model is immutable after construction and
// safe for concurrent readers; lookups are indexed, allocation-free, and
// deterministic.
package body

import (
	"errors"
	"fmt"
	"math"
)

// Model errors.
var (
	ErrSafetyFactor   = errors.New("safety factor must be in (0, 1]")
	ErrUnknownRegion  = errors.New("unknown body region")
	ErrUnknownContact = errors.New("unknown contact type")
)

// ContactType distinguishes sustained contact from brief impact.
// Injury thresholds differ between the two.
type ContactType int

const (
	// ContactQuasiStatic is sustained or slow contact (clamping, pressing).
	ContactQuasiStatic ContactType = iota
	// ContactTransient is a brief impact with immediate retraction.
	ContactTransient
)

// String implements fmt.Stringer for ContactType.
func (c ContactType) String() string {
	switch c {
	case ContactQuasiStatic:
		return "QUASI_STATIC"
	case ContactTransient:
		return "TRANSIENT"
	default:
		return fmt.Sprintf("UNKNOWN_CONTACT(%d)", int(c))
	}
}

// ForceLimit is the permissible contact force for one body region, in
// newtons. Transient is never below QuasiStatic.
type ForceLimit struct {
	QuasiStatic float64 `json:"quasi_static"`
	Transient   float64 `json:"transient"`
}

// Model answers whether a predicted contact force at a body region is
// within the configured safe limit.
type Model struct {
	factor float64
	limits [regionCount]ForceLimit
}

// NewModel builds a force model with every tabulated limit scaled by
// safetyFactor. A factor of 1.0 applies the table as-is; smaller factors
// tighten every limit uniformly. Factors outside (0, 1] are a
// configuration error and must be fixed before deployment.
func NewModel(safetyFactor float64) (*Model, error) {
	if math.IsNaN(safetyFactor) || safetyFactor <= 0 || safetyFactor > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrSafetyFactor, safetyFactor)
	}
	m := &Model{factor: safetyFactor}
	for r := range baseLimits {
		m.limits[r] = ForceLimit{
			QuasiStatic: baseLimits[r].QuasiStatic * safetyFactor,
			Transient:   baseLimits[r].Transient * safetyFactor,
		}
	}
	return m, nil
}

// SafetyFactor returns the factor the model was built with.
func (m *Model) SafetyFactor() float64 { return m.factor }

// Limit returns the scaled force limit pair for a region.
func (m *Model) Limit(region Region) (ForceLimit, error) {
	if region < 0 || region >= regionCount {
		return ForceLimit{}, fmt.Errorf("%w: %d", ErrUnknownRegion, int(region))
	}
	return m.limits[region], nil
}

// SafeForce returns the scaled limit for the region under the given
// contact class. Lookup misses are surfaced as errors, never treated as
// safe.
func (m *Model) SafeForce(region Region, contact ContactType) (float64, error) {
	limit, err := m.Limit(region)
	if err != nil {
		return 0, err
	}
	// A limit pair that no longer satisfies transient >= quasi-static > 0
	// means the table has been corrupted in memory. Continuing could apply
	// an unsafe limit, so abort.
	if limit.QuasiStatic <= 0 || limit.Transient < limit.QuasiStatic {
		panic(fmt.Sprintf("body: corrupted force limit for %s: %+v", region, limit))
	}
	switch contact {
	case ContactQuasiStatic:
		return limit.QuasiStatic, nil
	case ContactTransient:
		return limit.Transient, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownContact, int(contact))
	}
}

// IsForceSafe reports whether force is within the scaled limit for the
// region and contact class. The bound is inclusive: a force exactly at the
// limit is safe. NaN and infinite forces are never safe.
func (m *Model) IsForceSafe(region Region, force float64, contact ContactType) (bool, error) {
	limit, err := m.SafeForce(region, contact)
	if err != nil {
		return false, err
	}
	if math.IsNaN(force) || math.IsInf(force, 0) {
		return false, nil
	}
	return force <= limit, nil
}
