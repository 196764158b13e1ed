package balance

import (
	"errors"
	"fmt"
	"math"
)

// Threshold validation errors.
var (
	ErrThresholdRange = errors.New("balance: threshold out of range")
	ErrDebounceRange  = errors.New("balance: debounce cycle count out of range")
)

// Thresholds tunes the balance state machine. All distances in metres,
// angles in radians, rates in rad/s, accelerations in m/s². Zero value is
// invalid; start from DefaultThresholds.
type Thresholds struct {
	// MarginalZMPMargin is the support-polygon distance below which the
	// state degrades from stable to marginal.
	MarginalZMPMargin float64 `json:"marginal_zmp_margin" yaml:"marginal_zmp_margin"`

	// SoftTiltAngle is the torso tilt above which the state degrades to
	// marginal even with a healthy ZMP margin.
	SoftTiltAngle float64 `json:"soft_tilt_angle" yaml:"soft_tilt_angle"`

	// MinTiltRate is the tilt rate that, combined with a ZMP outside the
	// support polygon, declares the robot unstable.
	MinTiltRate float64 `json:"min_tilt_rate" yaml:"min_tilt_rate"`

	// HardTiltRate is the fall-grade tilt rate. Sustained together with a
	// negative ZMP margin it arms the fall debounce.
	HardTiltRate float64 `json:"hard_tilt_rate" yaml:"hard_tilt_rate"`

	// FallDebounceCycles is how many consecutive qualifying assessment
	// cycles are required before declaring a fall. Minimum 2: a single
	// spike never declares a fall.
	FallDebounceCycles int `json:"fall_debounce_cycles" yaml:"fall_debounce_cycles"`

	// RecoveryDebounceCycles is how many consecutive in-threshold cycles
	// a recovering robot must hold before returning to stable.
	RecoveryDebounceCycles int `json:"recovery_debounce_cycles" yaml:"recovery_debounce_cycles"`

	// GroundContactHeight is the center-of-mass height at or below which
	// a falling robot is considered down.
	GroundContactHeight float64 `json:"ground_contact_height" yaml:"ground_contact_height"`

	// ImpactAccel is the acceleration magnitude that signals ground
	// impact while falling, for platforms without a CoM estimate.
	ImpactAccel float64 `json:"impact_accel" yaml:"impact_accel"`
}

// DefaultThresholds returns conservative defaults for a roughly human-sized
// biped: marginal inside 5 cm of the polygon edge, soft tilt at ~8.6°,
// fall-grade tipping at 0.8 rad/s, two-cycle fall debounce, three-cycle
// recovery debounce, torso-down below 0.35 m, impact at 25 m/s².
func DefaultThresholds() Thresholds {
	return Thresholds{
		MarginalZMPMargin:      0.05,
		SoftTiltAngle:          0.15,
		MinTiltRate:            0.2,
		HardTiltRate:           0.8,
		FallDebounceCycles:     2,
		RecoveryDebounceCycles: 3,
		GroundContactHeight:    0.35,
		ImpactAccel:            25.0,
	}
}

// Validate reports every problem with the thresholds, joined into a single
// error, or nil if they are usable.
func (t Thresholds) Validate() error {
	var errs []error

	check := func(name string, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be a positive finite number, got %v", ErrThresholdRange, name, v))
		}
	}
	check("marginal_zmp_margin", t.MarginalZMPMargin)
	check("soft_tilt_angle", t.SoftTiltAngle)
	check("min_tilt_rate", t.MinTiltRate)
	check("hard_tilt_rate", t.HardTiltRate)
	check("ground_contact_height", t.GroundContactHeight)
	check("impact_accel", t.ImpactAccel)

	if t.HardTiltRate < t.MinTiltRate {
		errs = append(errs, fmt.Errorf("%w: hard_tilt_rate %v below min_tilt_rate %v", ErrThresholdRange, t.HardTiltRate, t.MinTiltRate))
	}
	if t.FallDebounceCycles < 2 {
		errs = append(errs, fmt.Errorf("%w: fall_debounce_cycles must be at least 2, got %d", ErrDebounceRange, t.FallDebounceCycles))
	}
	if t.RecoveryDebounceCycles < 1 {
		errs = append(errs, fmt.Errorf("%w: recovery_debounce_cycles must be at least 1, got %d", ErrDebounceRange, t.RecoveryDebounceCycles))
	}

	return errors.Join(errs...)
}
