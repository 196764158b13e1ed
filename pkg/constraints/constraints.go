// Package constraints represents the static kinematic and dynamic envelope
// a robot deployment must respect: joint limits, safety zones, operating
// height, and the environment mode that derates them.
//
// A RobotConstraints value is immutable after Build and safe for concurrent
// readers. The owning process may swap a constraint set between validations
// but must never mutate one mid-validation; checks here take no locks.
package constraints

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Constraint errors.
var (
	ErrUnknownMode   = errors.New("unknown environment mode")
	ErrNoJoints      = errors.New("constraint set has no joints")
	ErrJointLimit    = errors.New("invalid joint limit")
	ErrZoneBounds    = errors.New("invalid safety zone bounds")
	ErrZoneVelocity  = errors.New("invalid safety zone velocity cap")
	ErrDuplicateZone = errors.New("duplicate safety zone name")
	ErrMaxHeight     = errors.New("invalid max height")
	ErrMaxVelocity   = errors.New("invalid max Cartesian velocity")
)

// Position is a point in the robot's workspace frame, in metres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// finite reports whether all coordinates are finite reals.
func (p Position) finite() bool {
	for _, v := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// JointLimit bounds one named joint. MaxVelocity is a magnitude cap in
// rad/s; positions are in radians.
type JointLimit struct {
	MaxVelocity float64 `json:"max_velocity"`
	MinPosition float64 `json:"min_position"`
	MaxPosition float64 `json:"max_position"`
}

// SafetyZone is a named axis-aligned region of the workspace with its own
// velocity cap, used to slow the robot near humans or hazards.
type SafetyZone struct {
	Name        string   `json:"name"`
	Min         Position `json:"min"`
	Max         Position `json:"max"`
	MaxVelocity float64  `json:"max_velocity"`
}

// Contains reports whether p lies inside the zone. Bounds are inclusive.
func (z SafetyZone) Contains(p Position) bool {
	return p.X >= z.Min.X && p.X <= z.Max.X &&
		p.Y >= z.Min.Y && p.Y <= z.Max.Y &&
		p.Z >= z.Min.Z && p.Z <= z.Max.Z
}

// JointViolationKind classifies one joint check failure.
type JointViolationKind int

const (
	// JointVelocityExceeded means the commanded velocity magnitude is above
	// the joint's configured cap.
	JointVelocityExceeded JointViolationKind = iota
	// JointUnknown means the command names a joint this robot does not
	// have. Lookup misses are surfaced, never treated as safe.
	JointUnknown
	// JointPositionExceeded means a commanded position is outside the
	// joint's configured range.
	JointPositionExceeded
)

// String implements fmt.Stringer for JointViolationKind.
func (k JointViolationKind) String() string {
	switch k {
	case JointVelocityExceeded:
		return "VELOCITY_EXCEEDED"
	case JointUnknown:
		return "UNKNOWN_JOINT"
	case JointPositionExceeded:
		return "POSITION_EXCEEDED"
	default:
		return fmt.Sprintf("UNKNOWN_KIND(%d)", int(k))
	}
}

// JointViolation is one joint check failure. Limit is zero when the joint
// is unknown.
type JointViolation struct {
	Joint     string             `json:"joint"`
	Kind      JointViolationKind `json:"kind"`
	Commanded float64            `json:"commanded"`
	Limit     float64            `json:"limit"`
}

// RobotConstraints is the resolved envelope for one robot in one
// environment mode. Construct it with a Builder or a preset.
type RobotConstraints struct {
	name        string
	mode        EnvironmentMode
	multipliers Multipliers
	joints      map[string]JointLimit
	jointNames  []string // sorted, for deterministic sweeps
	zones       []SafetyZone
	maxHeight   float64
	maxCartVel  float64
}

// Name returns the constraint set's robot/deployment name.
func (rc *RobotConstraints) Name() string { return rc.name }

// Mode returns the environment mode the set was built for.
func (rc *RobotConstraints) Mode() EnvironmentMode { return rc.mode }

// Multipliers returns the derating profile the mode resolved to.
func (rc *RobotConstraints) Multipliers() Multipliers { return rc.multipliers }

// MaxHeight returns the maximum permitted operating height in metres.
func (rc *RobotConstraints) MaxHeight() float64 { return rc.maxHeight }

// MaxCartesianVelocity returns the derated global velocity cap in m/s,
// applied wherever no safety zone claims the position.
func (rc *RobotConstraints) MaxCartesianVelocity() float64 { return rc.maxCartVel }

// JointNames returns the configured joints in sorted order.
func (rc *RobotConstraints) JointNames() []string {
	out := make([]string, len(rc.jointNames))
	copy(out, rc.jointNames)
	return out
}

// Joint returns the derated limit for one joint.
func (rc *RobotConstraints) Joint(name string) (JointLimit, bool) {
	l, ok := rc.joints[name]
	return l, ok
}

// Zones returns a copy of the configured safety zones.
func (rc *RobotConstraints) Zones() []SafetyZone {
	out := make([]SafetyZone, len(rc.zones))
	copy(out, rc.zones)
	return out
}

// CheckJointVelocities sweeps every commanded joint against its velocity
// cap and returns the complete violation set; it never stops at the first
// failure. Commands are checked in sorted joint order so the result is
// deterministic. NaN and infinite commands are not flagged here; physical
// plausibility of the numbers themselves is the validator's Truth gate.
func (rc *RobotConstraints) CheckJointVelocities(velocities map[string]float64) []JointViolation {
	if len(velocities) == 0 {
		return nil
	}
	names := make([]string, 0, len(velocities))
	for name := range velocities {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []JointViolation
	for _, name := range names {
		v := velocities[name]
		limit, ok := rc.joints[name]
		if !ok {
			out = append(out, JointViolation{Joint: name, Kind: JointUnknown, Commanded: v})
			continue
		}
		if math.Abs(v) > limit.MaxVelocity {
			out = append(out, JointViolation{
				Joint:     name,
				Kind:      JointVelocityExceeded,
				Commanded: v,
				Limit:     limit.MaxVelocity,
			})
		}
	}
	return out
}

// CheckJointPositions sweeps commanded joint positions against their
// configured ranges, with the same completeness and ordering contract as
// CheckJointVelocities.
func (rc *RobotConstraints) CheckJointPositions(positions map[string]float64) []JointViolation {
	if len(positions) == 0 {
		return nil
	}
	names := make([]string, 0, len(positions))
	for name := range positions {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []JointViolation
	for _, name := range names {
		p := positions[name]
		limit, ok := rc.joints[name]
		if !ok {
			out = append(out, JointViolation{Joint: name, Kind: JointUnknown, Commanded: p})
			continue
		}
		if p < limit.MinPosition || p > limit.MaxPosition {
			bound := limit.MaxPosition
			if p < limit.MinPosition {
				bound = limit.MinPosition
			}
			out = append(out, JointViolation{
				Joint:     name,
				Kind:      JointPositionExceeded,
				Commanded: p,
				Limit:     bound,
			})
		}
	}
	return out
}

// ResolveZone locates the safety zone containing p. When zones overlap the
// most restrictive one (lowest velocity cap) wins. The second return is
// false when p is in unrestricted space, where the global Cartesian cap
// applies. Degenerate positions resolve to no zone; the validator rejects
// them before zone caps matter.
func (rc *RobotConstraints) ResolveZone(p Position) (SafetyZone, bool) {
	if !p.finite() {
		return SafetyZone{}, false
	}
	found := false
	var best SafetyZone
	for _, z := range rc.zones {
		if !z.Contains(p) {
			continue
		}
		if !found || z.MaxVelocity < best.MaxVelocity {
			best = z
			found = true
		}
	}
	return best, found
}

// VelocityCapAt returns the velocity cap in force at p: the containing
// zone's cap, or the global Cartesian cap in unrestricted space.
func (rc *RobotConstraints) VelocityCapAt(p Position) float64 {
	if z, ok := rc.ResolveZone(p); ok {
		return z.MaxVelocity
	}
	return rc.maxCartVel
}
