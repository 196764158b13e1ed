package constraints

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Builder assembles a RobotConstraints set. All inputs are nominal
// (robot-rated) limits; Build derates them through the environment mode's
// multipliers. Builders are single-use and not safe for concurrent use.
type Builder struct {
	name       string
	mode       EnvironmentMode
	joints     map[string]JointLimit
	zones      []SafetyZone
	maxHeight  float64
	maxCartVel float64
}

// NewBuilder starts a constraint set for the named robot/deployment.
// The mode defaults to industrial, the most conservative profile; callers
// opt in to looser ones.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		mode:   ModeIndustrial,
		joints: make(map[string]JointLimit),
	}
}

// WithMode selects the environment mode.
func (b *Builder) WithMode(mode EnvironmentMode) *Builder {
	b.mode = mode
	return b
}

// WithJoint adds or replaces one joint's nominal limits.
func (b *Builder) WithJoint(name string, limit JointLimit) *Builder {
	b.joints[name] = limit
	return b
}

// WithJoints adds or replaces a batch of joint limits.
func (b *Builder) WithJoints(limits map[string]JointLimit) *Builder {
	for name, limit := range limits {
		b.joints[name] = limit
	}
	return b
}

// WithZone appends one safety zone with its nominal velocity cap.
func (b *Builder) WithZone(zone SafetyZone) *Builder {
	b.zones = append(b.zones, zone)
	return b
}

// WithMaxHeight sets the maximum operating height in metres.
func (b *Builder) WithMaxHeight(h float64) *Builder {
	b.maxHeight = h
	return b
}

// WithMaxCartesianVelocity sets the nominal global velocity cap in m/s.
func (b *Builder) WithMaxCartesianVelocity(v float64) *Builder {
	b.maxCartVel = v
	return b
}

// Build validates the whole configuration and resolves the environment
// mode into concrete derated limits. Every problem is reported, not just
// the first; configuration errors are fatal at startup and never recovered
// at runtime.
func (b *Builder) Build() (*RobotConstraints, error) {
	var errs []error

	if b.name == "" {
		errs = append(errs, errors.New("constraint set name required"))
	}
	if b.mode < ModeIndustrial || b.mode > ModeResearch {
		errs = append(errs, fmt.Errorf("%w: %d", ErrUnknownMode, int(b.mode)))
	}
	if len(b.joints) == 0 {
		errs = append(errs, ErrNoJoints)
	}
	for name, l := range b.joints {
		if name == "" {
			errs = append(errs, fmt.Errorf("%w: empty joint name", ErrJointLimit))
			continue
		}
		if !positiveFinite(l.MaxVelocity) {
			errs = append(errs, fmt.Errorf("%w: joint %q max velocity %v", ErrJointLimit, name, l.MaxVelocity))
		}
		if math.IsNaN(l.MinPosition) || math.IsNaN(l.MaxPosition) || l.MinPosition > l.MaxPosition {
			errs = append(errs, fmt.Errorf("%w: joint %q position range [%v, %v]", ErrJointLimit, name, l.MinPosition, l.MaxPosition))
		}
	}
	if !positiveFinite(b.maxHeight) {
		errs = append(errs, fmt.Errorf("%w: %v", ErrMaxHeight, b.maxHeight))
	}
	if !positiveFinite(b.maxCartVel) {
		errs = append(errs, fmt.Errorf("%w: %v", ErrMaxVelocity, b.maxCartVel))
	}

	seen := make(map[string]bool, len(b.zones))
	for _, z := range b.zones {
		if z.Name == "" {
			errs = append(errs, fmt.Errorf("%w: empty zone name", ErrZoneBounds))
			continue
		}
		if seen[z.Name] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateZone, z.Name))
		}
		seen[z.Name] = true
		if !z.Min.finite() || !z.Max.finite() ||
			z.Min.X > z.Max.X || z.Min.Y > z.Max.Y || z.Min.Z > z.Max.Z {
			errs = append(errs, fmt.Errorf("%w: zone %q", ErrZoneBounds, z.Name))
		}
		if !positiveFinite(z.MaxVelocity) {
			errs = append(errs, fmt.Errorf("%w: zone %q cap %v", ErrZoneVelocity, z.Name, z.MaxVelocity))
		} else if positiveFinite(b.maxCartVel) && z.MaxVelocity > b.maxCartVel {
			// Zone caps may only restrict, never extend, the global cap.
			errs = append(errs, fmt.Errorf("%w: zone %q cap %v exceeds global cap %v",
				ErrZoneVelocity, z.Name, z.MaxVelocity, b.maxCartVel))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	mult := b.mode.multipliers()
	rc := &RobotConstraints{
		name:        b.name,
		mode:        b.mode,
		multipliers: mult,
		joints:      make(map[string]JointLimit, len(b.joints)),
		jointNames:  make([]string, 0, len(b.joints)),
		zones:       make([]SafetyZone, 0, len(b.zones)),
		maxHeight:   b.maxHeight,
		maxCartVel:  b.maxCartVel * mult.Velocity,
	}
	for name, l := range b.joints {
		rc.joints[name] = JointLimit{
			MaxVelocity: l.MaxVelocity * mult.Velocity,
			MinPosition: l.MinPosition,
			MaxPosition: l.MaxPosition,
		}
		rc.jointNames = append(rc.jointNames, name)
	}
	sort.Strings(rc.jointNames)
	for _, z := range b.zones {
		z.MaxVelocity *= mult.ZoneVelocity
		rc.zones = append(rc.zones, z)
	}

	// ZoneVelocity never exceeds Velocity, so derating preserves the
	// invariant; assert it anyway since continuing with a zone cap above
	// the global cap would be a safety defect.
	for _, z := range rc.zones {
		if z.MaxVelocity > rc.maxCartVel {
			return nil, fmt.Errorf("%w: zone %q derated cap %v exceeds derated global cap %v",
				ErrZoneVelocity, z.Name, z.MaxVelocity, rc.maxCartVel)
		}
	}
	return rc, nil
}

func positiveFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
