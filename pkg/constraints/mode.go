package constraints

import "fmt"

// EnvironmentMode tags the deployment environment a constraint set is
// built for. The mode is resolved once, at construction time, into the
// numeric multipliers below; validation never branches on it again.
type EnvironmentMode int

const (
	// ModeIndustrial is the most conservative profile: shared factory
	// floors with untrained bystanders.
	ModeIndustrial EnvironmentMode = iota
	// ModePersonalCare covers assistive deployments with close, frequent
	// human contact.
	ModePersonalCare
	// ModeResearch is the least restrictive profile: controlled labs with
	// trained operators.
	ModeResearch
)

// String implements fmt.Stringer for EnvironmentMode.
func (m EnvironmentMode) String() string {
	switch m {
	case ModeIndustrial:
		return "industrial"
	case ModePersonalCare:
		return "personal_care"
	case ModeResearch:
		return "research"
	default:
		return fmt.Sprintf("unknown_mode(%d)", int(m))
	}
}

// ParseEnvironmentMode resolves a mode tag as used in profiles and
// presets.
func ParseEnvironmentMode(s string) (EnvironmentMode, error) {
	switch s {
	case "industrial":
		return ModeIndustrial, nil
	case "personal_care":
		return ModePersonalCare, nil
	case "research":
		return ModeResearch, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Multipliers is the numeric profile an EnvironmentMode resolves to.
// Velocity derates joint and Cartesian velocity limits; ZoneVelocity
// derates safety-zone caps and is never above Velocity, so derating can
// only tighten the zone-cap invariant.
type Multipliers struct {
	Velocity     float64 `json:"velocity"`
	ZoneVelocity float64 `json:"zone_velocity"`
}

// multipliers resolves the mode's derating profile.
func (m EnvironmentMode) multipliers() Multipliers {
	switch m {
	case ModeIndustrial:
		return Multipliers{Velocity: 0.5, ZoneVelocity: 0.4}
	case ModePersonalCare:
		return Multipliers{Velocity: 0.7, ZoneVelocity: 0.6}
	default: // ModeResearch and anything builder validation lets through
		return Multipliers{Velocity: 1.0, ZoneVelocity: 1.0}
	}
}
