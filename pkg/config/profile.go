// Package config loads and materializes safety profiles: the YAML
// documents that describe one robot deployment's body model, constraint
// set, balance thresholds, decision policy, and site rules.
//
// Loading is strict in three layers: a JSON Schema rejects structural
// mistakes, strict YAML decoding rejects unknown fields, and Materialize
// rejects everything the schema cannot see (semver drift, threshold
// cross-checks, CEL compilation). Profiles are startup configuration;
// a defect here is fatal at load time, never recovered at runtime.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/halcyon-robotics/vigil/pkg/balance"
	"github.com/halcyon-robotics/vigil/pkg/body"
	"github.com/halcyon-robotics/vigil/pkg/constraints"
	"github.com/halcyon-robotics/vigil/pkg/policy"
	"github.com/halcyon-robotics/vigil/pkg/presets"
	"github.com/halcyon-robotics/vigil/pkg/validator"
)

// CurrentSchemaVersion is the newest profile schema this build reads.
const CurrentSchemaVersion = "1.0.0"

// Profile loading errors.
var (
	ErrSchema        = errors.New("config: profile schema violation")
	ErrSchemaVersion = errors.New("config: unsupported profile schema version")
	ErrUnknownPreset = errors.New("config: unknown preset")
	ErrPresetShape   = errors.New("config: preset profiles must not carry joints, zones or global caps")
)

// Vec3 is a point in the robot base frame, metres.
type Vec3 struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// BodyConfig scales the biomechanical force table.
type BodyConfig struct {
	SafetyFactor float64 `yaml:"safety_factor" json:"safety_factor"`
}

// JointConfig is one joint's limits. Velocities in rad/s, positions in
// radians.
type JointConfig struct {
	MaxVelocity float64 `yaml:"max_velocity" json:"max_velocity"`
	MinPosition float64 `yaml:"min_position" json:"min_position"`
	MaxPosition float64 `yaml:"max_position" json:"max_position"`
}

// ZoneConfig is one safety zone: an axis-aligned box with a velocity cap.
type ZoneConfig struct {
	Name        string  `yaml:"name" json:"name"`
	Min         Vec3    `yaml:"min" json:"min"`
	Max         Vec3    `yaml:"max" json:"max"`
	MaxVelocity float64 `yaml:"max_velocity" json:"max_velocity"`
}

// SafetyProfile is one robot deployment's complete validation
// configuration. Either Preset names a built-in platform, or Joints,
// MaxHeight and MaxCartesianVelocity describe a custom one; the schema
// rejects profiles that mix the two.
//
// Balance and Policy are optional; omitted sections fall back to
// balance.DefaultThresholds and validator.DefaultPolicy. A policy
// section without a purpose_denylist key inherits the stock denylist;
// an explicitly empty list disables it.
type SafetyProfile struct {
	SchemaVersion        string                 `yaml:"schema_version" json:"schema_version"`
	Name                 string                 `yaml:"name" json:"name"`
	EnvironmentMode      string                 `yaml:"environment_mode" json:"environment_mode"`
	Preset               string                 `yaml:"preset,omitempty" json:"preset,omitempty"`
	IncludeHands         bool                   `yaml:"include_hands,omitempty" json:"include_hands,omitempty"`
	Body                 BodyConfig             `yaml:"body" json:"body"`
	Balance              *balance.Thresholds    `yaml:"balance,omitempty" json:"balance,omitempty"`
	Policy               *validator.Policy      `yaml:"policy,omitempty" json:"policy,omitempty"`
	Joints               map[string]JointConfig `yaml:"joints,omitempty" json:"joints,omitempty"`
	Zones                []ZoneConfig           `yaml:"zones,omitempty" json:"zones,omitempty"`
	MaxHeight            float64                `yaml:"max_height,omitempty" json:"max_height,omitempty"`
	MaxCartesianVelocity float64                `yaml:"max_cartesian_velocity,omitempty" json:"max_cartesian_velocity,omitempty"`
	Rules                []policy.Rule          `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Load reads and parses a profile file.
func Load(path string) (*SafetyProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: profile %s: %w", path, err)
	}
	return p, nil
}

// Parse validates a profile document against the embedded schema, decodes
// it strictly, and gates on the schema version.
func Parse(data []byte) (*SafetyProfile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	jsonDoc, err := jsonValue(doc)
	if err != nil {
		return nil, err
	}
	if err := validateDocument(jsonDoc); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p SafetyProfile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	if err := checkSchemaVersion(p.SchemaVersion); err != nil {
		return nil, err
	}
	return &p, nil
}

// checkSchemaVersion accepts profiles from the same major line, no newer
// than this build. A newer profile likely carries semantics this binary
// does not implement; refusing it beats silently ignoring them.
func checkSchemaVersion(v string) error {
	got, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrSchemaVersion, v, err)
	}
	current := semver.MustParse(CurrentSchemaVersion)
	if got.Major() != current.Major() {
		return fmt.Errorf("%w: profile is %s, this build reads %d.x", ErrSchemaVersion, got, current.Major())
	}
	if got.GreaterThan(current) {
		return fmt.Errorf("%w: profile %s is newer than supported %s", ErrSchemaVersion, got, current)
	}
	return nil
}

// Materialized is a profile resolved into live components: everything a
// supervision session needs to construct its monitor and validator.
type Materialized struct {
	Name        string
	Model       *body.Model
	Constraints *constraints.RobotConstraints
	Thresholds  balance.Thresholds
	Policy      validator.Policy
	Rules       *policy.Engine
}

// Materialize resolves the profile into constructed components, running
// every validation the schema could not: body model construction,
// constraint building with mode derating, threshold cross-checks, and CEL
// rule compilation. Any error is fatal startup configuration.
func (p *SafetyProfile) Materialize() (*Materialized, error) {
	mode, err := constraints.ParseEnvironmentMode(p.EnvironmentMode)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	model, err := body.NewModel(p.Body.SafetyFactor)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	rc, err := p.buildConstraints(mode)
	if err != nil {
		return nil, err
	}

	thresholds := balance.DefaultThresholds()
	if p.Balance != nil {
		thresholds = *p.Balance
	}
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	pol := validator.DefaultPolicy()
	if p.Policy != nil {
		pol = *p.Policy
		if pol.PurposeDenylist == nil {
			pol.PurposeDenylist = validator.DefaultPurposeDenylist()
		}
	}
	// Constructing a validator proves the policy is usable with this
	// model and constraint set before any session starts.
	if _, err := validator.New(model, rc, pol); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	engine, err := policy.NewEngine(p.Rules)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &Materialized{
		Name:        p.Name,
		Model:       model,
		Constraints: rc,
		Thresholds:  thresholds,
		Policy:      pol,
		Rules:       engine,
	}, nil
}

func (p *SafetyProfile) buildConstraints(mode constraints.EnvironmentMode) (*constraints.RobotConstraints, error) {
	if p.Preset != "" {
		if len(p.Joints) > 0 || len(p.Zones) > 0 || p.MaxHeight != 0 || p.MaxCartesianVelocity != 0 {
			return nil, ErrPresetShape
		}
		switch p.Preset {
		case "tesla_optimus":
			return presets.TeslaOptimus(mode)
		case "boston_dynamics_atlas":
			return presets.BostonDynamicsAtlas(mode)
		case "figure_02":
			return presets.Figure02(mode, p.IncludeHands)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, p.Preset)
		}
	}

	b := constraints.NewBuilder(p.Name).
		WithMode(mode).
		WithMaxHeight(p.MaxHeight).
		WithMaxCartesianVelocity(p.MaxCartesianVelocity)
	for name, j := range p.Joints {
		b.WithJoint(name, constraints.JointLimit{
			MaxVelocity: j.MaxVelocity,
			MinPosition: j.MinPosition,
			MaxPosition: j.MaxPosition,
		})
	}
	for _, z := range p.Zones {
		b.WithZone(constraints.SafetyZone{
			Name:        z.Name,
			Min:         constraints.Position{X: z.Min.X, Y: z.Min.Y, Z: z.Min.Z},
			Max:         constraints.Position{X: z.Max.X, Y: z.Max.Y, Z: z.Max.Z},
			MaxVelocity: z.MaxVelocity,
		})
	}
	rc, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return rc, nil
}
