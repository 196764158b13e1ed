package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-robotics/vigil/pkg/balance"
	"github.com/halcyon-robotics/vigil/pkg/body"
	"github.com/halcyon-robotics/vigil/pkg/config"
	"github.com/halcyon-robotics/vigil/pkg/constraints"
	"github.com/halcyon-robotics/vigil/pkg/policy"
	"github.com/halcyon-robotics/vigil/pkg/validator"
)

const builderProfile = `
schema_version: "1.0.0"
name: lab-unit-7
environment_mode: research
body:
  safety_factor: 0.8
joints:
  left_elbow_pitch:
    max_velocity: 2.0
    min_position: -2.6
    max_position: 0.1
  right_elbow_pitch:
    max_velocity: 2.0
    min_position: -2.6
    max_position: 0.1
zones:
  - name: handover
    min: {x: 0.0, y: 0.0, z: 0.0}
    max: {x: 1.0, y: 1.0, z: 2.0}
    max_velocity: 0.25
max_height: 2.1
max_cartesian_velocity: 1.5
balance:
  marginal_zmp_margin: 0.04
  soft_tilt_angle: 0.12
  min_tilt_rate: 0.25
  hard_tilt_rate: 0.9
  fall_debounce_cycles: 3
  recovery_debounce_cycles: 4
  ground_contact_height: 0.3
  impact_accel: 30.0
policy:
  strict_mode: true
  require_purpose: true
  advisory_violation_limit: 0
rules:
  - name: halt-when-falling
    expression: 'balance.state == "FALLING"'
    effect: deny
`

const presetProfile = `
schema_version: "1.0.0"
name: floor-3-optimus
environment_mode: industrial
preset: tesla_optimus
body:
  safety_factor: 0.75
`

func TestParse_BuilderProfile(t *testing.T) {
	p, err := config.Parse([]byte(builderProfile))
	require.NoError(t, err)

	assert.Equal(t, "lab-unit-7", p.Name)
	assert.Equal(t, "research", p.EnvironmentMode)
	assert.Empty(t, p.Preset)
	assert.Equal(t, 0.8, p.Body.SafetyFactor)
	assert.Len(t, p.Joints, 2)
	assert.Equal(t, 2.0, p.Joints["left_elbow_pitch"].MaxVelocity)
	require.Len(t, p.Zones, 1)
	assert.Equal(t, "handover", p.Zones[0].Name)
	assert.Equal(t, 2.0, p.Zones[0].Max.Z)
	require.NotNil(t, p.Balance)
	assert.Equal(t, 3, p.Balance.FallDebounceCycles)
	require.NotNil(t, p.Policy)
	assert.True(t, p.Policy.StrictMode)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, policy.EffectDeny, p.Rules[0].Effect)
}

func TestParse_PresetProfile(t *testing.T) {
	p, err := config.Parse([]byte(presetProfile))
	require.NoError(t, err)

	assert.Equal(t, "tesla_optimus", p.Preset)
	assert.Nil(t, p.Balance)
	assert.Nil(t, p.Policy)
	assert.Empty(t, p.Joints)
}

func TestParse_SchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing name", `
schema_version: "1.0.0"
environment_mode: research
preset: figure_02
body: {safety_factor: 0.8}
`},
		{"unknown environment mode", `
schema_version: "1.0.0"
name: r1
environment_mode: warehouse
preset: figure_02
body: {safety_factor: 0.8}
`},
		{"safety factor zero", `
schema_version: "1.0.0"
name: r1
environment_mode: research
preset: figure_02
body: {safety_factor: 0.0}
`},
		{"safety factor above one", `
schema_version: "1.0.0"
name: r1
environment_mode: research
preset: figure_02
body: {safety_factor: 1.5}
`},
		{"unknown top-level field", `
schema_version: "1.0.0"
name: r1
environment_mode: research
preset: figure_02
body: {safety_factor: 0.8}
firmware: v12
`},
		{"preset mixed with joints", `
schema_version: "1.0.0"
name: r1
environment_mode: research
preset: figure_02
body: {safety_factor: 0.8}
joints:
  left_knee_pitch: {max_velocity: 1.0, min_position: 0.0, max_position: 2.0}
`},
		{"neither preset nor builder fields", `
schema_version: "1.0.0"
name: r1
environment_mode: research
body: {safety_factor: 0.8}
`},
		{"builder profile missing global caps", `
schema_version: "1.0.0"
name: r1
environment_mode: research
body: {safety_factor: 0.8}
joints:
  left_knee_pitch: {max_velocity: 1.0, min_position: 0.0, max_position: 2.0}
`},
		{"partial balance section", `
schema_version: "1.0.0"
name: r1
environment_mode: research
preset: figure_02
body: {safety_factor: 0.8}
balance:
  marginal_zmp_margin: 0.05
`},
		{"unknown rule effect", `
schema_version: "1.0.0"
name: r1
environment_mode: research
preset: figure_02
body: {safety_factor: 0.8}
rules:
  - name: r
    expression: "true"
    effect: block
`},
		{"zone missing velocity cap", `
schema_version: "1.0.0"
name: r1
environment_mode: research
body: {safety_factor: 0.8}
joints:
  left_knee_pitch: {max_velocity: 1.0, min_position: 0.0, max_position: 2.0}
zones:
  - name: cell
    min: {x: 0.0, y: 0.0, z: 0.0}
    max: {x: 1.0, y: 1.0, z: 1.0}
max_height: 2.0
max_cartesian_velocity: 1.0
`},
		{"malformed yaml", "joints: [}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.doc))
			assert.ErrorIs(t, err, config.ErrSchema)
		})
	}
}

func TestParse_SchemaVersionGate(t *testing.T) {
	doc := func(version string) []byte {
		return []byte(`
schema_version: "` + version + `"
name: r1
environment_mode: research
preset: figure_02
body: {safety_factor: 0.8}
`)
	}

	cases := []struct {
		version string
		wantErr bool
	}{
		{"1.0.0", false},
		{"0.9.0", true},
		{"9.0.0", true},
		{"1.1.0", true},
	}
	for _, tc := range cases {
		t.Run(tc.version, func(t *testing.T) {
			_, err := config.Parse(doc(tc.version))
			if tc.wantErr {
				assert.ErrorIs(t, err, config.ErrSchemaVersion)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMaterialize_BuilderProfileDerates(t *testing.T) {
	p, err := config.Parse([]byte(builderProfile))
	require.NoError(t, err)
	p.EnvironmentMode = "industrial"

	m, err := p.Materialize()
	require.NoError(t, err)

	assert.Equal(t, "lab-unit-7", m.Name)
	assert.Equal(t, constraints.ModeIndustrial, m.Constraints.Mode())

	limit, ok := m.Constraints.Joint("left_elbow_pitch")
	require.True(t, ok)
	assert.InDelta(t, 1.0, limit.MaxVelocity, 1e-12)
	assert.InDelta(t, 0.75, m.Constraints.MaxCartesianVelocity(), 1e-12)
	require.Len(t, m.Constraints.Zones(), 1)
	assert.InDelta(t, 0.1, m.Constraints.Zones()[0].MaxVelocity, 1e-12)
	assert.Equal(t, 2.1, m.Constraints.MaxHeight())

	assert.Equal(t, 3, m.Thresholds.FallDebounceCycles)
	assert.True(t, m.Policy.StrictMode)
	require.NotNil(t, m.Rules)
	require.Equal(t, 1, m.Rules.Len())
	assert.Equal(t, "halt-when-falling", m.Rules.Rules()[0].Name)
}

func TestMaterialize_PresetProfile(t *testing.T) {
	p, err := config.Parse([]byte(presetProfile))
	require.NoError(t, err)

	m, err := p.Materialize()
	require.NoError(t, err)

	_, ok := m.Constraints.Joint("left_knee_pitch")
	assert.True(t, ok)
	assert.Equal(t, constraints.ModeIndustrial, m.Constraints.Mode())

	limit, err := m.Model.Limit(body.RegionHandPalm)
	require.NoError(t, err)
	assert.InDelta(t, 150.0*0.75, limit.QuasiStatic, 1e-9)
}

func TestMaterialize_DefaultsWhenSectionsOmitted(t *testing.T) {
	p, err := config.Parse([]byte(presetProfile))
	require.NoError(t, err)

	m, err := p.Materialize()
	require.NoError(t, err)

	assert.Equal(t, balance.DefaultThresholds(), m.Thresholds)
	assert.False(t, m.Policy.StrictMode)
	assert.True(t, m.Policy.RequirePurpose)
	assert.Equal(t, validator.DefaultPurposeDenylist(), m.Policy.PurposeDenylist)
}

func TestMaterialize_DenylistDefaultsAndOverrides(t *testing.T) {
	t.Run("policy without denylist inherits stock list", func(t *testing.T) {
		p, err := config.Parse([]byte(presetProfile + `
policy:
  strict_mode: false
  require_purpose: true
  advisory_violation_limit: 2
`))
		require.NoError(t, err)

		m, err := p.Materialize()
		require.NoError(t, err)
		assert.Equal(t, 2, m.Policy.AdvisoryViolationLimit)
		assert.Equal(t, validator.DefaultPurposeDenylist(), m.Policy.PurposeDenylist)
	})

	t.Run("explicit empty denylist disables it", func(t *testing.T) {
		p, err := config.Parse([]byte(presetProfile + `
policy:
  strict_mode: false
  require_purpose: true
  advisory_violation_limit: 1
  purpose_denylist: []
`))
		require.NoError(t, err)

		m, err := p.Materialize()
		require.NoError(t, err)
		assert.NotNil(t, m.Policy.PurposeDenylist)
		assert.Empty(t, m.Policy.PurposeDenylist)
	})
}

func TestMaterialize_ThresholdCrossChecks(t *testing.T) {
	p, err := config.Parse([]byte(presetProfile))
	require.NoError(t, err)
	th := balance.DefaultThresholds()
	th.MinTiltRate = 0.5
	th.HardTiltRate = 0.1
	p.Balance = &th

	_, err = p.Materialize()
	assert.ErrorIs(t, err, balance.ErrThresholdRange)
}

func TestMaterialize_RejectsNonBooleanRule(t *testing.T) {
	p, err := config.Parse([]byte(presetProfile + `
rules:
  - name: arithmetic
    expression: "1 + 1"
    effect: deny
`))
	require.NoError(t, err)

	_, err = p.Materialize()
	assert.ErrorIs(t, err, policy.ErrRuleNotBool)
}

func TestMaterialize_DirectConstructionGuards(t *testing.T) {
	base := config.SafetyProfile{
		SchemaVersion:   config.CurrentSchemaVersion,
		Name:            "r1",
		EnvironmentMode: "research",
		Body:            config.BodyConfig{SafetyFactor: 0.8},
	}

	t.Run("unknown preset", func(t *testing.T) {
		p := base
		p.Preset = "unitree_g1"
		_, err := p.Materialize()
		assert.ErrorIs(t, err, config.ErrUnknownPreset)
	})

	t.Run("preset combined with builder fields", func(t *testing.T) {
		p := base
		p.Preset = "figure_02"
		p.MaxHeight = 2.0
		_, err := p.Materialize()
		assert.ErrorIs(t, err, config.ErrPresetShape)
	})

	t.Run("unknown environment mode", func(t *testing.T) {
		p := base
		p.Preset = "figure_02"
		p.EnvironmentMode = "orbital"
		_, err := p.Materialize()
		assert.ErrorIs(t, err, constraints.ErrUnknownMode)
	})

	t.Run("bad safety factor", func(t *testing.T) {
		p := base
		p.Preset = "figure_02"
		p.Body.SafetyFactor = 1.2
		_, err := p.Materialize()
		assert.ErrorIs(t, err, body.ErrSafetyFactor)
	})
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(presetProfile), 0o600))

	p, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "floor-3-optimus", p.Name)

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
