package presets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-robotics/vigil/pkg/constraints"
)

var allModes = []constraints.EnvironmentMode{
	constraints.ModeIndustrial,
	constraints.ModePersonalCare,
	constraints.ModeResearch,
}

func TestPresets_BuildForEveryMode(t *testing.T) {
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			optimus, err := TeslaOptimus(mode)
			require.NoError(t, err)
			assert.Equal(t, "tesla_optimus", optimus.Name())
			assert.Equal(t, mode, optimus.Mode())

			atlas, err := BostonDynamicsAtlas(mode)
			require.NoError(t, err)
			assert.Equal(t, "boston_dynamics_atlas", atlas.Name())

			figure, err := Figure02(mode, true)
			require.NoError(t, err)
			assert.Equal(t, "figure_02", figure.Name())
		})
	}
}

func TestPresets_Deterministic(t *testing.T) {
	a, err := TeslaOptimus(constraints.ModeIndustrial)
	require.NoError(t, err)
	b, err := TeslaOptimus(constraints.ModeIndustrial)
	require.NoError(t, err)

	assert.Equal(t, a.JointNames(), b.JointNames())
	assert.Equal(t, a.Zones(), b.Zones())
	assert.Equal(t, a.MaxHeight(), b.MaxHeight())
	assert.Equal(t, a.MaxCartesianVelocity(), b.MaxCartesianVelocity())
	for _, name := range a.JointNames() {
		la, ok := a.Joint(name)
		require.True(t, ok)
		lb, ok := b.Joint(name)
		require.True(t, ok)
		assert.Equal(t, la, lb, name)
	}
}

// Industrial must be the most conservative mode and research the least,
// for joint caps, zone caps, and the global Cartesian cap alike.
func TestPresets_ModeOrdering(t *testing.T) {
	industrial, err := TeslaOptimus(constraints.ModeIndustrial)
	require.NoError(t, err)
	care, err := TeslaOptimus(constraints.ModePersonalCare)
	require.NoError(t, err)
	research, err := TeslaOptimus(constraints.ModeResearch)
	require.NoError(t, err)

	for _, name := range research.JointNames() {
		li, ok := industrial.Joint(name)
		require.True(t, ok, name)
		lc, ok := care.Joint(name)
		require.True(t, ok, name)
		lr, ok := research.Joint(name)
		require.True(t, ok, name)

		assert.Less(t, li.MaxVelocity, lc.MaxVelocity, name)
		assert.Less(t, lc.MaxVelocity, lr.MaxVelocity, name)
	}

	zi, zc, zr := industrial.Zones(), care.Zones(), research.Zones()
	require.Len(t, zi, len(zr))
	for i := range zr {
		assert.Less(t, zi[i].MaxVelocity, zc[i].MaxVelocity, zr[i].Name)
		assert.Less(t, zc[i].MaxVelocity, zr[i].MaxVelocity, zr[i].Name)
	}

	assert.Less(t, industrial.MaxCartesianVelocity(), care.MaxCartesianVelocity())
	assert.Less(t, care.MaxCartesianVelocity(), research.MaxCartesianVelocity())
}

// Zone caps must never exceed the global Cartesian cap after derating.
func TestPresets_ZoneCapsWithinGlobalCap(t *testing.T) {
	builders := map[string]func(constraints.EnvironmentMode) (*constraints.RobotConstraints, error){
		"tesla_optimus":         TeslaOptimus,
		"boston_dynamics_atlas": BostonDynamicsAtlas,
		"figure_02": func(m constraints.EnvironmentMode) (*constraints.RobotConstraints, error) {
			return Figure02(m, true)
		},
	}
	for name, build := range builders {
		for _, mode := range allModes {
			rc, err := build(mode)
			require.NoError(t, err, name)
			for _, z := range rc.Zones() {
				assert.LessOrEqual(t, z.MaxVelocity, rc.MaxCartesianVelocity(),
					"%s/%s zone %s", name, mode, z.Name)
			}
		}
	}
}

func TestFigure02_Hands(t *testing.T) {
	without, err := Figure02(constraints.ModeResearch, false)
	require.NoError(t, err)
	with, err := Figure02(constraints.ModeResearch, true)
	require.NoError(t, err)

	// Six hand joints per side.
	assert.Equal(t, len(without.JointNames())+12, len(with.JointNames()))

	_, ok := without.Joint("left_index_flex")
	assert.False(t, ok)
	_, ok = with.Joint("left_index_flex")
	assert.True(t, ok)
	_, ok = with.Joint("right_thumb_abduct")
	assert.True(t, ok)
}

func TestPresets_IndustrialDeratesNominalValues(t *testing.T) {
	research, err := BostonDynamicsAtlas(constraints.ModeResearch)
	require.NoError(t, err)
	industrial, err := BostonDynamicsAtlas(constraints.ModeIndustrial)
	require.NoError(t, err)

	lr, ok := research.Joint("left_knee_pitch")
	require.True(t, ok)
	li, ok := industrial.Joint("left_knee_pitch")
	require.True(t, ok)
	assert.InDelta(t, lr.MaxVelocity*0.5, li.MaxVelocity, 1e-12)

	// Position ranges are not derated; only velocities are.
	assert.Equal(t, lr.MinPosition, li.MinPosition)
	assert.Equal(t, lr.MaxPosition, li.MaxPosition)
}
