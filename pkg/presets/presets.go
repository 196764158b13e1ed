// Package presets builds ready-made constraint profiles for known humanoid
// platforms. Each factory is pure and deterministic: the same platform and
// environment mode always produce the same profile.
//
// The numbers are conservative approximations of published platform
// figures, intended as validation envelopes rather than actuation limits.
// Deployments with exact manufacturer data should load a profile through
// the config package instead.
package presets

import (
	"github.com/halcyon-robotics/vigil/pkg/constraints"
)

// mirror expands side-agnostic joint limits into left_/right_ pairs.
func mirror(joints map[string]constraints.JointLimit) map[string]constraints.JointLimit {
	out := make(map[string]constraints.JointLimit, 2*len(joints))
	for name, lim := range joints {
		out["left_"+name] = lim
		out["right_"+name] = lim
	}
	return out
}

// TeslaOptimus returns the constraint profile for a Tesla Optimus Gen 2:
// a 1.73 m, 28-DoF electromechanical humanoid built for factory work.
// Velocities in rad/s, positions in radians.
func TeslaOptimus(mode constraints.EnvironmentMode) (*constraints.RobotConstraints, error) {
	legs := mirror(map[string]constraints.JointLimit{
		"hip_yaw":     {MaxVelocity: 2.0, MinPosition: -0.8, MaxPosition: 0.8},
		"hip_roll":    {MaxVelocity: 2.0, MinPosition: -0.5, MaxPosition: 0.5},
		"hip_pitch":   {MaxVelocity: 2.5, MinPosition: -2.1, MaxPosition: 0.7},
		"knee_pitch":  {MaxVelocity: 3.0, MinPosition: 0.0, MaxPosition: 2.4},
		"ankle_pitch": {MaxVelocity: 2.5, MinPosition: -0.9, MaxPosition: 0.6},
		"ankle_roll":  {MaxVelocity: 2.0, MinPosition: -0.4, MaxPosition: 0.4},
	})
	arms := mirror(map[string]constraints.JointLimit{
		"shoulder_pitch": {MaxVelocity: 3.0, MinPosition: -3.1, MaxPosition: 1.0},
		"shoulder_roll":  {MaxVelocity: 2.5, MinPosition: -1.6, MaxPosition: 1.6},
		"shoulder_yaw":   {MaxVelocity: 2.5, MinPosition: -1.5, MaxPosition: 1.5},
		"elbow_pitch":    {MaxVelocity: 3.5, MinPosition: -2.6, MaxPosition: 0.1},
		"wrist_pitch":    {MaxVelocity: 4.0, MinPosition: -0.8, MaxPosition: 0.8},
		"wrist_yaw":      {MaxVelocity: 4.0, MinPosition: -1.5, MaxPosition: 1.5},
	})

	b := constraints.NewBuilder("tesla_optimus").
		WithMode(mode).
		WithJoints(legs).
		WithJoints(arms).
		WithJoint("waist_yaw", constraints.JointLimit{MaxVelocity: 1.5, MinPosition: -1.0, MaxPosition: 1.0}).
		WithJoint("waist_pitch", constraints.JointLimit{MaxVelocity: 1.2, MinPosition: -0.3, MaxPosition: 0.5}).
		WithJoint("neck_yaw", constraints.JointLimit{MaxVelocity: 2.0, MinPosition: -1.2, MaxPosition: 1.2}).
		WithJoint("neck_pitch", constraints.JointLimit{MaxVelocity: 2.0, MinPosition: -0.5, MaxPosition: 0.5}).
		WithZone(constraints.SafetyZone{
			Name:        "workstation",
			Min:         constraints.Position{X: -0.8, Y: -0.8, Z: 0.0},
			Max:         constraints.Position{X: 0.8, Y: 0.8, Z: 1.8},
			MaxVelocity: 0.6,
		}).
		WithZone(constraints.SafetyZone{
			Name:        "handover",
			Min:         constraints.Position{X: 0.2, Y: -0.4, Z: 0.7},
			Max:         constraints.Position{X: 0.9, Y: 0.4, Z: 1.6},
			MaxVelocity: 0.3,
		}).
		WithMaxHeight(2.2).
		WithMaxCartesianVelocity(1.2)

	return b.Build()
}

// BostonDynamicsAtlas returns the constraint profile for the electric
// Boston Dynamics Atlas: a 1.5 m research humanoid with much higher joint
// rates and near-unrestricted hip rotation.
func BostonDynamicsAtlas(mode constraints.EnvironmentMode) (*constraints.RobotConstraints, error) {
	legs := mirror(map[string]constraints.JointLimit{
		"hip_yaw":     {MaxVelocity: 6.0, MinPosition: -3.14, MaxPosition: 3.14},
		"hip_roll":    {MaxVelocity: 6.0, MinPosition: -1.2, MaxPosition: 1.2},
		"hip_pitch":   {MaxVelocity: 8.0, MinPosition: -2.6, MaxPosition: 1.6},
		"knee_pitch":  {MaxVelocity: 9.0, MinPosition: -0.1, MaxPosition: 2.6},
		"ankle_pitch": {MaxVelocity: 7.0, MinPosition: -1.1, MaxPosition: 0.9},
		"ankle_roll":  {MaxVelocity: 6.0, MinPosition: -0.6, MaxPosition: 0.6},
	})
	arms := mirror(map[string]constraints.JointLimit{
		"shoulder_pitch": {MaxVelocity: 7.0, MinPosition: -3.14, MaxPosition: 3.14},
		"shoulder_roll":  {MaxVelocity: 7.0, MinPosition: -2.2, MaxPosition: 2.2},
		"shoulder_yaw":   {MaxVelocity: 7.0, MinPosition: -3.14, MaxPosition: 3.14},
		"elbow_pitch":    {MaxVelocity: 9.0, MinPosition: -2.8, MaxPosition: 0.2},
		"wrist_yaw":      {MaxVelocity: 10.0, MinPosition: -3.14, MaxPosition: 3.14},
		"wrist_pitch":    {MaxVelocity: 10.0, MinPosition: -1.0, MaxPosition: 1.0},
	})

	b := constraints.NewBuilder("boston_dynamics_atlas").
		WithMode(mode).
		WithJoints(legs).
		WithJoints(arms).
		WithJoint("waist_yaw", constraints.JointLimit{MaxVelocity: 4.0, MinPosition: -2.0, MaxPosition: 2.0}).
		WithJoint("waist_pitch", constraints.JointLimit{MaxVelocity: 4.0, MinPosition: -0.8, MaxPosition: 0.8}).
		WithJoint("neck_yaw", constraints.JointLimit{MaxVelocity: 3.0, MinPosition: -1.5, MaxPosition: 1.5}).
		WithJoint("neck_pitch", constraints.JointLimit{MaxVelocity: 3.0, MinPosition: -0.6, MaxPosition: 0.6}).
		WithZone(constraints.SafetyZone{
			Name:        "test_cell",
			Min:         constraints.Position{X: -3.0, Y: -3.0, Z: 0.0},
			Max:         constraints.Position{X: 3.0, Y: 3.0, Z: 2.5},
			MaxVelocity: 1.5,
		}).
		WithZone(constraints.SafetyZone{
			Name:        "observation_window",
			Min:         constraints.Position{X: 2.0, Y: -3.0, Z: 0.0},
			Max:         constraints.Position{X: 3.0, Y: 3.0, Z: 2.5},
			MaxVelocity: 0.5,
		}).
		WithMaxHeight(2.5).
		WithMaxCartesianVelocity(2.5)

	return b.Build()
}

// Figure02 returns the constraint profile for a Figure 02: a 1.68 m
// logistics humanoid. includeHands adds the 16-DoF hands to the joint
// table; leave it false when a deployment validates hand motion through a
// dedicated manipulation controller.
func Figure02(mode constraints.EnvironmentMode, includeHands bool) (*constraints.RobotConstraints, error) {
	legs := mirror(map[string]constraints.JointLimit{
		"hip_yaw":     {MaxVelocity: 3.0, MinPosition: -1.0, MaxPosition: 1.0},
		"hip_roll":    {MaxVelocity: 3.0, MinPosition: -0.6, MaxPosition: 0.6},
		"hip_pitch":   {MaxVelocity: 3.5, MinPosition: -2.3, MaxPosition: 0.9},
		"knee_pitch":  {MaxVelocity: 4.0, MinPosition: 0.0, MaxPosition: 2.5},
		"ankle_pitch": {MaxVelocity: 3.5, MinPosition: -1.0, MaxPosition: 0.7},
		"ankle_roll":  {MaxVelocity: 3.0, MinPosition: -0.5, MaxPosition: 0.5},
	})
	arms := mirror(map[string]constraints.JointLimit{
		"shoulder_pitch": {MaxVelocity: 3.5, MinPosition: -3.0, MaxPosition: 1.2},
		"shoulder_roll":  {MaxVelocity: 3.5, MinPosition: -1.8, MaxPosition: 1.8},
		"shoulder_yaw":   {MaxVelocity: 3.0, MinPosition: -1.7, MaxPosition: 1.7},
		"elbow_pitch":    {MaxVelocity: 4.5, MinPosition: -2.7, MaxPosition: 0.1},
		"wrist_yaw":      {MaxVelocity: 5.0, MinPosition: -1.8, MaxPosition: 1.8},
		"wrist_pitch":    {MaxVelocity: 5.0, MinPosition: -0.9, MaxPosition: 0.9},
	})

	b := constraints.NewBuilder("figure_02").
		WithMode(mode).
		WithJoints(legs).
		WithJoints(arms).
		WithJoint("waist_yaw", constraints.JointLimit{MaxVelocity: 2.0, MinPosition: -1.2, MaxPosition: 1.2}).
		WithJoint("neck_yaw", constraints.JointLimit{MaxVelocity: 2.5, MinPosition: -1.3, MaxPosition: 1.3}).
		WithJoint("neck_pitch", constraints.JointLimit{MaxVelocity: 2.5, MinPosition: -0.6, MaxPosition: 0.6}).
		WithZone(constraints.SafetyZone{
			Name:        "logistics_cell",
			Min:         constraints.Position{X: -1.5, Y: -1.5, Z: 0.0},
			Max:         constraints.Position{X: 1.5, Y: 1.5, Z: 2.1},
			MaxVelocity: 0.8,
		}).
		WithZone(constraints.SafetyZone{
			Name:        "tote_handover",
			Min:         constraints.Position{X: 0.3, Y: -0.5, Z: 0.6},
			Max:         constraints.Position{X: 1.0, Y: 0.5, Z: 1.5},
			MaxVelocity: 0.35,
		}).
		WithMaxHeight(2.15).
		WithMaxCartesianVelocity(1.2)

	if includeHands {
		b.WithJoints(mirror(map[string]constraints.JointLimit{
			"thumb_flex":   {MaxVelocity: 6.0, MinPosition: -0.2, MaxPosition: 1.5},
			"thumb_abduct": {MaxVelocity: 6.0, MinPosition: -0.3, MaxPosition: 1.0},
			"index_flex":   {MaxVelocity: 6.0, MinPosition: -0.1, MaxPosition: 1.6},
			"middle_flex":  {MaxVelocity: 6.0, MinPosition: -0.1, MaxPosition: 1.6},
			"ring_flex":    {MaxVelocity: 6.0, MinPosition: -0.1, MaxPosition: 1.6},
			"pinky_flex":   {MaxVelocity: 6.0, MinPosition: -0.1, MaxPosition: 1.6},
		}))
	}

	return b.Build()
}
