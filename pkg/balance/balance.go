// Package balance maintains a humanoid robot's balance state over time and
// produces point-in-time safety assessments from IMU, zero-moment-point,
// and center-of-mass telemetry.
//
// The monitor is a pure, time-stepped state machine: sensor ingestion and
// assessment are separate so the consuming control loop owns timing.
// Ingestion overwrites the latest sample of its kind; Assess recomputes the
// state from the latest samples and is idempotent when nothing new has
// arrived. Nothing here blocks, locks, or allocates on the assessment path.
//
// Thread safety is the owner's job: share assessments through published
// snapshots, not through the live monitor.
package balance

import (
	"fmt"
	"time"
)

// State is the balance state machine's current level.
type State int

const (
	// StateStable means the ZMP is well inside the support polygon and
	// tilt is nominal. Initial state.
	StateStable State = iota
	// StateMarginal means the ZMP is near the support polygon boundary or
	// tilt exceeds the soft threshold.
	StateMarginal
	// StateUnstable means the ZMP has left the support polygon while the
	// robot is tipping.
	StateUnstable
	// StateFalling means a fall has been declared after the debounce
	// window; a fall direction is available.
	StateFalling
	// StateFallen means torso ground contact was detected. Exit requires
	// an explicit recovery command.
	StateFallen
	// StateRecovering means a recovery maneuver is in progress; the
	// monitor returns to stable after a debounced in-threshold window.
	StateRecovering
	// StateEmergencyStop is the externally latched halt state. Exit
	// requires an explicit Reset.
	StateEmergencyStop
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateStable:
		return "STABLE"
	case StateMarginal:
		return "MARGINALLY_STABLE"
	case StateUnstable:
		return "UNSTABLE"
	case StateFalling:
		return "FALLING"
	case StateFallen:
		return "FALLEN"
	case StateRecovering:
		return "RECOVERING"
	case StateEmergencyStop:
		return "EMERGENCY_STOP"
	default:
		return fmt.Sprintf("UNKNOWN_STATE(%d)", int(s))
	}
}

// Direction is the dominant fall direction in the body frame:
// x forward, y left, z up; positive pitch is a forward lean, positive roll
// a rightward lean.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionForward
	DirectionBackward
	DirectionLeft
	DirectionRight
)

// String implements fmt.Stringer for Direction.
func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "NONE"
	case DirectionForward:
		return "FORWARD"
	case DirectionBackward:
		return "BACKWARD"
	case DirectionLeft:
		return "LEFT"
	case DirectionRight:
		return "RIGHT"
	default:
		return fmt.Sprintf("UNKNOWN_DIRECTION(%d)", int(d))
	}
}

// Advice is the monitor's recommended response to the current state.
type Advice int

const (
	AdviceContinue Advice = iota
	AdviceReduceVelocity
	AdviceWidenStance
	AdviceBraceForImpact
	AdviceAwaitRecovery
	AdviceResumeSlowly
	AdviceHalt
)

// String implements fmt.Stringer for Advice.
func (a Advice) String() string {
	switch a {
	case AdviceContinue:
		return "CONTINUE"
	case AdviceReduceVelocity:
		return "REDUCE_VELOCITY"
	case AdviceWidenStance:
		return "WIDEN_STANCE"
	case AdviceBraceForImpact:
		return "BRACE_FOR_IMPACT"
	case AdviceAwaitRecovery:
		return "AWAIT_RECOVERY"
	case AdviceResumeSlowly:
		return "RESUME_SLOWLY"
	case AdviceHalt:
		return "HALT"
	default:
		return fmt.Sprintf("UNKNOWN_ADVICE(%d)", int(a))
	}
}

// IMUReading is one inertial sensor frame. Angles in radians, rates in
// rad/s, accelerations in m/s². The monitor keeps only the latest frame.
type IMUReading struct {
	Roll      float64   `json:"roll"`
	Pitch     float64   `json:"pitch"`
	Yaw       float64   `json:"yaw"`
	RollRate  float64   `json:"roll_rate"`
	PitchRate float64   `json:"pitch_rate"`
	YawRate   float64   `json:"yaw_rate"`
	AccelX    float64   `json:"accel_x"`
	AccelY    float64   `json:"accel_y"`
	AccelZ    float64   `json:"accel_z"`
	Timestamp time.Time `json:"timestamp"`
}

// ZMPState is a zero-moment-point estimate in the support-polygon plane.
// Margin is the distance to the polygon boundary in metres; negative means
// the ZMP is outside the polygon.
type ZMPState struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Stable bool    `json:"stable"`
	Margin float64 `json:"margin"`
}

// CoMState is a center-of-mass estimate in metres.
type CoMState struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Assessment is the output of one assessment cycle. It is a value: callers
// may copy and publish it freely. FallDirection is DirectionNone unless
// State is StateFalling.
type Assessment struct {
	State         State     `json:"state"`
	Safe          bool      `json:"safe"`
	FallDirection Direction `json:"fall_direction"`
	Advice        Advice    `json:"advice"`
	ZMPMargin     float64   `json:"zmp_margin"`
	TiltAngle     float64   `json:"tilt_angle"`
	TiltRate      float64   `json:"tilt_rate"`
	Cycle         uint64    `json:"cycle"`
}
