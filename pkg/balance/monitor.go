package balance

import (
	"errors"
	"fmt"
	"math"
)

// Transition errors.
var (
	// ErrRecoveryUnavailable is returned by BeginRecovery when the robot
	// is not in a state a recovery maneuver can start from.
	ErrRecoveryUnavailable = errors.New("balance: recovery unavailable in current state")
)

// Option configures a Monitor.
type Option func(*Monitor)

// WithDiagnosticsBuffer keeps the last n assessments in a ring buffer for
// post-incident inspection. n <= 0 disables the buffer (the default).
func WithDiagnosticsBuffer(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.diag = make([]Assessment, 0, n)
			m.diagCap = n
		}
	}
}

// Monitor is the balance state machine. It is not safe for concurrent use;
// the owning control loop serializes ingestion and assessment.
type Monitor struct {
	thresholds Thresholds

	imu    IMUReading
	zmp    ZMPState
	com    CoMState
	hasIMU bool
	hasZMP bool
	hasCoM bool

	// seq increments on every sensor update; assessedSeq records the seq
	// consumed by the last Assess. Equal values mean no fresh data, so
	// Assess replays the previous assessment unchanged.
	seq         uint64
	assessedSeq uint64
	cycle       uint64

	state         State
	fallDirection Direction
	fallStreak    int
	recoverStreak int

	last    Assessment
	hasLast bool

	diag    []Assessment
	diagCap int
}

// NewMonitor builds a monitor in StateStable. Thresholds are validated up
// front so a misconfigured monitor can never reach a control loop.
func NewMonitor(t Thresholds, opts ...Option) (*Monitor, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("balance: invalid thresholds: %w", err)
	}
	m := &Monitor{thresholds: t, state: StateStable}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current balance state without running an assessment.
func (m *Monitor) State() State { return m.state }

// Thresholds returns the active threshold set.
func (m *Monitor) Thresholds() Thresholds { return m.thresholds }

// LastAssessment returns the most recent assessment, if any.
func (m *Monitor) LastAssessment() (Assessment, bool) { return m.last, m.hasLast }

// Diagnostics returns a chronological copy of the retained assessments.
// Empty unless WithDiagnosticsBuffer was set.
func (m *Monitor) Diagnostics() []Assessment {
	out := make([]Assessment, len(m.diag))
	copy(out, m.diag)
	return out
}

// UpdateIMU records the latest inertial frame. Ingestion never transitions
// state; call Assess to consume it.
func (m *Monitor) UpdateIMU(r IMUReading) {
	m.imu = r
	m.hasIMU = true
	m.seq++
}

// UpdateZMP records the latest zero-moment-point estimate.
func (m *Monitor) UpdateZMP(z ZMPState) {
	m.zmp = z
	m.hasZMP = true
	m.seq++
}

// UpdateCoM records the latest center-of-mass estimate.
func (m *Monitor) UpdateCoM(c CoMState) {
	m.com = c
	m.hasCoM = true
	m.seq++
}

// TriggerEmergencyStop latches the monitor in StateEmergencyStop. The latch
// holds through any amount of telemetry until Reset.
func (m *Monitor) TriggerEmergencyStop() {
	m.state = StateEmergencyStop
	m.fallDirection = DirectionNone
	m.fallStreak = 0
	m.recoverStreak = 0
	// A forced transition is fresh information for Assess.
	m.seq++
}

// Reset returns the monitor to its initial condition: StateStable, no
// retained samples, cleared debounce counters. This is the only exit from
// StateEmergencyStop and is an external authority's decision, never the
// monitor's own.
func (m *Monitor) Reset() {
	t, diagCap := m.thresholds, m.diagCap
	diag := m.diag[:0]
	*m = Monitor{thresholds: t, state: StateStable, diag: diag, diagCap: diagCap}
}

// BeginRecovery starts a recovery maneuver. Valid from StateFallen, and
// from StateFalling when a fall-arrest behavior caught the robot mid-fall.
func (m *Monitor) BeginRecovery() error {
	switch m.state {
	case StateFallen, StateFalling:
		m.state = StateRecovering
		m.fallDirection = DirectionNone
		m.fallStreak = 0
		m.recoverStreak = 0
		// A forced transition is fresh information for Assess.
		m.seq++
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrRecoveryUnavailable, m.state)
	}
}

// Assess runs one assessment cycle against the latest sensor samples and
// returns the resulting snapshot. Calling Assess again with no intervening
// update returns the previous assessment unchanged: state changes are
// driven by data, not by polling frequency.
func (m *Monitor) Assess() Assessment {
	if m.hasLast && m.seq == m.assessedSeq {
		return m.last
	}
	m.assessedSeq = m.seq
	m.cycle++

	tiltAngle := math.Hypot(m.imu.Roll, m.imu.Pitch)
	tiltRate := math.Hypot(m.imu.RollRate, m.imu.PitchRate)
	m.step(tiltAngle, tiltRate)

	a := Assessment{
		State:     m.state,
		Safe:      m.state == StateStable || m.state == StateMarginal,
		Advice:    adviceFor(m.state),
		ZMPMargin: m.zmp.Margin,
		TiltAngle: tiltAngle,
		TiltRate:  tiltRate,
		Cycle:     m.cycle,
	}
	if m.state == StateFalling {
		a.FallDirection = m.fallDirection
	}

	m.last = a
	m.hasLast = true
	if m.diagCap > 0 {
		if len(m.diag) == m.diagCap {
			copy(m.diag, m.diag[1:])
			m.diag = m.diag[:m.diagCap-1]
		}
		m.diag = append(m.diag, a)
	}
	return a
}

// step advances the state machine by one cycle.
func (m *Monitor) step(tiltAngle, tiltRate float64) {
	switch m.state {
	case StateEmergencyStop:
		// Latched until Reset.
		return

	case StateFallen:
		// Latched until BeginRecovery.
		return

	case StateFalling:
		if m.groundContact() {
			m.state = StateFallen
			m.fallDirection = DirectionNone
		}
		return

	case StateRecovering:
		if m.level(tiltAngle, tiltRate) == StateStable {
			m.recoverStreak++
			if m.recoverStreak >= m.thresholds.RecoveryDebounceCycles {
				m.state = StateStable
				m.recoverStreak = 0
			}
		} else {
			m.recoverStreak = 0
		}
		return
	}

	// Stable, marginal, and unstable are level-triggered: each cycle
	// recomputes the level from the latest samples, in both directions.
	level := m.level(tiltAngle, tiltRate)

	if level == StateUnstable && tiltRate >= m.thresholds.HardTiltRate {
		m.fallStreak++
	} else {
		m.fallStreak = 0
	}

	if m.fallStreak >= m.thresholds.FallDebounceCycles {
		m.state = StateFalling
		m.fallDirection = m.dominantTilt()
		m.fallStreak = 0
		return
	}
	m.state = level
}

// level classifies the latest samples as stable, marginal, or unstable.
// A sample set with non-finite values classifies as unstable: garbage
// telemetry must degrade the state, not be mistaken for health, but it
// never fabricates a fall direction.
func (m *Monitor) level(tiltAngle, tiltRate float64) State {
	if !m.hasIMU && !m.hasZMP {
		return StateStable
	}
	if m.degenerate(tiltAngle, tiltRate) {
		return StateUnstable
	}

	outside := m.hasZMP && (m.zmp.Margin < 0 || !m.zmp.Stable)
	if outside && tiltRate >= m.thresholds.MinTiltRate {
		return StateUnstable
	}

	nearEdge := m.hasZMP && m.zmp.Margin < m.thresholds.MarginalZMPMargin
	if nearEdge || outside || tiltAngle > m.thresholds.SoftTiltAngle {
		return StateMarginal
	}
	return StateStable
}

func (m *Monitor) degenerate(tiltAngle, tiltRate float64) bool {
	if m.hasZMP && (math.IsNaN(m.zmp.Margin) || math.IsInf(m.zmp.Margin, 0)) {
		return true
	}
	if m.hasIMU && (math.IsNaN(tiltAngle) || math.IsInf(tiltAngle, 0) ||
		math.IsNaN(tiltRate) || math.IsInf(tiltRate, 0)) {
		return true
	}
	return false
}

// groundContact reports torso ground contact while falling: CoM at or
// below the contact height, or an impact-grade acceleration spike.
func (m *Monitor) groundContact() bool {
	if m.hasCoM && m.com.Z <= m.thresholds.GroundContactHeight {
		return true
	}
	if m.hasIMU {
		mag := math.Sqrt(m.imu.AccelX*m.imu.AccelX + m.imu.AccelY*m.imu.AccelY + m.imu.AccelZ*m.imu.AccelZ)
		if mag >= m.thresholds.ImpactAccel {
			return true
		}
	}
	return false
}

// dominantTilt picks the fall direction from the larger tilt axis at the
// moment the fall is declared.
func (m *Monitor) dominantTilt() Direction {
	if math.Abs(m.imu.Pitch) >= math.Abs(m.imu.Roll) {
		if m.imu.Pitch >= 0 {
			return DirectionForward
		}
		return DirectionBackward
	}
	if m.imu.Roll >= 0 {
		return DirectionRight
	}
	return DirectionLeft
}

func adviceFor(s State) Advice {
	switch s {
	case StateStable:
		return AdviceContinue
	case StateMarginal:
		return AdviceReduceVelocity
	case StateUnstable:
		return AdviceWidenStance
	case StateFalling:
		return AdviceBraceForImpact
	case StateFallen:
		return AdviceAwaitRecovery
	case StateRecovering:
		return AdviceResumeSlowly
	default:
		return AdviceHalt
	}
}
