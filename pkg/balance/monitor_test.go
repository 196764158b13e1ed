package balance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, opts ...Option) *Monitor {
	t.Helper()
	m, err := NewMonitor(DefaultThresholds(), opts...)
	require.NoError(t, err)
	return m
}

// feed pushes one synthetic control frame and runs an assessment cycle.
func feed(m *Monitor, margin, pitch, pitchRate float64) Assessment {
	m.UpdateZMP(ZMPState{Margin: margin, Stable: margin >= 0})
	m.UpdateIMU(IMUReading{Pitch: pitch, PitchRate: pitchRate, AccelZ: -9.81})
	return m.Assess()
}

func TestNewMonitor_RejectsBadThresholds(t *testing.T) {
	bad := DefaultThresholds()
	bad.FallDebounceCycles = 1
	bad.HardTiltRate = 0.1 // below MinTiltRate

	_, err := NewMonitor(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDebounceRange)
	assert.ErrorIs(t, err, ErrThresholdRange)
}

func TestMonitor_InitialStateIsStable(t *testing.T) {
	m := newTestMonitor(t)
	assert.Equal(t, StateStable, m.State())

	a := m.Assess()
	assert.Equal(t, StateStable, a.State)
	assert.True(t, a.Safe)
	assert.Equal(t, AdviceContinue, a.Advice)
	assert.Equal(t, DirectionNone, a.FallDirection)
}

func TestMonitor_LevelTransitions(t *testing.T) {
	tests := []struct {
		name      string
		margin    float64
		pitch     float64
		pitchRate float64
		want      State
	}{
		{"healthy margin, low tilt", 0.12, 0.02, 0.05, StateStable},
		{"margin at marginal threshold stays stable", 0.05, 0.02, 0.05, StateStable},
		{"margin just inside threshold", 0.049, 0.02, 0.05, StateMarginal},
		{"soft tilt with healthy margin", 0.12, 0.20, 0.05, StateMarginal},
		{"outside polygon but settling", -0.01, 0.05, 0.05, StateMarginal},
		{"outside polygon and tipping", -0.01, 0.10, 0.30, StateUnstable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(t)
			a := feed(m, tt.margin, tt.pitch, tt.pitchRate)
			assert.Equal(t, tt.want, a.State)
			assert.Equal(t, tt.want == StateStable || tt.want == StateMarginal, a.Safe)
		})
	}
}

func TestMonitor_LevelsRecoverWithoutCommand(t *testing.T) {
	m := newTestMonitor(t)

	a := feed(m, -0.01, 0.1, 0.3)
	require.Equal(t, StateUnstable, a.State)

	// Marginal and unstable are level-triggered: a healthy frame walks
	// straight back down without any external recovery command.
	a = feed(m, 0.02, 0.05, 0.05)
	require.Equal(t, StateMarginal, a.State)

	a = feed(m, 0.12, 0.02, 0.01)
	assert.Equal(t, StateStable, a.State)
}

// A staggering robot walks its ZMP margin out of the support polygon while
// pitching forward at fall-grade rate; after the two-cycle debounce the
// monitor must declare the fall and name its direction.
func TestMonitor_FallSequence(t *testing.T) {
	m := newTestMonitor(t)

	margins := []float64{0.1, 0.05, -0.02, -0.05}
	rates := []float64{0.05, 0.10, 0.90, 1.10}

	var a Assessment
	for i := range margins {
		a = feed(m, margins[i], 0.3, rates[i])
	}

	assert.Equal(t, StateFalling, a.State)
	assert.False(t, a.Safe)
	assert.Equal(t, DirectionForward, a.FallDirection)
	assert.Equal(t, AdviceBraceForImpact, a.Advice)
}

func TestMonitor_FallDirectionByDominantAxis(t *testing.T) {
	tests := []struct {
		name  string
		roll  float64
		pitch float64
		want  Direction
	}{
		{"pitch forward", 0.05, 0.40, DirectionForward},
		{"pitch backward", 0.05, -0.40, DirectionBackward},
		{"roll right", 0.40, 0.05, DirectionRight},
		{"roll left", -0.40, 0.05, DirectionLeft},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(t)
			var a Assessment
			for i := 0; i < 2; i++ {
				m.UpdateZMP(ZMPState{Margin: -0.05})
				m.UpdateIMU(IMUReading{Roll: tt.roll, Pitch: tt.pitch, RollRate: 0.9, PitchRate: 0.9})
				a = m.Assess()
			}
			require.Equal(t, StateFalling, a.State)
			assert.Equal(t, tt.want, a.FallDirection)
		})
	}
}

// A single fall-grade spike surrounded by healthy frames must never declare
// a fall: the debounce exists to reject sensor noise.
func TestMonitor_SingleSpikeDoesNotDeclareFall(t *testing.T) {
	m := newTestMonitor(t)

	feed(m, 0.10, 0.02, 0.05)
	a := feed(m, -0.05, 0.30, 1.50) // one qualifying cycle only
	assert.Equal(t, StateUnstable, a.State)

	a = feed(m, 0.10, 0.02, 0.05)
	assert.Equal(t, StateStable, a.State)

	// Alternating spikes never accumulate either; the streak resets on
	// every non-qualifying cycle.
	for i := 0; i < 6; i++ {
		if i%2 == 0 {
			a = feed(m, -0.05, 0.30, 1.50)
		} else {
			a = feed(m, 0.10, 0.02, 0.05)
		}
		require.NotEqual(t, StateFalling, a.State, "cycle %d", i)
	}
}

func TestMonitor_FallingToFallenOnGroundContact(t *testing.T) {
	t.Run("com height", func(t *testing.T) {
		m := newTestMonitor(t)
		for i := 0; i < 2; i++ {
			feed(m, -0.05, 0.4, 1.2)
		}
		require.Equal(t, StateFalling, m.State())

		m.UpdateCoM(CoMState{Z: 0.30})
		a := m.Assess()
		assert.Equal(t, StateFallen, a.State)
		assert.Equal(t, DirectionNone, a.FallDirection)
		assert.Equal(t, AdviceAwaitRecovery, a.Advice)
	})

	t.Run("impact spike", func(t *testing.T) {
		m := newTestMonitor(t)
		for i := 0; i < 2; i++ {
			feed(m, -0.05, 0.4, 1.2)
		}
		require.Equal(t, StateFalling, m.State())

		m.UpdateIMU(IMUReading{Pitch: 1.2, AccelX: 28.0})
		a := m.Assess()
		assert.Equal(t, StateFallen, a.State)
	})
}

func TestMonitor_FallenIsLatchedUntilRecovery(t *testing.T) {
	m := newTestMonitor(t)
	for i := 0; i < 2; i++ {
		feed(m, -0.05, 0.4, 1.2)
	}
	m.UpdateCoM(CoMState{Z: 0.2})
	require.Equal(t, StateFallen, m.Assess().State)

	// Healthy telemetry does not stand the robot back up.
	for i := 0; i < 5; i++ {
		a := feed(m, 0.12, 0.02, 0.01)
		require.Equal(t, StateFallen, a.State)
	}

	require.NoError(t, m.BeginRecovery())
	assert.Equal(t, StateRecovering, m.State())
}

func TestMonitor_RecoveryDebounce(t *testing.T) {
	m := newTestMonitor(t)
	for i := 0; i < 2; i++ {
		feed(m, -0.05, 0.4, 1.2)
	}
	m.UpdateCoM(CoMState{Z: 0.2})
	m.Assess()
	require.NoError(t, m.BeginRecovery())

	// CoM below contact height must not re-trip anything: recovery is
	// judged on the stability level alone.
	m.UpdateCoM(CoMState{Z: 0.5})

	a := feed(m, 0.12, 0.02, 0.01)
	require.Equal(t, StateRecovering, a.State)
	a = feed(m, 0.12, 0.02, 0.01)
	require.Equal(t, StateRecovering, a.State)
	a = feed(m, 0.12, 0.02, 0.01)
	assert.Equal(t, StateStable, a.State)
}

func TestMonitor_RecoveryStreakResetsOnWobble(t *testing.T) {
	m := newTestMonitor(t)
	for i := 0; i < 2; i++ {
		feed(m, -0.05, 0.4, 1.2)
	}
	m.UpdateCoM(CoMState{Z: 0.2})
	m.Assess()
	require.NoError(t, m.BeginRecovery())
	m.UpdateCoM(CoMState{Z: 0.5})

	feed(m, 0.12, 0.02, 0.01)
	feed(m, 0.12, 0.02, 0.01)
	feed(m, 0.01, 0.02, 0.01) // wobble: marginal frame resets the streak
	a := feed(m, 0.12, 0.02, 0.01)
	require.Equal(t, StateRecovering, a.State)
	a = feed(m, 0.12, 0.02, 0.01)
	require.Equal(t, StateRecovering, a.State)
	a = feed(m, 0.12, 0.02, 0.01)
	assert.Equal(t, StateStable, a.State)
}

func TestMonitor_BeginRecoveryFromFallingArrest(t *testing.T) {
	m := newTestMonitor(t)
	for i := 0; i < 2; i++ {
		feed(m, -0.05, 0.4, 1.2)
	}
	require.Equal(t, StateFalling, m.State())

	require.NoError(t, m.BeginRecovery())
	assert.Equal(t, StateRecovering, m.State())
}

func TestMonitor_BeginRecoveryRejectedElsewhere(t *testing.T) {
	m := newTestMonitor(t)
	err := m.BeginRecovery()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecoveryUnavailable)

	m.TriggerEmergencyStop()
	assert.ErrorIs(t, m.BeginRecovery(), ErrRecoveryUnavailable)
}

func TestMonitor_EmergencyStopIsSticky(t *testing.T) {
	m := newTestMonitor(t)
	feed(m, 0.12, 0.02, 0.01)

	m.TriggerEmergencyStop()
	require.Equal(t, StateEmergencyStop, m.State())

	// No amount of healthy telemetry releases the latch.
	for i := 0; i < 10; i++ {
		a := feed(m, 0.12, 0.01, 0.01)
		require.Equal(t, StateEmergencyStop, a.State)
		require.False(t, a.Safe)
		require.Equal(t, AdviceHalt, a.Advice)
	}

	m.Reset()
	assert.Equal(t, StateStable, m.State())
	a := m.Assess()
	assert.Equal(t, StateStable, a.State)
}

func TestMonitor_AssessIdempotentWithoutFreshData(t *testing.T) {
	m := newTestMonitor(t)

	first := feed(m, -0.02, 0.1, 0.3)
	require.Equal(t, StateUnstable, first.State)

	// Repeated polling without new samples must not advance debounce
	// counters or change anything else.
	for i := 0; i < 8; i++ {
		again := m.Assess()
		require.Equal(t, first, again)
	}

	// One more fresh qualifying frame after all that polling still only
	// counts as one debounce cycle... so the state stays short of falling
	// until the streak is genuinely consecutive.
	a := feed(m, -0.02, 0.1, 0.3)
	assert.Equal(t, StateUnstable, a.State)
}

func TestMonitor_DegenerateTelemetryDegradesState(t *testing.T) {
	tests := []struct {
		name string
		push func(m *Monitor)
	}{
		{"nan margin", func(m *Monitor) { m.UpdateZMP(ZMPState{Margin: math.NaN()}) }},
		{"inf margin", func(m *Monitor) { m.UpdateZMP(ZMPState{Margin: math.Inf(-1)}) }},
		{"nan pitch", func(m *Monitor) { m.UpdateIMU(IMUReading{Pitch: math.NaN()}) }},
		{"inf roll rate", func(m *Monitor) { m.UpdateIMU(IMUReading{RollRate: math.Inf(1)}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(t)
			tt.push(m)
			a := m.Assess()
			assert.Equal(t, StateUnstable, a.State)
			assert.False(t, a.Safe)
			// Garbage never fabricates a fall direction.
			assert.Equal(t, DirectionNone, a.FallDirection)
		})
	}
}

func TestMonitor_DiagnosticsRing(t *testing.T) {
	m := newTestMonitor(t, WithDiagnosticsBuffer(3))

	for i := 0; i < 5; i++ {
		feed(m, 0.12, 0.02, 0.01)
	}
	diag := m.Diagnostics()
	require.Len(t, diag, 3)
	assert.Equal(t, uint64(3), diag[0].Cycle)
	assert.Equal(t, uint64(5), diag[2].Cycle)
}

func TestMonitor_ResetClearsEverything(t *testing.T) {
	m := newTestMonitor(t, WithDiagnosticsBuffer(4))
	for i := 0; i < 2; i++ {
		feed(m, -0.05, 0.4, 1.2)
	}
	require.Equal(t, StateFalling, m.State())

	m.Reset()
	assert.Equal(t, StateStable, m.State())
	assert.Empty(t, m.Diagnostics())

	_, ok := m.LastAssessment()
	assert.False(t, ok)

	// Post-reset the monitor behaves like a fresh one: a single spike is
	// still debounced.
	a := feed(m, -0.05, 0.3, 1.5)
	assert.Equal(t, StateUnstable, a.State)
}

func BenchmarkMonitor_Assess(b *testing.B) {
	m, err := NewMonitor(DefaultThresholds())
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.UpdateZMP(ZMPState{Margin: 0.08, Stable: true})
		m.UpdateIMU(IMUReading{Pitch: 0.02, PitchRate: 0.01, AccelZ: -9.81})
		m.Assess()
	}
}
