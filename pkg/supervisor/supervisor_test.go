package supervisor_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-robotics/vigil/pkg/audit"
	"github.com/halcyon-robotics/vigil/pkg/balance"
	"github.com/halcyon-robotics/vigil/pkg/config"
	"github.com/halcyon-robotics/vigil/pkg/supervisor"
	"github.com/halcyon-robotics/vigil/pkg/validator"
)

const labProfile = `
schema_version: "1.0.0"
name: bay-4
environment_mode: research
body:
  safety_factor: 0.8
joints:
  left_elbow_pitch:
    max_velocity: 2.0
    min_position: -2.6
    max_position: 0.1
max_height: 2.0
max_cartesian_velocity: 1.5
`

const siteRules = `
rules:
  - name: halt-when-falling
    expression: 'balance.state == "FALLING"'
    effect: deny
  - name: flag-wave
    expression: 'action.name == "wave"'
    effect: warn
`

const restrictedProfile = `
schema_version: "1.0.0"
name: bay-4-restricted
environment_mode: research
body:
  safety_factor: 0.8
joints:
  left_elbow_pitch:
    max_velocity: 1.0
    min_position: -2.6
    max_position: 0.1
max_height: 2.0
max_cartesian_velocity: 1.5
`

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func materialize(t *testing.T, doc string) *config.Materialized {
	t.Helper()
	p, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	m, err := p.Materialize()
	require.NoError(t, err)
	return m
}

func newTestSession(t *testing.T, doc string, opts ...supervisor.Option) *supervisor.Session {
	t.Helper()
	opts = append([]supervisor.Option{supervisor.WithLogger(quiet())}, opts...)
	s, err := supervisor.NewSession("unit-7", materialize(t, doc), opts...)
	require.NoError(t, err)
	return s
}

// frame builds one telemetry frame. A negative margin puts the ZMP outside
// the support polygon.
func frame(margin, pitch, pitchRate float64) supervisor.Frame {
	return supervisor.Frame{
		IMU: &balance.IMUReading{Pitch: pitch, PitchRate: pitchRate, AccelZ: -9.81},
		ZMP: &balance.ZMPState{Margin: margin, Stable: margin >= 0},
	}
}

func ingestHealthy(ctx context.Context, s *supervisor.Session) balance.Assessment {
	return s.IngestFrame(ctx, frame(0.12, 0.02, 0.01))
}

// ingestFall drives the monitor through its fall debounce into FALLING.
func ingestFall(ctx context.Context, s *supervisor.Session) balance.Assessment {
	s.IngestFrame(ctx, frame(-0.05, 0.4, 1.2))
	return s.IngestFrame(ctx, frame(-0.05, 0.4, 1.2))
}

func waveAction() validator.HumanoidAction {
	return validator.HumanoidAction{
		Name:            "wave",
		JointVelocities: map[string]float64{"left_elbow_pitch": 1.5},
		Purpose:         "greet visitor at reception",
	}
}

func hasCode(vs []validator.Violation, code string) bool {
	for _, v := range vs {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestNewSession_Validation(t *testing.T) {
	m := materialize(t, labProfile)

	_, err := supervisor.NewSession("", m)
	assert.ErrorIs(t, err, supervisor.ErrRobotID)

	_, err = supervisor.NewSession("unit-7", nil)
	assert.ErrorIs(t, err, supervisor.ErrNilProfile)

	s, err := supervisor.NewSession("unit-7", m, supervisor.WithLogger(quiet()))
	require.NoError(t, err)
	assert.Equal(t, "unit-7", s.RobotID())
	assert.NotEmpty(t, s.SessionID())
	assert.Equal(t, "bay-4", s.ProfileName())
	assert.False(t, s.Estopped())
}

func TestIngestFrame_PublishesSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)

	_, ok := s.LatestAssessment()
	assert.False(t, ok, "no snapshot before the first frame")

	a := ingestHealthy(ctx, s)
	assert.Equal(t, balance.StateStable, a.State)
	assert.True(t, a.Safe)

	got, ok := s.LatestAssessment()
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestValidateAction_ApprovesAndAudits(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)
	ingestHealthy(ctx, s)

	res := s.ValidateAction(ctx, waveAction())
	assert.True(t, res.Safe)
	assert.Empty(t, res.Violations)
	assert.Equal(t, "approved: truth, harm, scope and purpose gates passed", res.Reasoning)

	records := s.Trail().Query(audit.Filter{Kind: audit.KindValidation})
	require.Len(t, records, 1)
	assert.Equal(t, "wave", records[0].Subject)
	assert.NoError(t, s.Trail().VerifyChain())
}

func TestValidateAction_RejectsWhileFalling(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)

	a := ingestFall(ctx, s)
	require.Equal(t, balance.StateFalling, a.State)

	res := s.ValidateAction(ctx, waveAction())
	assert.False(t, res.Safe)
	assert.True(t, hasCode(res.Violations, "HARM_BALANCE_FALLING"))
}

func TestEmergencyStop_LatchHoldsThroughTelemetry(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)
	ingestHealthy(ctx, s)

	s.EmergencyStop(ctx, "operator")
	assert.True(t, s.Estopped())

	got, ok := s.LatestAssessment()
	require.True(t, ok)
	assert.Equal(t, balance.StateEmergencyStop, got.State)

	// Healthy telemetry must not clear the latch.
	for i := 0; i < 3; i++ {
		a := ingestHealthy(ctx, s)
		assert.Equal(t, balance.StateEmergencyStop, a.State)
	}
	assert.True(t, s.Estopped())

	res := s.ValidateAction(ctx, waveAction())
	assert.False(t, res.Safe)
	assert.True(t, hasCode(res.Violations, supervisor.CodeEstopLatched))

	s.Reset(ctx, "operator")
	assert.False(t, s.Estopped())

	res = s.ValidateAction(ctx, waveAction())
	assert.True(t, res.Safe)

	estops := s.Trail().Query(audit.Filter{Kind: audit.KindEstop})
	resets := s.Trail().Query(audit.Filter{Kind: audit.KindReset})
	require.Len(t, estops, 1)
	require.Len(t, resets, 1)
	assert.Less(t, estops[0].Sequence, resets[0].Sequence)
	assert.NoError(t, s.Trail().VerifyChain())
}

func TestEmergencyStop_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)

	s.EmergencyStop(ctx, "operator")
	s.EmergencyStop(ctx, "watchdog")

	assert.Len(t, s.Trail().Query(audit.Filter{Kind: audit.KindEstop}), 1)
}

func TestBeginRecovery(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)
	ingestHealthy(ctx, s)

	err := s.BeginRecovery(ctx, "operator")
	assert.ErrorIs(t, err, balance.ErrRecoveryUnavailable)

	a := ingestFall(ctx, s)
	require.Equal(t, balance.StateFalling, a.State)

	require.NoError(t, s.BeginRecovery(ctx, "operator"))
	got, ok := s.LatestAssessment()
	require.True(t, ok)
	assert.Equal(t, balance.StateRecovering, got.State)
}

func TestDispatch_OperatorCommands(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)

	s.Dispatch(ctx, supervisor.Command{Action: "estop", Source: "console"})
	assert.True(t, s.Estopped())

	s.Dispatch(ctx, supervisor.Command{Action: "RESET"})
	assert.False(t, s.Estopped())

	// Unknown commands are logged and dropped, never executed as anything.
	s.Dispatch(ctx, supervisor.Command{Action: "self-destruct"})
	assert.False(t, s.Estopped())
}

func TestDeploymentRules_FoldIntoVerdict(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile+siteRules)
	ingestHealthy(ctx, s)

	res := s.ValidateAction(ctx, waveAction())
	assert.True(t, res.Safe, "warn rules must not block")
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, supervisor.GatePolicy, res.Warnings[0].Gate)
	assert.Equal(t, supervisor.CodePolicyWarn, res.Warnings[0].Code)
	assert.Contains(t, res.Warnings[0].Description, "flag-wave")
	assert.Equal(t, "approved with 1 advisory warning(s): POLICY_RULE_WARN", res.Reasoning)

	a := ingestFall(ctx, s)
	require.Equal(t, balance.StateFalling, a.State)

	res = s.ValidateAction(ctx, waveAction())
	assert.False(t, res.Safe)
	assert.True(t, hasCode(res.Violations, "HARM_BALANCE_FALLING"))
	assert.True(t, hasCode(res.Violations, supervisor.CodePolicyDeny))
}

func TestSwapProfile(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)
	ingestHealthy(ctx, s)

	res := s.ValidateAction(ctx, waveAction())
	require.True(t, res.Safe)

	require.NoError(t, s.SwapProfile(materialize(t, restrictedProfile)))
	assert.Equal(t, "bay-4-restricted", s.ProfileName())

	res = s.ValidateAction(ctx, waveAction())
	assert.False(t, res.Safe)
	assert.True(t, hasCode(res.Violations, validator.CodeJointLimit))

	swaps := s.Trail().Query(audit.Filter{Kind: audit.KindProfileSwap})
	require.Len(t, swaps, 1)
	assert.Equal(t, "bay-4-restricted", swaps[0].Subject)

	assert.ErrorIs(t, s.SwapProfile(nil), supervisor.ErrNilProfile)
}

func TestTransitions_Audited(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)

	// The first healthy frame lands in the initial state; no transition.
	ingestHealthy(ctx, s)
	assert.Empty(t, s.Trail().Query(audit.Filter{Kind: audit.KindAssessment}))

	ingestFall(ctx, s)

	records := s.Trail().Query(audit.Filter{Kind: audit.KindAssessment})
	require.Len(t, records, 2)
	assert.Equal(t, "UNSTABLE", records[0].Subject)
	assert.Equal(t, "FALLING", records[1].Subject)

	var payload struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	require.NoError(t, json.Unmarshal(records[1].Payload, &payload))
	assert.Equal(t, "UNSTABLE", payload.From)
	assert.Equal(t, "FALLING", payload.To)

	assert.NoError(t, s.Trail().VerifyChain())
}

func TestValidateAction_DegenerateInputStillAudited(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, labProfile)
	ingestHealthy(ctx, s)

	res := s.ValidateAction(ctx, validator.HumanoidAction{
		Name:            "lift",
		JointVelocities: map[string]float64{"left_elbow_pitch": math.NaN()},
		Purpose:         "move crate",
	})
	assert.False(t, res.Safe)

	// The audit payload must survive JSON serialization even when the
	// rejected command carried non-finite values.
	records := s.Trail().Query(audit.Filter{Kind: audit.KindValidation})
	require.Len(t, records, 1)
	assert.Equal(t, "lift", records[0].Subject)
	assert.True(t, json.Valid(records[0].Payload))
}
