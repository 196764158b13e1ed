// Package supervisor runs the per-robot safety session: it owns the
// balance monitor, the action validator and the deployment rule engine for
// one physical robot and mediates every interaction between them.
//
// A session is built for two concurrent callers. The sensor loop calls
// IngestFrame, which feeds the monitor and hands the resulting assessment
// to the planning side through an atomic pointer. The planning loop calls
// ValidateAction, which reads the latest published snapshot and never
// blocks on ingestion. Operator commands (emergency stop, reset, recovery)
// may arrive from any goroutine.
//
// Failure semantics are fail-closed: a panic anywhere in the validation
// path rejects the action and latches the emergency stop, and the latch
// holds until an explicit Reset. Every verdict, balance transition,
// emergency stop, reset and profile swap is appended to a tamper-evident
// audit trail.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-robotics/vigil/pkg/audit"
	"github.com/halcyon-robotics/vigil/pkg/balance"
	"github.com/halcyon-robotics/vigil/pkg/config"
	"github.com/halcyon-robotics/vigil/pkg/observability"
	"github.com/halcyon-robotics/vigil/pkg/policy"
	"github.com/halcyon-robotics/vigil/pkg/validator"
)

// Construction errors.
var (
	ErrRobotID    = errors.New("supervisor: robot id must not be empty")
	ErrNilProfile = errors.New("supervisor: materialized profile must not be nil")
)

// GatePolicy marks findings produced by deployment rules rather than one
// of the built-in gates.
const GatePolicy = validator.Gate("POLICY")

// Codes the supervisor adds on top of the core validator's.
const (
	CodeEstopLatched      = "HARM_ESTOP_LATCHED"
	CodePolicyDeny        = "POLICY_RULE_DENY"
	CodePolicyWarn        = "POLICY_RULE_WARN"
	CodeActionUndecodable = "TRUTH_ACTION_UNDECODABLE"
)

// Frame is one telemetry frame from the robot's state estimator. Every
// field is optional; an absent sample leaves the monitor's previous sample
// of that kind in place.
type Frame struct {
	IMU *balance.IMUReading `json:"imu,omitempty"`
	ZMP *balance.ZMPState   `json:"zmp,omitempty"`
	CoM *balance.CoMState   `json:"com,omitempty"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSigner makes the session's audit trail sign every record it appends.
func WithSigner(sig *audit.Signer) Option {
	return func(s *Session) { s.signer = sig }
}

// WithAuditStore persists every audit record to the store as it is
// appended. Persistence is write-through: a record the store cannot hold
// is still in the in-memory chain, so the failure is logged, not fatal.
func WithAuditStore(store *audit.SQLiteStore) Option {
	return func(s *Session) { s.store = store }
}

// WithTelemetry records session metrics and spans on the provider.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Session) { s.telemetry = p }
}

// WithPublisher publishes assessments and verdicts to NATS.
func WithPublisher(pub *Publisher) Option {
	return func(s *Session) { s.publisher = pub }
}

// Session supervises one physical robot. Construct one session per robot;
// sessions share nothing.
type Session struct {
	robotID   string
	sessionID string
	logger    *slog.Logger

	// monMu serializes the sensor loop and operator commands over the
	// monitor. The planning thread never takes it.
	monMu     sync.Mutex
	monitor   *balance.Monitor
	lastState balance.State

	// valMu serializes validations and profile swaps.
	valMu     sync.Mutex
	validator *validator.Validator
	engine    *policy.Engine
	profile   string

	latest   atomic.Pointer[balance.Assessment]
	estopped atomic.Bool

	trail     *audit.Trail
	signer    *audit.Signer
	store     *audit.SQLiteStore
	telemetry *observability.Provider
	publisher *Publisher
}

// NewSession builds a supervision session for one robot from a
// materialized profile. The profile's thresholds seed the balance monitor,
// its constraints and decision policy seed the validator, and its compiled
// rules become the deployment rule engine.
func NewSession(robotID string, m *config.Materialized, opts ...Option) (*Session, error) {
	if robotID == "" {
		return nil, ErrRobotID
	}
	if m == nil {
		return nil, ErrNilProfile
	}

	monitor, err := balance.NewMonitor(m.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	v, err := validator.New(m.Model, m.Constraints, m.Policy)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	s := &Session{
		robotID:   robotID,
		sessionID: uuid.NewString(),
		logger:    slog.Default(),
		monitor:   monitor,
		validator: v,
		engine:    m.Rules,
		profile:   m.Name,
	}
	for _, opt := range opts {
		opt(s)
	}

	var trailOpts []audit.Option
	if s.signer != nil {
		trailOpts = append(trailOpts, audit.WithSigner(s.signer))
	}
	s.trail = audit.NewTrail(robotID, s.sessionID, trailOpts...)
	if s.store != nil {
		s.trail.AddHandler(func(r *audit.Record) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.Append(ctx, r); err != nil {
				s.logger.Error("audit record not persisted",
					"robot", s.robotID,
					"sequence", r.Sequence,
					"error", err)
			}
		})
	}

	s.logger.Info("session started",
		"robot", robotID,
		"session", s.sessionID,
		"profile", m.Name)
	return s, nil
}

// RobotID returns the robot this session supervises.
func (s *Session) RobotID() string { return s.robotID }

// SessionID returns the unique id of this session.
func (s *Session) SessionID() string { return s.sessionID }

// Trail returns the session's audit trail.
func (s *Session) Trail() *audit.Trail { return s.trail }

// Estopped reports whether the emergency-stop latch is set.
func (s *Session) Estopped() bool { return s.estopped.Load() }

// ProfileName returns the name of the active profile.
func (s *Session) ProfileName() string {
	s.valMu.Lock()
	defer s.valMu.Unlock()
	return s.profile
}

// LatestAssessment returns the most recently published balance snapshot.
func (s *Session) LatestAssessment() (balance.Assessment, bool) {
	if a := s.latest.Load(); a != nil {
		return *a, true
	}
	return balance.Assessment{}, false
}

// IngestFrame feeds one telemetry frame to the balance monitor and runs an
// assessment cycle. Call it from the sensor loop only; the snapshot it
// publishes is all the planning thread ever sees of the monitor.
func (s *Session) IngestFrame(ctx context.Context, f Frame) balance.Assessment {
	start := time.Now()

	s.monMu.Lock()
	if f.IMU != nil {
		s.monitor.UpdateIMU(*f.IMU)
	}
	if f.ZMP != nil {
		s.monitor.UpdateZMP(*f.ZMP)
	}
	if f.CoM != nil {
		s.monitor.UpdateCoM(*f.CoM)
	}
	a := s.monitor.Assess()
	prev := s.lastState
	s.lastState = a.State
	s.monMu.Unlock()

	s.latest.Store(&a)

	if s.telemetry != nil {
		s.telemetry.RecordAssessDuration(ctx, s.robotID, time.Since(start))
	}

	if a.State != prev {
		s.onTransition(ctx, prev, a)
	} else if s.publisher != nil {
		s.publisher.PublishAssessment(newAssessmentEvent(s.robotID, s.sessionID, a))
	}
	return a
}

// ValidateAction runs the core gates and the deployment rules over one
// commanded action and returns the verdict. Rejections never return an
// error: an unvalidatable action is an unsafe action.
func (s *Session) ValidateAction(ctx context.Context, action validator.HumanoidAction) validator.Result {
	res := s.evaluate(action)
	s.latchOnDefect(ctx, res)
	s.recordVerdict(ctx, action, res)
	return res
}

// evaluate runs the validator and the rule engine under the validation
// lock. A panic anywhere in the path, library code included, becomes a
// rejecting verdict.
func (s *Session) evaluate(action validator.HumanoidAction) (res validator.Result) {
	if s.estopped.Load() {
		return estopLatchedResult()
	}

	defer func() {
		if r := recover(); r != nil {
			res = validator.Result{
				Safe: false,
				Violations: []validator.Violation{{
					Gate:        validator.GateHarm,
					Code:        validator.CodeValidatorPanic,
					Description: fmt.Sprintf("panic while validating: %v", r),
				}},
				Reasoning: "rejected: validation path panicked, failing closed",
			}
		}
	}()

	s.valMu.Lock()
	defer s.valMu.Unlock()

	var snapshot balance.Assessment
	if a := s.latest.Load(); a != nil {
		snapshot = *a
		s.validator.SetBalanceAssessment(snapshot)
	}
	res = s.validator.Validate(action)

	if s.engine != nil && s.engine.Len() > 0 {
		findings := s.engine.Evaluate(policy.Context(action, snapshot, s.validator.Constraints()))
		res = applyFindings(res, findings)
	}
	return res
}

// latchOnDefect converts an internal-defect rejection into an emergency
// stop: a validator that panicked cannot be trusted to approve anything.
func (s *Session) latchOnDefect(ctx context.Context, res validator.Result) {
	for _, v := range res.Violations {
		if v.Code == validator.CodeValidatorPanic {
			s.EmergencyStop(ctx, "validator_panic")
			return
		}
	}
}

// applyFindings folds fired deployment rules into the verdict. Deny
// findings reject regardless of the decision policy; warn findings are
// recorded without blocking, the rule's effect being the operator's own
// strictness choice.
func applyFindings(res validator.Result, findings []policy.Finding) validator.Result {
	if len(findings) == 0 {
		return res
	}
	denied := false
	for _, f := range findings {
		v := validator.Violation{
			Gate:        GatePolicy,
			Code:        CodePolicyDeny,
			Description: fmt.Sprintf("rule %q: %s", f.Rule, f.Detail),
		}
		if f.Effect == policy.EffectWarn {
			v.Code = CodePolicyWarn
			res.Warnings = append(res.Warnings, v)
			continue
		}
		res.Violations = append(res.Violations, v)
		denied = true
	}
	if denied {
		res.Safe = false
	}
	res.Reasoning = summarize(res.Violations, res.Warnings)
	return res
}

// EmergencyStop latches the session halt, drives the balance monitor into
// its stop state, and audits the stop. Every subsequent validation is
// rejected until Reset. Idempotent: repeat stops do not re-audit.
func (s *Session) EmergencyStop(ctx context.Context, source string) {
	s.monMu.Lock()
	prev := s.lastState
	s.monitor.TriggerEmergencyStop()
	a := s.monitor.Assess()
	s.lastState = a.State
	s.monMu.Unlock()

	s.latest.Store(&a)

	if s.estopped.Swap(true) {
		return
	}

	s.logger.Warn("emergency stop latched",
		"robot", s.robotID,
		"source", source,
		"prior_state", prev.String())
	s.appendAudit(audit.KindEstop, source, estopPayload{
		Source:     source,
		PriorState: prev.String(),
	})
	if s.telemetry != nil {
		s.telemetry.RecordEstop(ctx, s.robotID, source)
		if prev != a.State {
			s.telemetry.RecordBalanceTransition(ctx, s.robotID, prev.String(), a.State.String())
		}
	}
	s.publishTransition(a)
}

// Reset clears the emergency-stop latch and returns the monitor to its
// initial state. This is an operator decision, never the session's own,
// and it is always audited.
func (s *Session) Reset(ctx context.Context, source string) {
	s.monMu.Lock()
	prev := s.lastState
	s.monitor.Reset()
	a := s.monitor.Assess()
	s.lastState = a.State
	s.monMu.Unlock()

	s.latest.Store(&a)
	s.estopped.Store(false)

	s.logger.Info("session reset",
		"robot", s.robotID,
		"source", source,
		"prior_state", prev.String())
	s.appendAudit(audit.KindReset, source, resetPayload{
		Source:     source,
		PriorState: prev.String(),
	})
	if s.telemetry != nil && prev != a.State {
		s.telemetry.RecordBalanceTransition(ctx, s.robotID, prev.String(), a.State.String())
	}
	s.publishTransition(a)
}

// BeginRecovery starts a recovery maneuver from a fallen or falling state.
func (s *Session) BeginRecovery(ctx context.Context, source string) error {
	s.monMu.Lock()
	prev := s.lastState
	if err := s.monitor.BeginRecovery(); err != nil {
		s.monMu.Unlock()
		return err
	}
	a := s.monitor.Assess()
	s.lastState = a.State
	s.monMu.Unlock()

	s.latest.Store(&a)
	s.logger.Info("recovery started", "robot", s.robotID, "source", source)
	s.onTransition(ctx, prev, a)
	return nil
}

// Dispatch executes one operator command.
func (s *Session) Dispatch(ctx context.Context, cmd Command) {
	source := cmd.Source
	if source == "" {
		source = "nats"
	}
	switch strings.ToLower(strings.TrimSpace(cmd.Action)) {
	case "estop":
		s.EmergencyStop(ctx, source)
	case "reset":
		s.Reset(ctx, source)
	case "recover":
		if err := s.BeginRecovery(ctx, source); err != nil {
			s.logger.Warn("recovery rejected",
				"robot", s.robotID,
				"source", source,
				"error", err)
		}
	default:
		s.logger.Warn("unknown command",
			"robot", s.robotID,
			"action", cmd.Action)
	}
}

// SwapProfile installs a new profile's constraints, decision policy and
// deployment rules without interrupting the balance monitor. Balance
// thresholds are monitor state and do not hot-swap; they take effect when
// a new session starts. The swap does not clear an emergency-stop latch.
func (s *Session) SwapProfile(m *config.Materialized) error {
	if m == nil {
		return ErrNilProfile
	}
	v, err := validator.New(m.Model, m.Constraints, m.Policy)
	if err != nil {
		return fmt.Errorf("supervisor: swap profile: %w", err)
	}
	if a := s.latest.Load(); a != nil {
		v.SetBalanceAssessment(*a)
	}

	s.valMu.Lock()
	old := s.profile
	s.validator = v
	s.engine = m.Rules
	s.profile = m.Name
	s.valMu.Unlock()

	s.logger.Info("profile swapped",
		"robot", s.robotID,
		"from", old,
		"to", m.Name)
	s.appendAudit(audit.KindProfileSwap, m.Name, swapPayload{From: old, To: m.Name})
	return nil
}

// onTransition audits, logs, measures and publishes one balance state
// change observed by the sensor loop.
func (s *Session) onTransition(ctx context.Context, prev balance.State, a balance.Assessment) {
	level := slog.LevelInfo
	if !a.Safe {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "balance transition",
		"robot", s.robotID,
		"from", prev.String(),
		"to", a.State.String(),
		"cycle", a.Cycle)

	s.appendAudit(audit.KindAssessment, a.State.String(), transitionPayload{
		From:     prev.String(),
		To:       a.State.String(),
		Snapshot: newAssessmentEvent(s.robotID, s.sessionID, a),
	})
	if s.telemetry != nil {
		s.telemetry.RecordBalanceTransition(ctx, s.robotID, prev.String(), a.State.String())
	}
	if a.State == balance.StateEmergencyStop {
		s.estopped.Store(true)
	}
	s.publishTransition(a)
}

// recordVerdict audits, measures, logs and publishes one validation
// verdict.
func (s *Session) recordVerdict(ctx context.Context, action validator.HumanoidAction, res validator.Result) {
	s.appendAudit(audit.KindValidation, action.Name, verdictPayload{
		Action: sanitizeAction(action),
		Result: res,
	})

	if s.telemetry != nil {
		s.telemetry.RecordValidation(ctx, s.robotID, res.Safe)
		for _, v := range res.Violations {
			s.telemetry.RecordViolation(ctx, s.robotID, string(v.Gate), v.Code)
		}
	}

	if res.Safe {
		s.logger.Debug("action approved",
			"robot", s.robotID,
			"action", action.Name)
	} else {
		s.logger.Warn("action rejected",
			"robot", s.robotID,
			"action", action.Name,
			"codes", joinCodes(res.Violations))
	}

	if s.publisher != nil {
		ev := VerdictEvent{
			RobotID:    s.robotID,
			SessionID:  s.sessionID,
			Action:     action.Name,
			Safe:       res.Safe,
			Violations: res.Violations,
			Warnings:   res.Warnings,
			Reasoning:  res.Reasoning,
			Timestamp:  time.Now().UTC(),
		}
		if err := s.publisher.PublishVerdict(ev); err != nil {
			s.logger.Warn("verdict publish failed",
				"robot", s.robotID,
				"error", err)
		}
	}
}

func (s *Session) appendAudit(kind audit.Kind, subject string, payload any) {
	if _, err := s.trail.Append(kind, subject, payload); err != nil {
		s.logger.Error("audit append failed",
			"robot", s.robotID,
			"kind", string(kind),
			"error", err)
	}
}

func (s *Session) publishTransition(a balance.Assessment) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTransition(newAssessmentEvent(s.robotID, s.sessionID, a)); err != nil {
		s.logger.Warn("transition publish failed",
			"robot", s.robotID,
			"error", err)
	}
}

func estopLatchedResult() validator.Result {
	return validator.Result{
		Safe: false,
		Violations: []validator.Violation{{
			Gate:        validator.GateHarm,
			Code:        CodeEstopLatched,
			Description: "emergency stop is latched; actions are rejected until reset",
		}},
		Reasoning: "rejected: emergency stop latched",
	}
}

// sanitizeAction zeroes non-finite command values so the audit payload
// always marshals. The verdict's violations preserve what was wrong with
// the original values.
func sanitizeAction(a validator.HumanoidAction) validator.HumanoidAction {
	if len(a.JointVelocities) > 0 {
		vels := make(map[string]float64, len(a.JointVelocities))
		for name, v := range a.JointVelocities {
			vels[name] = finiteOrZero(v)
		}
		a.JointVelocities = vels
	}
	if p := a.TargetPosition; p != nil {
		clean := *p
		clean.X = finiteOrZero(clean.X)
		clean.Y = finiteOrZero(clean.Y)
		clean.Z = finiteOrZero(clean.Z)
		a.TargetPosition = &clean
	}
	a.ExpectedContactForce = finiteOrZero(a.ExpectedContactForce)
	return a
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func summarize(violations, warnings []validator.Violation) string {
	switch {
	case len(violations) > 0:
		return fmt.Sprintf("rejected: %d violation(s): %s", len(violations), joinCodes(violations))
	case len(warnings) > 0:
		return fmt.Sprintf("approved with %d advisory warning(s): %s", len(warnings), joinCodes(warnings))
	default:
		return "approved: truth, harm, scope and purpose gates passed"
	}
}

func joinCodes(vs []validator.Violation) string {
	codes := make([]string, len(vs))
	for i, v := range vs {
		codes[i] = v.Code
	}
	return strings.Join(codes, ", ")
}

// Audit payload shapes. Kept as named types so the trail's JSON stays
// stable across refactors.
type transitionPayload struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Snapshot AssessmentEvent `json:"snapshot"`
}

type verdictPayload struct {
	Action validator.HumanoidAction `json:"action"`
	Result validator.Result         `json:"result"`
}

type estopPayload struct {
	Source     string `json:"source"`
	PriorState string `json:"prior_state"`
}

type resetPayload struct {
	Source     string `json:"source"`
	PriorState string `json:"prior_state"`
}

type swapPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}
