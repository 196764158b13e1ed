package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/halcyon-robotics/vigil/pkg/balance"
	"github.com/halcyon-robotics/vigil/pkg/validator"
)

// defaultPublishRateHz caps the steady-state assessment stream. Sensor
// loops run at hundreds of hertz; fleet consumers want the freshest
// snapshot, not every frame.
const defaultPublishRateHz = 20.0

// SubjectAssessment is the robot's balance snapshot stream.
func SubjectAssessment(robotID string) string {
	return "vigil." + subjectToken(robotID) + ".assessment"
}

// SubjectVerdict is the robot's validation verdict stream.
func SubjectVerdict(robotID string) string {
	return "vigil." + subjectToken(robotID) + ".verdict"
}

// SubjectCommand receives operator commands for the robot.
func SubjectCommand(robotID string) string {
	return "vigil." + subjectToken(robotID) + ".cmd"
}

// SubjectTelemetry receives estimator frames for the robot.
func SubjectTelemetry(robotID string) string {
	return "vigil." + subjectToken(robotID) + ".telemetry"
}

// SubjectValidate serves request/reply action validation for the robot.
func SubjectValidate(robotID string) string {
	return "vigil." + subjectToken(robotID) + ".validate"
}

// subjectToken rewrites characters that are structural in NATS subjects.
func subjectToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// AssessmentEvent is the wire form of one balance snapshot. Enumerations
// are rendered as strings and non-finite readings zeroed so every consumer
// can decode it; the state itself already reflects degenerate telemetry.
type AssessmentEvent struct {
	RobotID       string    `json:"robot_id"`
	SessionID     string    `json:"session_id"`
	State         string    `json:"state"`
	Safe          bool      `json:"safe"`
	FallDirection string    `json:"fall_direction,omitempty"`
	Advice        string    `json:"advice"`
	ZMPMargin     float64   `json:"zmp_margin"`
	TiltAngle     float64   `json:"tilt_angle"`
	TiltRate      float64   `json:"tilt_rate"`
	Cycle         uint64    `json:"cycle"`
	Timestamp     time.Time `json:"timestamp"`
}

func newAssessmentEvent(robotID, sessionID string, a balance.Assessment) AssessmentEvent {
	ev := AssessmentEvent{
		RobotID:   robotID,
		SessionID: sessionID,
		State:     a.State.String(),
		Safe:      a.Safe,
		Advice:    a.Advice.String(),
		ZMPMargin: finiteOrZero(a.ZMPMargin),
		TiltAngle: finiteOrZero(a.TiltAngle),
		TiltRate:  finiteOrZero(a.TiltRate),
		Cycle:     a.Cycle,
		Timestamp: time.Now().UTC(),
	}
	if a.FallDirection != balance.DirectionNone {
		ev.FallDirection = a.FallDirection.String()
	}
	return ev
}

// VerdictEvent is the wire form of one validation verdict.
type VerdictEvent struct {
	RobotID    string                `json:"robot_id"`
	SessionID  string                `json:"session_id"`
	Action     string                `json:"action,omitempty"`
	Safe       bool                  `json:"safe"`
	Violations []validator.Violation `json:"violations,omitempty"`
	Warnings   []validator.Violation `json:"warnings,omitempty"`
	Reasoning  string                `json:"reasoning"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Command is an operator instruction received on the robot's command
// subject. Action is one of "estop", "reset" or "recover".
type Command struct {
	Action string `json:"action"`
	Source string `json:"source,omitempty"`
}

// Publisher pushes session events onto NATS. The steady assessment stream
// is rate-limited; forced transitions and verdicts always publish.
type Publisher struct {
	conn    *nats.Conn
	limiter *rate.Limiter
	logger  *slog.Logger
	owned   bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublishRate caps the assessment stream at hz snapshots per second.
func WithPublishRate(hz float64) PublisherOption {
	return func(p *Publisher) {
		if hz > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(hz), 1)
		}
	}
}

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// Connect dials NATS and wraps the connection in a Publisher that owns it.
func Connect(url string, opts ...PublisherOption) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("vigil"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor: connect to NATS: %w", err)
	}
	p := NewPublisher(conn, opts...)
	p.owned = true
	return p, nil
}

// NewPublisher wraps an existing connection. The caller keeps ownership
// and must close it after the publisher is done.
func NewPublisher(conn *nats.Conn, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(defaultPublishRateHz), 1),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close drains and closes the connection if the publisher owns it.
func (p *Publisher) Close() {
	if p.owned && p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.logger.Warn("NATS drain failed", "error", err)
		}
		p.conn.Close()
	}
}

// PublishAssessment publishes a steady-state snapshot, dropping it when
// the rate cap has been hit. Reports whether the event went out.
func (p *Publisher) PublishAssessment(ev AssessmentEvent) bool {
	if p.limiter != nil && !p.limiter.Allow() {
		return false
	}
	if err := p.publish(SubjectAssessment(ev.RobotID), ev); err != nil {
		p.logger.Warn("assessment publish failed",
			"robot", ev.RobotID,
			"error", err)
		return false
	}
	return true
}

// PublishTransition publishes a state-changing snapshot on the assessment
// subject, bypassing the rate cap: a transition must reach consumers even
// when telemetry stops arriving afterwards.
func (p *Publisher) PublishTransition(ev AssessmentEvent) error {
	return p.publish(SubjectAssessment(ev.RobotID), ev)
}

// PublishVerdict publishes a validation verdict. Verdicts are never
// rate-limited.
func (p *Publisher) PublishVerdict(ev VerdictEvent) error {
	return p.publish(SubjectVerdict(ev.RobotID), ev)
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("supervisor: marshal event: %w", err)
	}
	return p.conn.Publish(subject, data)
}

// BindSession subscribes the session's inbound NATS surfaces: operator
// commands, telemetry frames, and request/reply validation. The returned
// function unsubscribes all of them.
func (p *Publisher) BindSession(ctx context.Context, s *Session) (func(), error) {
	var subs []*nats.Subscription
	unbind := func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				p.logger.Warn("unsubscribe failed",
					"subject", sub.Subject,
					"error", err)
			}
		}
	}

	cmdSub, err := p.conn.Subscribe(SubjectCommand(s.RobotID()), func(msg *nats.Msg) {
		var cmd Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			p.logger.Warn("undecodable command",
				"robot", s.RobotID(),
				"error", err)
			return
		}
		s.Dispatch(ctx, cmd)
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: subscribe commands: %w", err)
	}
	subs = append(subs, cmdSub)

	telSub, err := p.conn.Subscribe(SubjectTelemetry(s.RobotID()), func(msg *nats.Msg) {
		var f Frame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			p.logger.Warn("undecodable telemetry frame",
				"robot", s.RobotID(),
				"error", err)
			return
		}
		s.IngestFrame(ctx, f)
	})
	if err != nil {
		unbind()
		return nil, fmt.Errorf("supervisor: subscribe telemetry: %w", err)
	}
	subs = append(subs, telSub)

	valSub, err := p.conn.Subscribe(SubjectValidate(s.RobotID()), func(msg *nats.Msg) {
		res := p.validateRequest(ctx, s, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(res)
		if err != nil {
			p.logger.Error("verdict reply marshal failed",
				"robot", s.RobotID(),
				"error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			p.logger.Warn("verdict reply failed",
				"robot", s.RobotID(),
				"error", err)
		}
	})
	if err != nil {
		unbind()
		return nil, fmt.Errorf("supervisor: subscribe validate: %w", err)
	}
	subs = append(subs, valSub)

	return unbind, nil
}

// validateRequest decodes and validates one requested action. An action
// that cannot be decoded is rejected, not dropped: the requester must
// never mistake silence for approval.
func (p *Publisher) validateRequest(ctx context.Context, s *Session, data []byte) validator.Result {
	var action validator.HumanoidAction
	if err := json.Unmarshal(data, &action); err != nil {
		return validator.Result{
			Safe: false,
			Violations: []validator.Violation{{
				Gate:        validator.GateTruth,
				Code:        CodeActionUndecodable,
				Description: fmt.Sprintf("action payload does not decode: %v", err),
			}},
			Reasoning: "rejected: undecodable action payload",
		}
	}
	return s.ValidateAction(ctx, action)
}
