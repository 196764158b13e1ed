// Package validator decides whether a commanded humanoid action may
// proceed. Four gates run in a fixed order over every action: Truth checks
// physical plausibility, Harm checks injury potential against the body
// contact model and the latest balance assessment, Scope checks operational
// boundaries, and Purpose checks for a legitimate justification.
//
// Every gate always runs. A failed Truth gate does not suppress the Harm
// findings; the complete picture is operationally worth more than a fast
// no. The final verdict is derived from all findings at once under the
// configured Policy.
//
// The validator performs no I/O and holds no locks. It is safe to share
// across goroutines only if SetConstraints and SetBalanceAssessment calls
// are serialized with Validate by the owner.
package validator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/halcyon-robotics/vigil/pkg/balance"
	"github.com/halcyon-robotics/vigil/pkg/body"
	"github.com/halcyon-robotics/vigil/pkg/constraints"
)

// Construction errors.
var (
	ErrNilModel       = errors.New("validator: body model must not be nil")
	ErrNilConstraints = errors.New("validator: robot constraints must not be nil")
	ErrPolicy         = errors.New("validator: invalid policy")
)

// Gate identifies which of the four checks produced a finding.
type Gate string

const (
	GateTruth   Gate = "TRUTH"
	GateHarm    Gate = "HARM"
	GateScope   Gate = "SCOPE"
	GatePurpose Gate = "PURPOSE"
)

// Machine-readable violation codes. Codes are stable: downstream systems
// key alert routing and statistics on them.
const (
	CodeVelocityNotFinite = "TRUTH_VELOCITY_NOT_FINITE"
	CodeJointLimit        = "TRUTH_JOINT_LIMIT"
	CodeUnknownJoint      = "TRUTH_UNKNOWN_JOINT"
	CodeForceLimit        = "HARM_FORCE_LIMIT"
	CodeContactUnverified = "HARM_CONTACT_UNVERIFIED"
	CodeDegenerateInput   = "HARM_DEGENERATE_INPUT"
	CodeZoneVelocity      = "SCOPE_ZONE_VELOCITY"
	CodeMaxHeight         = "SCOPE_MAX_HEIGHT"
	CodePurposeMissing    = "PURPOSE_MISSING"
	CodePurposeDenylisted = "PURPOSE_DENYLISTED"
	CodeValidatorPanic    = "HARM_VALIDATOR_PANIC"
)

// balanceCode derives the Harm-gate code for a blocking balance state,
// e.g. HARM_BALANCE_FALLING.
func balanceCode(s balance.State) string {
	return "HARM_BALANCE_" + s.String()
}

// HumanoidAction is the unit of validation: one commanded motion with its
// predicted physical consequences. Optional fields use pointers; a nil
// ContactRegion with a nonzero ExpectedContactForce is itself a Harm
// finding because the force cannot be checked against any body limit.
type HumanoidAction struct {
	// Name labels the action for logs and audit records.
	Name string `json:"name,omitempty"`

	// JointVelocities maps joint name to commanded signed velocity in
	// rad/s.
	JointVelocities map[string]float64 `json:"joint_velocities,omitempty"`

	// TargetPosition is the Cartesian goal of the motion, if any.
	TargetPosition *constraints.Position `json:"target_position,omitempty"`

	// ExpectedContactForce is the predicted peak contact force in
	// newtons. Zero means no contact is expected.
	ExpectedContactForce float64 `json:"expected_contact_force,omitempty"`

	// ContactRegion is the body region the force would apply to.
	ContactRegion *body.Region `json:"contact_region,omitempty"`

	// MomentaryContact marks the contact as transient rather than a
	// sustained clamp or press.
	MomentaryContact bool `json:"momentary_contact,omitempty"`

	// IsCollaborative marks a human sharing the workspace.
	IsCollaborative bool `json:"is_collaborative,omitempty"`

	// Purpose is the free-text justification for the action.
	Purpose string `json:"purpose,omitempty"`
}

// Violation is one gate finding.
type Violation struct {
	Gate        Gate   `json:"gate"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Result is the verdict for one action. Safe is true only when Violations
// is empty; in non-strict mode, tolerated advisory findings are downgraded
// into Warnings instead of blocking. Results are produced fresh per call
// and never mutated afterwards.
type Result struct {
	Safe       bool        `json:"is_safe"`
	Violations []Violation `json:"violations"`
	Warnings   []Violation `json:"warnings,omitempty"`
	Reasoning  string      `json:"reasoning"`
}

// Policy is the decision rule applied over the collected findings.
type Policy struct {
	// StrictMode escalates every finding, advisory or not, to a
	// rejection.
	StrictMode bool `json:"strict_mode" yaml:"strict_mode"`

	// RequirePurpose makes a missing justification a Purpose finding on
	// purpose-sensitive actions: any contact action, or any action in
	// personal-care mode.
	RequirePurpose bool `json:"require_purpose" yaml:"require_purpose"`

	// AdvisoryViolationLimit is how many simultaneous Scope and Purpose
	// findings non-strict mode tolerates as warnings. Above the limit
	// they all reject. Truth and Harm findings always reject.
	AdvisoryViolationLimit int `json:"advisory_violation_limit" yaml:"advisory_violation_limit"`

	// PurposeDenylist holds lowercased phrases; a purpose containing any
	// of them fails the Purpose gate. Matching is plain substring.
	PurposeDenylist []string `json:"purpose_denylist,omitempty" yaml:"purpose_denylist,omitempty"`
}

// DefaultPolicy tolerates one advisory finding, requires justifications,
// and carries the stock harmful-intent denylist.
func DefaultPolicy() Policy {
	return Policy{
		StrictMode:             false,
		RequirePurpose:         true,
		AdvisoryViolationLimit: 1,
		PurposeDenylist:        DefaultPurposeDenylist(),
	}
}

// DefaultPurposeDenylist returns the stock harmful-intent phrases. The
// match is substring-based, so false positives err on the side of refusal.
func DefaultPurposeDenylist() []string {
	return []string{
		"harm", "hurt", "injure", "strike", "hit person", "attack",
		"weapon", "intimidate", "coerce", "damage property",
	}
}

// Validator composes the body model, robot constraints, and the latest
// balance assessment into a single pass/fail decision per action.
type Validator struct {
	model    *body.Model
	rc       *constraints.RobotConstraints
	policy   Policy
	denylist []string

	assessment    balance.Assessment
	hasAssessment bool
}

// New builds a validator. The policy's denylist is normalized to lowercase
// once here so Validate never allocates for matching.
func New(model *body.Model, rc *constraints.RobotConstraints, policy Policy) (*Validator, error) {
	if model == nil {
		return nil, ErrNilModel
	}
	if rc == nil {
		return nil, ErrNilConstraints
	}
	if policy.AdvisoryViolationLimit < 0 {
		return nil, fmt.Errorf("%w: advisory violation limit %d is negative", ErrPolicy, policy.AdvisoryViolationLimit)
	}

	denylist := make([]string, 0, len(policy.PurposeDenylist))
	for _, phrase := range policy.PurposeDenylist {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" {
			denylist = append(denylist, phrase)
		}
	}

	return &Validator{model: model, rc: rc, policy: policy, denylist: denylist}, nil
}

// Policy returns the active decision policy.
func (v *Validator) Policy() Policy { return v.policy }

// Constraints returns the active robot constraints.
func (v *Validator) Constraints() *constraints.RobotConstraints { return v.rc }

// SetConstraints swaps the robot constraint profile, e.g. on an
// environment mode change. Serialize with Validate.
func (v *Validator) SetConstraints(rc *constraints.RobotConstraints) error {
	if rc == nil {
		return ErrNilConstraints
	}
	v.rc = rc
	return nil
}

// SetBalanceAssessment installs the latest balance snapshot. Until the
// first call the Harm gate does not judge balance; once set, blocking
// states reject every action until a newer healthy snapshot replaces them.
func (v *Validator) SetBalanceAssessment(a balance.Assessment) {
	v.assessment = a
	v.hasAssessment = true
}

// Validate runs all four gates over the action and derives the verdict.
// It never panics on malformed input; degenerate values become Harm
// findings. A panic escaping a gate is a programming defect, converted
// into a rejecting verdict so the defect can never approve an action.
func (v *Validator) Validate(action HumanoidAction) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Safe: false,
				Violations: []Violation{{
					Gate:        GateHarm,
					Code:        CodeValidatorPanic,
					Description: fmt.Sprintf("internal defect while validating: %v", r),
				}},
				Reasoning: "rejected: internal validator defect, failing closed",
			}
		}
	}()

	var findings []Violation
	findings = v.truthGate(action, findings)
	findings = v.harmGate(action, findings)
	findings = v.scopeGate(action, findings)
	findings = v.purposeGate(action, findings)

	return v.decide(findings)
}

// decide applies the policy over the collected findings. Findings arrive
// in gate order, which keeps results byte-identical across calls.
func (v *Validator) decide(findings []Violation) Result {
	if v.policy.StrictMode {
		return Result{
			Safe:       len(findings) == 0,
			Violations: findings,
			Reasoning:  summarize(findings, nil),
		}
	}

	var hard, advisory []Violation
	for _, f := range findings {
		switch f.Gate {
		case GateTruth, GateHarm:
			hard = append(hard, f)
		default:
			advisory = append(advisory, f)
		}
	}

	res := Result{Violations: hard}
	if len(advisory) > v.policy.AdvisoryViolationLimit {
		res.Violations = append(res.Violations, advisory...)
	} else {
		res.Warnings = advisory
	}
	res.Safe = len(res.Violations) == 0
	res.Reasoning = summarize(res.Violations, res.Warnings)
	return res
}

func summarize(violations, warnings []Violation) string {
	switch {
	case len(violations) > 0:
		return fmt.Sprintf("rejected: %d violation(s): %s", len(violations), joinCodes(violations))
	case len(warnings) > 0:
		return fmt.Sprintf("approved with %d advisory warning(s): %s", len(warnings), joinCodes(warnings))
	default:
		return "approved: truth, harm, scope and purpose gates passed"
	}
}

func joinCodes(vs []Violation) string {
	codes := make([]string, len(vs))
	for i, v := range vs {
		codes[i] = v.Code
	}
	return strings.Join(codes, ", ")
}

// truthGate rejects physically implausible commands: non-finite joint
// velocities, joints outside the robot model, velocities over the joint's
// configured cap.
func (v *Validator) truthGate(action HumanoidAction, out []Violation) []Violation {
	for _, name := range sortedJointNames(action.JointVelocities) {
		vel := action.JointVelocities[name]
		if !finite(vel) {
			out = append(out, Violation{
				Gate:        GateTruth,
				Code:        CodeVelocityNotFinite,
				Description: fmt.Sprintf("joint %q commanded with non-finite velocity %v", name, vel),
			})
		}
	}

	for _, jv := range v.rc.CheckJointVelocities(action.JointVelocities) {
		switch jv.Kind {
		case constraints.JointUnknown:
			out = append(out, Violation{
				Gate:        GateTruth,
				Code:        CodeUnknownJoint,
				Description: fmt.Sprintf("joint %q is not part of the robot model", jv.Joint),
			})
		case constraints.JointVelocityExceeded:
			out = append(out, Violation{
				Gate:        GateTruth,
				Code:        CodeJointLimit,
				Description: fmt.Sprintf("joint %q velocity %.3f rad/s exceeds its %.3f rad/s limit", jv.Joint, jv.Commanded, jv.Limit),
			})
		}
	}
	return out
}

// harmGate rejects predicted contact beyond the body model's limits,
// degenerate physical quantities, and any motion while the robot cannot
// vouch for its own stability.
func (v *Validator) harmGate(action HumanoidAction, out []Violation) []Violation {
	force := action.ExpectedContactForce
	switch {
	case !finite(force) || force < 0:
		out = append(out, Violation{
			Gate:        GateHarm,
			Code:        CodeDegenerateInput,
			Description: fmt.Sprintf("expected contact force %v is not a usable magnitude", force),
		})
	case force > 0 && action.ContactRegion == nil:
		out = append(out, Violation{
			Gate:        GateHarm,
			Code:        CodeContactUnverified,
			Description: fmt.Sprintf("expected contact force %.1f N names no body region; limit check impossible", force),
		})
	case force > 0:
		contact := body.ContactQuasiStatic
		if action.IsCollaborative && action.MomentaryContact {
			contact = body.ContactTransient
		}
		region := *action.ContactRegion
		safe, err := v.model.IsForceSafe(region, force, contact)
		switch {
		case err != nil:
			out = append(out, Violation{
				Gate:        GateHarm,
				Code:        CodeDegenerateInput,
				Description: fmt.Sprintf("contact force check failed: %v", err),
			})
		case !safe:
			limit, lerr := v.model.SafeForce(region, contact)
			desc := fmt.Sprintf("%.1f N %s contact on %s exceeds the safe limit", force, contact, region)
			if lerr == nil {
				desc = fmt.Sprintf("%.1f N %s contact on %s exceeds the %.1f N limit", force, contact, region, limit)
			}
			out = append(out, Violation{Gate: GateHarm, Code: CodeForceLimit, Description: desc})
		}
	}

	if p := action.TargetPosition; p != nil && !positionFinite(*p) {
		out = append(out, Violation{
			Gate:        GateHarm,
			Code:        CodeDegenerateInput,
			Description: "target position contains non-finite coordinates",
		})
	}

	if v.hasAssessment {
		switch s := v.assessment.State; s {
		case balance.StateUnstable, balance.StateFalling, balance.StateFallen, balance.StateEmergencyStop:
			out = append(out, Violation{
				Gate:        GateHarm,
				Code:        balanceCode(s),
				Description: fmt.Sprintf("balance state %s forbids any commanded motion", s),
			})
		}
	}
	return out
}

// scopeGate enforces operational boundaries at the action's target: the
// containing safety zone's velocity cap and the robot's reach ceiling.
// Positions outside every zone are unrestricted space where only global
// limits apply, and those already ran in the Truth gate.
func (v *Validator) scopeGate(action HumanoidAction, out []Violation) []Violation {
	if action.TargetPosition == nil {
		return out
	}
	p := *action.TargetPosition
	if !positionFinite(p) {
		// Already a Harm finding; no zone can be resolved from garbage.
		return out
	}

	if zone, ok := v.rc.ResolveZone(p); ok {
		for _, name := range sortedJointNames(action.JointVelocities) {
			vel := action.JointVelocities[name]
			if finite(vel) && math.Abs(vel) > zone.MaxVelocity {
				out = append(out, Violation{
					Gate:        GateScope,
					Code:        CodeZoneVelocity,
					Description: fmt.Sprintf("joint %q velocity %.3f rad/s exceeds the %.3f rad/s cap of safety zone %q", name, vel, zone.MaxVelocity, zone.Name),
				})
			}
		}
	}

	if p.Z > v.rc.MaxHeight() {
		out = append(out, Violation{
			Gate:        GateScope,
			Code:        CodeMaxHeight,
			Description: fmt.Sprintf("target height %.2f m exceeds the %.2f m reach ceiling", p.Z, v.rc.MaxHeight()),
		})
	}
	return out
}

// purposeGate demands a justification for purpose-sensitive actions: any
// expected contact, or any action in personal-care mode.
func (v *Validator) purposeGate(action HumanoidAction, out []Violation) []Violation {
	if !v.policy.RequirePurpose {
		return out
	}
	sensitive := (finite(action.ExpectedContactForce) && action.ExpectedContactForce > 0) ||
		v.rc.Mode() == constraints.ModePersonalCare
	if !sensitive {
		return out
	}

	purpose := strings.TrimSpace(action.Purpose)
	if purpose == "" {
		out = append(out, Violation{
			Gate:        GatePurpose,
			Code:        CodePurposeMissing,
			Description: "purpose justification required for contact actions and personal-care operation",
		})
		return out
	}

	lowered := strings.ToLower(purpose)
	for _, phrase := range v.denylist {
		if strings.Contains(lowered, phrase) {
			out = append(out, Violation{
				Gate:        GatePurpose,
				Code:        CodePurposeDenylisted,
				Description: fmt.Sprintf("purpose matches denied phrase %q", phrase),
			})
			return out
		}
	}
	return out
}

func sortedJointNames(m map[string]float64) []string {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func positionFinite(p constraints.Position) bool {
	return finite(p.X) && finite(p.Y) && finite(p.Z)
}
