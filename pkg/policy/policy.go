// Package policy evaluates site-specific safety rules written in CEL on
// top of the built-in gates. Deployments express local restrictions, e.g.
// "no face contact in industrial mode", as boolean expressions over the
// action, the latest balance assessment, and the robot profile; a rule
// that evaluates true fires its effect.
//
// Rules compile once at engine construction, where every defect in them is
// fatal. Evaluation is deterministic: rules run in declaration order, and
// a rule that fails at runtime fires as a denial rather than being skipped.
package policy

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/halcyon-robotics/vigil/pkg/balance"
	"github.com/halcyon-robotics/vigil/pkg/constraints"
	"github.com/halcyon-robotics/vigil/pkg/validator"
)

// Rule construction errors.
var (
	ErrRuleName       = errors.New("policy: rule name missing or duplicated")
	ErrRuleEffect     = errors.New("policy: rule effect must be deny or warn")
	ErrRuleExpression = errors.New("policy: rule expression invalid")
	ErrRuleNotBool    = errors.New("policy: rule expression must evaluate to bool")
)

// Effect is what a firing rule does to the verdict.
type Effect string

const (
	// EffectDeny rejects the action.
	EffectDeny Effect = "deny"
	// EffectWarn records the finding without rejecting.
	EffectWarn Effect = "warn"
)

// Rule is one uncompiled site rule.
type Rule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
	Effect     Effect `json:"effect" yaml:"effect"`
}

// Finding is one fired rule.
type Finding struct {
	Rule   string `json:"rule"`
	Effect Effect `json:"effect"`
	Detail string `json:"detail,omitempty"`
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Engine holds the compiled rule set. Safe for concurrent Evaluate calls;
// the engine is immutable after construction.
type Engine struct {
	rules []compiledRule
}

// NewEngine compiles the rule set. Expressions see three variables:
// action, balance, and robot, all string-keyed maps as produced by
// Context. Every rule must type-check to bool.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("balance", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("robot", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}

	e := &Engine{rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Name == "" || seen[r.Name] {
			return nil, fmt.Errorf("%w: %q", ErrRuleName, r.Name)
		}
		seen[r.Name] = true

		if r.Effect != EffectDeny && r.Effect != EffectWarn {
			return nil, fmt.Errorf("%w: rule %q has effect %q", ErrRuleEffect, r.Name, r.Effect)
		}

		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrRuleExpression, r.Name, issues.Err())
		}
		if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
			return nil, fmt.Errorf("%w: rule %q evaluates to %s", ErrRuleNotBool, r.Name, ast.OutputType())
		}

		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrRuleExpression, r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{rule: r, prg: prg})
	}
	return e, nil
}

// Len returns the number of compiled rules.
func (e *Engine) Len() int { return len(e.rules) }

// Rules returns a copy of the uncompiled rule set.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule
	}
	return out
}

// Evaluate runs every rule over the context in declaration order and
// returns the fired findings. A rule that errors at runtime fires as a
// denial: an unevaluable restriction must block, not vanish.
func (e *Engine) Evaluate(ctx map[string]any) []Finding {
	var findings []Finding
	for _, cr := range e.rules {
		out, _, err := cr.prg.Eval(ctx)
		if err != nil {
			findings = append(findings, Finding{
				Rule:   cr.rule.Name,
				Effect: EffectDeny,
				Detail: fmt.Sprintf("rule evaluation failed, failing closed: %v", err),
			})
			continue
		}
		fired, ok := out.Value().(bool)
		if !ok {
			findings = append(findings, Finding{
				Rule:   cr.rule.Name,
				Effect: EffectDeny,
				Detail: fmt.Sprintf("rule produced %T instead of bool, failing closed", out.Value()),
			})
			continue
		}
		if fired {
			findings = append(findings, Finding{
				Rule:   cr.rule.Name,
				Effect: cr.rule.Effect,
				Detail: fmt.Sprintf("rule %q matched", cr.rule.Name),
			})
		}
	}
	return findings
}

// Context flattens an action, the latest balance assessment, and the robot
// profile into the evaluation variables. Every value is a CEL-native
// type; non-finite floats are clamped to 0 with a degenerate marker so
// rules never see NaN.
func Context(action validator.HumanoidAction, a balance.Assessment, rc *constraints.RobotConstraints) map[string]any {
	velocities := make(map[string]any, len(action.JointVelocities))
	degenerate := false
	maxAbs := 0.0
	for name, v := range action.JointVelocities {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			degenerate = true
			velocities[name] = 0.0
			continue
		}
		velocities[name] = v
		if abs := math.Abs(v); abs > maxAbs {
			maxAbs = abs
		}
	}

	region := ""
	if action.ContactRegion != nil {
		region = action.ContactRegion.String()
	}
	force := sanitize(action.ExpectedContactForce, &degenerate)

	actionCtx := map[string]any{
		"name":                   action.Name,
		"joint_velocities":       velocities,
		"max_joint_velocity":     maxAbs,
		"expected_contact_force": force,
		"contact_region":         region,
		"momentary_contact":      action.MomentaryContact,
		"is_collaborative":       action.IsCollaborative,
		"purpose":                action.Purpose,
		"has_target":             action.TargetPosition != nil,
	}
	if p := action.TargetPosition; p != nil {
		actionCtx["target"] = map[string]any{
			"x": sanitize(p.X, &degenerate),
			"y": sanitize(p.Y, &degenerate),
			"z": sanitize(p.Z, &degenerate),
		}
	}
	actionCtx["degenerate"] = degenerate

	balDegenerate := false
	balanceCtx := map[string]any{
		"state":          a.State.String(),
		"safe":           a.Safe,
		"fall_direction": a.FallDirection.String(),
	}
	balanceCtx["zmp_margin"] = sanitize(a.ZMPMargin, &balDegenerate)
	balanceCtx["tilt_angle"] = sanitize(a.TiltAngle, &balDegenerate)
	balanceCtx["tilt_rate"] = sanitize(a.TiltRate, &balDegenerate)
	balanceCtx["degenerate"] = balDegenerate

	return map[string]any{
		"action":  actionCtx,
		"balance": balanceCtx,
		"robot": map[string]any{
			"name":                   rc.Name(),
			"mode":                   rc.Mode().String(),
			"max_height":             rc.MaxHeight(),
			"max_cartesian_velocity": rc.MaxCartesianVelocity(),
		},
	}
}

func sanitize(v float64, degenerate *bool) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		*degenerate = true
		return 0
	}
	return v
}
