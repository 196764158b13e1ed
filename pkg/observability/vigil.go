package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Safety-domain semantic convention attributes.
var (
	AttrRobotID     = attribute.Key("vigil.robot.id")
	AttrSessionID   = attribute.Key("vigil.session.id")
	AttrEnvironment = attribute.Key("vigil.environment.mode")

	AttrVerdictSafe = attribute.Key("vigil.verdict.safe")
	AttrGate        = attribute.Key("vigil.gate")
	AttrCode        = attribute.Key("vigil.code")
	AttrActionName  = attribute.Key("vigil.action.name")

	AttrBalanceState = attribute.Key("vigil.balance.state")
	AttrEstopSource  = attribute.Key("vigil.estop.source")
)

// ValidationOperation creates attributes for one validation span.
func ValidationOperation(robotID, actionName string, safe bool, violations int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRobotID.String(robotID),
		AttrActionName.String(actionName),
		AttrVerdictSafe.Bool(safe),
		attribute.Int("vigil.violations.count", violations),
	}
}

// AssessmentOperation creates attributes for one balance assessment span.
func AssessmentOperation(robotID, state string, safe bool, cycle uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRobotID.String(robotID),
		AttrBalanceState.String(state),
		AttrVerdictSafe.Bool(safe),
		attribute.Int64("vigil.assessment.cycle", int64(cycle)),
	}
}

// SessionOperation creates attributes shared by every span in a session.
func SessionOperation(robotID, sessionID, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRobotID.String(robotID),
		AttrSessionID.String(sessionID),
		AttrEnvironment.String(mode),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
