package supervisor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-robotics/vigil/pkg/supervisor"
	"github.com/halcyon-robotics/vigil/pkg/validator"
)

// startNATS runs an in-process NATS server for one test.
func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded NATS server did not start")
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "vigil.unit-7.assessment", supervisor.SubjectAssessment("unit-7"))
	assert.Equal(t, "vigil.unit-7.verdict", supervisor.SubjectVerdict("unit-7"))
	assert.Equal(t, "vigil.unit-7.cmd", supervisor.SubjectCommand("unit-7"))
	assert.Equal(t, "vigil.unit-7.telemetry", supervisor.SubjectTelemetry("unit-7"))
	assert.Equal(t, "vigil.unit-7.validate", supervisor.SubjectValidate("unit-7"))

	// Dots and spaces are structural in NATS subjects and must not leak
	// out of a robot id.
	assert.Equal(t, "vigil.unit_7_alpha.assessment", supervisor.SubjectAssessment("unit 7.alpha"))
}

func TestBindSession_EndToEnd(t *testing.T) {
	ctx := context.Background()
	nc := startNATS(t)
	pub := supervisor.NewPublisher(nc, supervisor.WithPublisherLogger(quiet()))

	s := newTestSession(t, labProfile, supervisor.WithPublisher(pub))
	unbind, err := pub.BindSession(ctx, s)
	require.NoError(t, err)

	sub, err := nc.SubscribeSync(supervisor.SubjectAssessment("unit-7"))
	require.NoError(t, err)

	// Telemetry in, assessment event out.
	data, err := json.Marshal(frame(0.12, 0.02, 0.01))
	require.NoError(t, err)
	require.NoError(t, nc.Publish(supervisor.SubjectTelemetry("unit-7"), data))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev supervisor.AssessmentEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "unit-7", ev.RobotID)
	assert.Equal(t, s.SessionID(), ev.SessionID)
	assert.Equal(t, "STABLE", ev.State)
	assert.True(t, ev.Safe)

	// Operator command latches the stop and the transition goes out.
	require.NoError(t, nc.Publish(supervisor.SubjectCommand("unit-7"), []byte(`{"action":"estop","source":"console"}`)))
	require.Eventually(t, s.Estopped, 2*time.Second, 10*time.Millisecond)

	msg, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "EMERGENCY_STOP", ev.State)
	assert.False(t, ev.Safe)

	// Request/reply validation sees the latch.
	action, err := json.Marshal(waveAction())
	require.NoError(t, err)
	reply, err := nc.Request(supervisor.SubjectValidate("unit-7"), action, 2*time.Second)
	require.NoError(t, err)
	var res validator.Result
	require.NoError(t, json.Unmarshal(reply.Data, &res))
	assert.False(t, res.Safe)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, supervisor.CodeEstopLatched, res.Violations[0].Code)

	// Reset over the wire restores validation.
	require.NoError(t, nc.Publish(supervisor.SubjectCommand("unit-7"), []byte(`{"action":"reset"}`)))
	require.Eventually(t, func() bool { return !s.Estopped() }, 2*time.Second, 10*time.Millisecond)

	reply, err = nc.Request(supervisor.SubjectValidate("unit-7"), action, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(reply.Data, &res))
	assert.True(t, res.Safe)

	// After unbinding, inbound subjects are dead.
	unbind()
	require.NoError(t, nc.Publish(supervisor.SubjectCommand("unit-7"), []byte(`{"action":"estop"}`)))
	require.NoError(t, nc.Flush())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, s.Estopped())
}

func TestBindSession_UndecodableActionRejected(t *testing.T) {
	ctx := context.Background()
	nc := startNATS(t)
	pub := supervisor.NewPublisher(nc, supervisor.WithPublisherLogger(quiet()))

	s := newTestSession(t, labProfile, supervisor.WithPublisher(pub))
	unbind, err := pub.BindSession(ctx, s)
	require.NoError(t, err)
	defer unbind()

	reply, err := nc.Request(supervisor.SubjectValidate("unit-7"), []byte("{"), 2*time.Second)
	require.NoError(t, err)

	var res validator.Result
	require.NoError(t, json.Unmarshal(reply.Data, &res))
	assert.False(t, res.Safe)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, supervisor.CodeActionUndecodable, res.Violations[0].Code)
}

func TestPublisher_RateLimitsSteadyStream(t *testing.T) {
	ctx := context.Background()
	nc := startNATS(t)
	pub := supervisor.NewPublisher(nc,
		supervisor.WithPublishRate(1),
		supervisor.WithPublisherLogger(quiet()))
	s := newTestSession(t, labProfile, supervisor.WithPublisher(pub))

	sub, err := nc.SubscribeSync(supervisor.SubjectAssessment("unit-7"))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	for i := 0; i < 10; i++ {
		ingestHealthy(ctx, s)
	}

	// Only the first snapshot fits the 1 Hz budget.
	msg, err := sub.NextMsg(time.Second)
	require.NoError(t, err)
	var ev supervisor.AssessmentEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "STABLE", ev.State)

	_, err = sub.NextMsg(300 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)

	// A state transition is never dropped for rate.
	s.EmergencyStop(ctx, "operator")
	msg, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "EMERGENCY_STOP", ev.State)
}
