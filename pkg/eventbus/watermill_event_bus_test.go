package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgekit/updagent/pkg/channels/gochannel"
	"github.com/edgekit/updagent/pkg/events"
	"github.com/edgekit/updagent/pkg/models"
	"github.com/edgekit/updagent/pkg/workflow"
)

func newTestBus(t *testing.T) EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { bus.Close() })

	return bus
}

func TestWatermillEventBusDeploymentRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *events.DeploymentRequested, 1)

	err := bus.Handle(events.DeploymentRequestedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.DeploymentRequested)

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx, events.DeploymentTopic))

	sent := events.DeploymentRequested{
		BaseEvent:   events.NewBaseEvent(events.DeploymentRequestedEvent, "device-1"),
		Payload:     json.RawMessage(`{"workflow":{"action":3,"id":"W1"}}`),
		ForceUpdate: true,
	}

	require.NoError(t, bus.Publish(ctx, "device-1", sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "device-1", got.DeviceID)
		assert.True(t, got.ForceUpdate)
		assert.JSONEq(t, string(sent.Payload), string(got.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("deployment event not delivered")
	}
}

func TestWatermillEventBusRoutesReportsToReportTopic(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *events.StateReported, 1)

	err := bus.Handle(events.StateReportedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.StateReported)

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx, events.ReportTopic))

	report := workflow.Report{
		State:    models.StateIdle,
		Workflow: workflow.ReportWorkflow{Action: models.ActionProcessDeployment, ID: "W1"},
	}

	require.NoError(t, bus.Publish(ctx, "device-1", events.StateReported{
		BaseEvent: events.NewBaseEvent(events.StateReportedEvent, "device-1"),
		Report:    report,
	}))

	select {
	case got := <-received:
		assert.Equal(t, report, got.Report)
	case <-time.After(5 * time.Second):
		t.Fatal("report event not delivered")
	}
}

func TestWatermillEventBusIgnoresUnhandledTypes(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx, events.DeploymentTopic))

	// No handler registered; publish must not wedge the subscriber.
	require.NoError(t, bus.Publish(ctx, "device-1", events.DeploymentRequested{
		BaseEvent: events.NewBaseEvent(events.DeploymentRequestedEvent, "device-1"),
		Payload:   json.RawMessage(`{}`),
	}))
}
