package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgekit/updagent/pkg/channels/gochannel"
	"github.com/edgekit/updagent/pkg/eventbus"
	"github.com/edgekit/updagent/pkg/events"
	"github.com/edgekit/updagent/pkg/handlers"
	"github.com/edgekit/updagent/pkg/handlers/simulator"
	"github.com/edgekit/updagent/pkg/models"
	"github.com/edgekit/updagent/pkg/persistence/diskv"
	"github.com/edgekit/updagent/pkg/persistence/file"
	"github.com/edgekit/updagent/pkg/workflow"
)

const testDeviceID = "camera-042"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func deploymentDoc(t *testing.T, workflowID string) json.RawMessage {
	t.Helper()

	manifest := `{"manifestVersion":"4","updateId":{"provider":"contoso","name":"camera-fw","version":"1.2.0"},"updateType":"simulator/v1","installedCriteria":"camera-fw-1.2.0","files":{"f1":{"fileName":"payload.swu"}}}`

	doc := map[string]any{
		"workflow":       map[string]any{"action": int(models.ActionProcessDeployment), "id": workflowID},
		"updateManifest": manifest,
		"fileUrls":       map[string]string{"f1": "http://updates.local/payload.swu"},
	}

	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	return raw
}

type testAgent struct {
	agent    *Agent
	bus      eventbus.EventBus
	driver   *workflow.Driver
	reports  chan *events.StateReported
	history  *diskv.HistoryStore
	stateDir string
}

func setupAgent(t *testing.T) *testAgent {
	t.Helper()

	logger := testLogger()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	stateDir := t.TempDir()
	history := diskv.NewHistoryStore(stateDir)

	registry := handlers.NewRegistry(logger)
	registry.Register("simulator/v1", func() (workflow.ContentHandler, error) {
		return simulator.New(simulator.Config{}), nil
	})

	reporter := NewBusReporter(logger, bus, testDeviceID, history)

	driver := workflow.NewDriver(workflow.Options{
		Logger:      logger,
		Handlers:    registry,
		Reporter:    reporter,
		States:      file.NewStateStore(filepath.Join(stateDir, "state.json")),
		SandboxRoot: filepath.Join(stateDir, "downloads"),
	})

	a := New(testDeviceID, logger, driver, bus, nil)

	reports := make(chan *events.StateReported, 32)
	require.NoError(t, bus.Handle(events.StateReportedEvent, func(_ context.Context, event any) error {
		reports <- event.(*events.StateReported)

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, bus.Subscribe(ctx, events.ReportTopic))
	require.NoError(t, a.Start(ctx))

	return &testAgent{
		agent:    a,
		bus:      bus,
		driver:   driver,
		reports:  reports,
		history:  history,
		stateDir: stateDir,
	}
}

func (ta *testAgent) publishDeployment(t *testing.T, payload json.RawMessage, force bool) {
	t.Helper()

	err := ta.bus.Publish(context.Background(), testDeviceID, events.DeploymentRequested{
		BaseEvent:   events.NewBaseEvent(events.DeploymentRequestedEvent, testDeviceID),
		Payload:     payload,
		ForceUpdate: force,
	})
	require.NoError(t, err)
}

func (ta *testAgent) collectStates(t *testing.T, n int) []models.UpdateState {
	t.Helper()

	states := make([]models.UpdateState, 0, n)

	for len(states) < n {
		select {
		case r := <-ta.reports:
			states = append(states, r.Report.State)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d reports", len(states), n)
		}
	}

	return states
}

func TestAgentRunsDeploymentEndToEnd(t *testing.T) {
	ta := setupAgent(t)
	defer ta.agent.Close()

	ta.publishDeployment(t, deploymentDoc(t, "wf-e2e"), false)

	states := ta.collectStates(t, 7)
	assert.Equal(t, []models.UpdateState{
		models.StateDeploymentInProgress,
		models.StateDownloadStarted,
		models.StateDownloadSucceeded,
		models.StateInstallStarted,
		models.StateInstallSucceeded,
		models.StateApplyStarted,
		models.StateIdle,
	}, states)

	status := ta.driver.Status()
	assert.Equal(t, "wf-e2e", status.LastCompletedID)
}

func TestAgentRecordsTerminalReportInHistory(t *testing.T) {
	ta := setupAgent(t)
	defer ta.agent.Close()

	ta.publishDeployment(t, deploymentDoc(t, "wf-hist"), false)
	ta.collectStates(t, 7)

	record, err := ta.history.Get("wf-hist")
	require.NoError(t, err)
	assert.Equal(t, "wf-hist", record.WorkflowID)
	assert.Equal(t, "contoso/camera-fw/1.2.0", record.UpdateID)
	assert.Equal(t, int(models.StateIdle), record.State)
	assert.Equal(t, int32(models.ResultApplySuccess), record.ResultCode)
	assert.NotEmpty(t, record.ReportJSON)
}

func TestAgentIgnoresOtherDevicesDocuments(t *testing.T) {
	ta := setupAgent(t)
	defer ta.agent.Close()

	err := ta.bus.Publish(context.Background(), "other-device", events.DeploymentRequested{
		BaseEvent: events.NewBaseEvent(events.DeploymentRequestedEvent, "other-device"),
		Payload:   deploymentDoc(t, "wf-other"),
	})
	require.NoError(t, err)

	// Give the subscriber a moment; no reports should arrive.
	select {
	case r := <-ta.reports:
		t.Fatalf("unexpected report for foreign document: %v", r.Report)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAgentReportsParseFailure(t *testing.T) {
	ta := setupAgent(t)
	defer ta.agent.Close()

	ta.publishDeployment(t, json.RawMessage(`{"workflow":{"action":3,"id":"wf-bad"}}`), false)

	select {
	case r := <-ta.reports:
		assert.Equal(t, models.StateFailed, r.Report.State)
		assert.Equal(t, "wf-bad", r.Report.Workflow.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure report")
	}
}

func TestSandboxSweeperRemovesOrphans(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sandbox")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wf-stale"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wf-older"), 0o755))

	sweeper := NewSandboxSweeper(testLogger(), root, nil)
	sweeper.Sweep()

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type fixedStatus struct {
	status workflow.Status
}

func (f fixedStatus) Status() workflow.Status { return f.status }

func TestSandboxSweeperKeepsLiveFolders(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sandbox")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wf-active"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wf-resume"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wf-stale"), 0o755))

	sweeper := NewSandboxSweeper(testLogger(), root, fixedStatus{workflow.Status{
		WorkflowID:      "wf-active",
		ResumePendingID: "wf-resume",
	}})
	sweeper.Sweep()

	_, err := os.Stat(filepath.Join(root, "wf-active"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "wf-resume"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "wf-stale"))
	assert.True(t, os.IsNotExist(err))
}

func TestSandboxSweeperSchedule(t *testing.T) {
	sweeper := NewSandboxSweeper(testLogger(), t.TempDir(), nil)

	require.Error(t, sweeper.Schedule("not a cron expr"))
	require.NoError(t, sweeper.Schedule("0 3 * * *"))
	sweeper.Stop()
}
