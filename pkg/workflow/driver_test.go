package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgekit/updagent/pkg/models"
	"github.com/edgekit/updagent/pkg/persistence"
	"github.com/edgekit/updagent/pkg/persistence/file"
)

// fakeReporter records every state report in order.
type fakeReporter struct {
	mu      sync.Mutex
	reports []Report
	ack     bool
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{ack: true}
}

func (r *fakeReporter) ReportStateAndResult(_ context.Context, report Report) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports = append(r.reports, report)

	return r.ack
}

func (r *fakeReporter) states() []models.UpdateState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.UpdateState, 0, len(r.reports))
	for _, rep := range r.reports {
		out = append(out, rep.State)
	}

	return out
}

func (r *fakeReporter) last() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reports[len(r.reports)-1]
}

// fakeHandler scripts per-call results and captures async completers.
type fakeHandler struct {
	mu sync.Mutex

	downloadResults []models.Result
	installResult   models.Result
	applyResult     models.Result
	installedResult models.Result

	downloadCalls  int
	installCalls   int
	applyCalls     int
	cancelCalls    int
	isInstalledRes int

	pendingDownload Completer
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		downloadResults: []models.Result{models.NewResult(models.ResultDownloadSuccess)},
		installResult:   models.NewResult(models.ResultInstallSuccess),
		applyResult:     models.NewResult(models.ResultApplySuccess),
		installedResult: models.NewResult(models.ResultIsInstalledNotInstalled),
	}
}

func (h *fakeHandler) Download(_ context.Context, _ *Node, completer Completer) models.Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := h.downloadResults[0]
	if len(h.downloadResults) > 1 {
		h.downloadResults = h.downloadResults[1:]
	}

	h.downloadCalls++

	if result.Code.InProgress() {
		h.pendingDownload = completer
	}

	return result
}

func (h *fakeHandler) Install(_ context.Context, _ *Node, _ Completer) models.Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.installCalls++

	return h.installResult
}

func (h *fakeHandler) Apply(_ context.Context, _ *Node, _ Completer) models.Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.applyCalls++

	return h.applyResult
}

func (h *fakeHandler) Cancel(_ context.Context, _ *Node) models.Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cancelCalls++

	return models.NewResult(models.ResultCancelSuccess)
}

func (h *fakeHandler) IsInstalled(_ context.Context, _ *Node) models.Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.isInstalledRes++

	return h.installedResult
}

func (h *fakeHandler) completeDownload(result models.Result) {
	h.mu.Lock()
	completer := h.pendingDownload
	h.pendingDownload = nil
	h.mu.Unlock()

	completer.Done(result)
}

type fakeResolver struct {
	handler ContentHandler
	err     error
}

func (r *fakeResolver) Resolve(string) (ContentHandler, error) {
	if r.err != nil {
		return nil, r.err
	}

	return r.handler, nil
}

type fakeRebootManager struct {
	mu       sync.Mutex
	reboots  int
	restarts int
}

func (m *fakeRebootManager) RebootSystem(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reboots++

	return nil
}

func (m *fakeRebootManager) RestartAgent(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.restarts++

	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func deploymentDoc(t *testing.T, id, retryToken, version string) []byte {
	t.Helper()

	manifest := map[string]any{
		"manifestVersion": version,
		"updateId": map[string]string{
			"provider": "contoso", "name": "camera-fw", "version": "1.2.0",
		},
		"updateType":        "simulator/v1",
		"installedCriteria": "camera-fw-1.2.0",
		"files": map[string]any{
			"f1": map[string]any{"fileName": "fw.bin", "sizeInBytes": 1024},
		},
	}

	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)

	workflow := map[string]any{"action": 3, "id": id}
	if retryToken != "" {
		workflow["retryTimestamp"] = retryToken
	}

	doc, err := json.Marshal(map[string]any{
		"workflow":       workflow,
		"updateManifest": string(manifestJSON),
		"fileUrls":       map[string]string{"f1": "http://host/fw.bin"},
	})
	require.NoError(t, err)

	return doc
}

func cancelDoc(t *testing.T, id string) []byte {
	t.Helper()

	doc, err := json.Marshal(map[string]any{
		"workflow": map[string]any{"action": 255, "id": id},
	})
	require.NoError(t, err)

	return doc
}

func newTestDriver(t *testing.T, handler ContentHandler, reporter Reporter) *Driver {
	t.Helper()

	return NewDriver(Options{
		Logger:      testLogger(),
		Handlers:    &fakeResolver{handler: handler},
		Reporter:    reporter,
		States:      file.NewStateStore(filepath.Join(t.TempDir(), "state.json")),
		SandboxRoot: t.TempDir(),
	})
}

func TestDriverSuccessfulDeployment(t *testing.T) {
	handler := newFakeHandler()
	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)

	assert.Equal(t, []models.UpdateState{
		models.StateDeploymentInProgress,
		models.StateDownloadStarted,
		models.StateDownloadSucceeded,
		models.StateInstallStarted,
		models.StateInstallSucceeded,
		models.StateApplyStarted,
		models.StateIdle,
	}, reporter.states())

	final := reporter.last()
	assert.Equal(t, "contoso/camera-fw/1.2.0", final.InstalledUpdateID)
	assert.Equal(t, "W1", final.Workflow.ID)

	status := driver.Status()
	assert.Equal(t, "W1", status.LastCompletedID)
	assert.Empty(t, status.WorkflowID)
}

func TestDriverAsyncDownloadCompletion(t *testing.T) {
	handler := newFakeHandler()
	handler.downloadResults = []models.Result{
		models.NewResult(models.ResultDownloadInProgress),
	}

	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)

	status := driver.Status()
	assert.True(t, status.OperationInProgress)
	assert.Equal(t, models.StepDownload, status.Step)

	handler.completeDownload(models.NewResult(models.ResultDownloadSuccess))

	assert.Equal(t, []models.UpdateState{
		models.StateDeploymentInProgress,
		models.StateDownloadStarted,
		models.StateDownloadSucceeded,
		models.StateInstallStarted,
		models.StateInstallSucceeded,
		models.StateApplyStarted,
		models.StateIdle,
	}, reporter.states())

	assert.False(t, driver.Status().OperationInProgress)
}

func TestDriverReplacementWhileDownloadInFlight(t *testing.T) {
	handler := newFakeHandler()
	handler.downloadResults = []models.Result{
		models.NewResult(models.ResultDownloadInProgress),
		models.NewResult(models.ResultDownloadSuccess),
	}

	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)
	require.True(t, driver.Status().OperationInProgress)

	// W2 arrives while W1's download has not completed.
	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W2", "", "4.0"), false)

	assert.Equal(t, 1, handler.cancelCalls)
	assert.True(t, driver.Status().ReplacementDeferred)
	assert.Equal(t, "W1", driver.Status().WorkflowID)

	// The completion callback, not the inbound call, starts the replacement.
	handler.completeDownload(models.NewResult(models.ResultFailureCancelled))

	final := reporter.last()
	assert.Equal(t, models.StateIdle, final.State)
	assert.Equal(t, "W2", final.Workflow.ID)
	assert.Equal(t, "W2", driver.Status().LastCompletedID)
}

func TestDriverSecondDeferredReplacementRejected(t *testing.T) {
	handler := newFakeHandler()
	handler.downloadResults = []models.Result{
		models.NewResult(models.ResultDownloadInProgress),
	}

	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)
	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W2", "", "4.0"), false)
	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W3", "", "4.0"), false)

	final := reporter.last()
	assert.Equal(t, models.StateFailed, final.State)
	assert.Equal(t, "W3", final.Workflow.ID)
	require.NotNil(t, final.LastInstallResult)
	assert.Equal(t, models.ERCDoubleDeferredReplacement, final.LastInstallResult.ExtendedResultCode)

	// W2 stays the deferred replacement.
	assert.True(t, driver.Status().ReplacementDeferred)
}

func TestDriverRetryDedup(t *testing.T) {
	t.Run("identical token is ignored", func(t *testing.T) {
		handler := newFakeHandler()
		handler.downloadResults = []models.Result{
			models.NewFailure(models.ResultFailure, models.ERCNotRecoverable),
		}

		reporter := newFakeReporter()
		driver := newTestDriver(t, handler, reporter)

		driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "tok-1", "4.0"), false)
		require.Equal(t, models.StateFailed, reporter.last().State)

		before := len(reporter.reports)
		driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "tok-1", "4.0"), false)
		assert.Len(t, reporter.reports, before)
		assert.Equal(t, 1, handler.downloadCalls)
	})

	t.Run("differing token restarts the deployment", func(t *testing.T) {
		handler := newFakeHandler()
		handler.downloadResults = []models.Result{
			models.NewFailure(models.ResultFailure, models.ERCNotRecoverable),
			models.NewResult(models.ResultDownloadSuccess),
		}

		reporter := newFakeReporter()
		driver := newTestDriver(t, handler, reporter)

		driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "tok-1", "4.0"), false)
		require.Equal(t, models.StateFailed, reporter.last().State)

		driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "tok-2", "4.0"), false)

		final := reporter.last()
		assert.Equal(t, models.StateIdle, final.State)
		assert.Equal(t, "W1", final.Workflow.ID)
		assert.Equal(t, 2, handler.downloadCalls)
	})

	t.Run("absent then present token is the first retry", func(t *testing.T) {
		handler := newFakeHandler()
		handler.downloadResults = []models.Result{
			models.NewFailure(models.ResultFailure, models.ERCNotRecoverable),
			models.NewResult(models.ResultDownloadSuccess),
		}

		reporter := newFakeReporter()
		driver := newTestDriver(t, handler, reporter)

		driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)
		driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "tok-1", "4.0"), false)

		assert.Equal(t, models.StateIdle, reporter.last().State)
		assert.Equal(t, 2, handler.downloadCalls)
	})
}

func TestDriverCancelWithNothingRunning(t *testing.T) {
	handler := newFakeHandler()
	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), cancelDoc(t, "W1"), false)

	require.Len(t, reporter.reports, 1)
	assert.Equal(t, models.StateIdle, reporter.reports[0].State)
	assert.Equal(t, 0, handler.cancelCalls)
	assert.Equal(t, 0, handler.downloadCalls)
	assert.Equal(t, 0, handler.isInstalledRes)
}

func TestDriverCancelInFlightOperation(t *testing.T) {
	handler := newFakeHandler()
	handler.downloadResults = []models.Result{
		models.NewResult(models.ResultDownloadInProgress),
	}

	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)
	driver.HandlePropertyUpdate(context.Background(), cancelDoc(t, "W1"), false)

	assert.Equal(t, 1, handler.cancelCalls)
	assert.True(t, driver.Status().CancelRequested)

	handler.completeDownload(models.NewResult(models.ResultFailureCancelled))

	final := reporter.last()
	assert.Equal(t, models.StateIdle, final.State)
	require.NotNil(t, final.LastInstallResult)
	assert.Equal(t, models.ResultFailureCancelled, final.LastInstallResult.ResultCode)

	// The cancelled deployment never counts as completed.
	assert.Empty(t, driver.Status().LastCompletedID)
}

func TestDriverFailureWithoutCancellationStaysFailed(t *testing.T) {
	handler := newFakeHandler()
	handler.downloadResults = []models.Result{
		models.NewFailure(models.ResultFailure, models.ERCNotRecoverable),
	}

	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)

	final := reporter.last()
	assert.Equal(t, models.StateFailed, final.State)
	require.NotNil(t, final.LastInstallResult)
	assert.Equal(t, models.ERCNotRecoverable, final.LastInstallResult.ExtendedResultCode)

	// Failed is only left through an explicit Cancel.
	driver.HandlePropertyUpdate(context.Background(), cancelDoc(t, "W1"), false)
	assert.Equal(t, models.StateIdle, reporter.last().State)
}

func TestDriverAlreadyInstalledShortCircuit(t *testing.T) {
	handler := newFakeHandler()
	handler.installedResult = models.NewResult(models.ResultIsInstalledInstalled)

	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)

	require.Len(t, reporter.reports, 1)
	assert.Equal(t, models.StateIdle, reporter.reports[0].State)
	assert.Equal(t, "contoso/camera-fw/1.2.0", reporter.reports[0].InstalledUpdateID)
	assert.Equal(t, 0, handler.downloadCalls)
}

func TestDriverDuplicateOfCompletedDeploymentIgnored(t *testing.T) {
	handler := newFakeHandler()
	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)
	require.Equal(t, models.StateIdle, reporter.last().State)

	before := len(reporter.reports)
	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)
	assert.Len(t, reporter.reports, before)

	// Force-update bypasses the dedup.
	handler.downloadResults = []models.Result{models.NewResult(models.ResultDownloadSuccess)}
	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), true)
	assert.Greater(t, len(reporter.reports), before)
}

func TestDriverParseFailureReported(t *testing.T) {
	handler := newFakeHandler()
	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	doc := []byte(`{"workflow":{"action":3,"id":"W1"},"updateManifest":"not json"}`)
	driver.HandlePropertyUpdate(context.Background(), doc, false)

	require.Len(t, reporter.reports, 1)
	assert.Equal(t, models.StateFailed, reporter.reports[0].State)
	assert.Equal(t, "W1", reporter.reports[0].Workflow.ID)
	require.NotNil(t, reporter.reports[0].LastInstallResult)
	assert.Equal(t, models.FacilityCrypto,
		reporter.reports[0].LastInstallResult.ExtendedResultCode.Facility())
}

func TestDriverInstallRebootPersistsAndResumes(t *testing.T) {
	stateDir := t.TempDir()
	statePath := filepath.Join(stateDir, "state.json")

	handler := newFakeHandler()
	handler.installResult = models.NewResult(models.ResultInstallRequiredReboot)

	reporter := newFakeReporter()
	reboot := &fakeRebootManager{}
	driver := NewDriver(Options{
		Logger:      testLogger(),
		Handlers:    &fakeResolver{handler: handler},
		Reporter:    reporter,
		Reboot:      reboot,
		States:      file.NewStateStore(statePath),
		SandboxRoot: t.TempDir(),
	})

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)

	assert.Equal(t, 1, reboot.reboots)
	assert.Equal(t, 0, handler.applyCalls)
	assert.Equal(t, models.StateInstallSucceeded, reporter.last().State)

	saved, err := file.NewStateStore(statePath).Load()
	require.NoError(t, err)
	assert.Equal(t, int(models.StepInstall), saved.WorkflowStep)
	assert.Equal(t, "W1", saved.WorkflowID)
	assert.Equal(t, 1, saved.SystemRebootState)

	// After the "reboot", a fresh driver consumes the state and finds the
	// update installed.
	handler2 := newFakeHandler()
	handler2.installedResult = models.NewResult(models.ResultIsInstalledInstalled)
	reporter2 := newFakeReporter()
	driver2 := NewDriver(Options{
		Logger:      testLogger(),
		Handlers:    &fakeResolver{handler: handler2},
		Reporter:    reporter2,
		States:      file.NewStateStore(statePath),
		SandboxRoot: t.TempDir(),
	})

	driver2.HandleStartup(context.Background())

	require.Len(t, reporter2.reports, 1)
	assert.Equal(t, models.StateIdle, reporter2.reports[0].State)
	assert.Equal(t, "contoso/camera-fw/1.2.0", reporter2.reports[0].InstalledUpdateID)
	assert.Equal(t, "W1", driver2.Status().LastCompletedID)

	// The persisted file is consumed exactly once.
	_, err = file.NewStateStore(statePath).Load()
	assert.True(t, persistence.IsNoState(err))
}

func TestDriverStartupNotInstalledLeavesResumePending(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")

	store := file.NewStateStore(statePath)
	require.NoError(t, store.Save(persistence.State{
		WorkflowStep:      int(models.StepApply),
		SystemRebootState: int(models.RestartInProgress),
		ExpectedUpdateID:  `{"provider":"contoso","name":"camera-fw","version":"1.2.0"}`,
		WorkflowID:        "W9",
		UpdateType:        "simulator/v1",
		InstalledCriteria: "camera-fw-1.2.0",
		WorkFolder:        "/var/lib/updagent/downloads/W9",
		ReportingJSON:     `{"state":5}`,
	}))

	handler := newFakeHandler()
	reporter := newFakeReporter()
	driver := NewDriver(Options{
		Logger:      testLogger(),
		Handlers:    &fakeResolver{handler: handler},
		Reporter:    reporter,
		States:      store,
		SandboxRoot: t.TempDir(),
	})

	driver.HandleStartup(context.Background())

	status := driver.Status()
	assert.True(t, status.ResumePending)
	assert.Equal(t, "W9", status.ResumePendingID)
	assert.Empty(t, reporter.reports)
}

func TestDriverStartupCorruptStateTreatedAsAbsent(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{{{ not json"), 0o644))

	handler := newFakeHandler()
	reporter := newFakeReporter()
	driver := NewDriver(Options{
		Logger:      testLogger(),
		Handlers:    &fakeResolver{handler: handler},
		Reporter:    reporter,
		States:      file.NewStateStore(statePath),
		SandboxRoot: t.TempDir(),
	})

	driver.HandleStartup(context.Background())

	require.Len(t, reporter.reports, 1)
	assert.Equal(t, models.StateIdle, reporter.reports[0].State)
	assert.Equal(t, 0, handler.isInstalledRes)
}

func TestDriverOperationInProgressFlagLifecycle(t *testing.T) {
	handler := newFakeHandler()
	handler.downloadResults = []models.Result{
		models.NewResult(models.ResultDownloadInProgress),
	}

	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	assert.False(t, driver.Status().OperationInProgress)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)
	assert.True(t, driver.Status().OperationInProgress)

	handler.completeDownload(models.NewResult(models.ResultDownloadSuccess))
	assert.False(t, driver.Status().OperationInProgress)
}

func TestDriverPreflightFailureFailsDeployment(t *testing.T) {
	handler := newFakeHandler()
	reporter := newFakeReporter()
	driver := NewDriver(Options{
		Logger:   testLogger(),
		Handlers: &fakeResolver{handler: handler},
		Reporter: reporter,
		Preflight: preflightFunc(func(context.Context, *Node) models.Result {
			return models.NewFailure(models.ResultFailure, models.ERCInsufficientDiskSpace)
		}),
		SandboxRoot: t.TempDir(),
	})

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)

	final := reporter.last()
	assert.Equal(t, models.StateFailed, final.State)
	require.NotNil(t, final.LastInstallResult)
	assert.Equal(t, models.ERCInsufficientDiskSpace, final.LastInstallResult.ExtendedResultCode)
	assert.Equal(t, 0, handler.downloadCalls)
}

type preflightFunc func(ctx context.Context, node *Node) models.Result

func (f preflightFunc) Check(ctx context.Context, node *Node) models.Result {
	return f(ctx, node)
}

func TestDriverUnackedReportDegradesToFailed(t *testing.T) {
	handler := newFakeHandler()
	reporter := newFakeReporter()
	reporter.ack = false

	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)

	status := driver.Status()
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, 0, handler.downloadCalls)
}

func TestDriverStepResultsAppearInFinalReport(t *testing.T) {
	handler := newFakeHandler()
	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, "W1", "", "4.0"), false)

	final := reporter.last()
	require.NotNil(t, final.LastInstallResult)
	require.Contains(t, final.LastInstallResult.StepResults, "W1")
	assert.Equal(t, models.ResultApplySuccess,
		final.LastInstallResult.StepResults["W1"].ResultCode)
}

func TestDriverManyDeploymentsSequentially(t *testing.T) {
	handler := newFakeHandler()
	reporter := newFakeReporter()
	driver := newTestDriver(t, handler, reporter)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("W%d", i)
		driver.HandlePropertyUpdate(context.Background(), deploymentDoc(t, id, "", "4.0"), false)
		require.Equal(t, models.StateIdle, reporter.last().State)
		require.Equal(t, id, reporter.last().Workflow.ID)
	}

	assert.Equal(t, 5, handler.downloadCalls)
}
