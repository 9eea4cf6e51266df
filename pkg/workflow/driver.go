package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgekit/updagent/pkg/models"
	"github.com/edgekit/updagent/pkg/persistence"
)

// Driver ties the workflow tree, the transition table and the
// cancellation/replacement/retry controller together behind a single mutex.
//
// Lock discipline: HandlePropertyUpdate and completeAsync acquire the mutex;
// completeLocked must only be called with the mutex held. Synchronous handler
// results stay inside the caller's critical section and go straight to
// completeLocked, which keeps re-entrant locking out.
type Driver struct {
	mu sync.Mutex

	logger    *slog.Logger
	tracer    trace.Tracer
	handlers  HandlerResolver
	reporter  Reporter
	reboot    RebootManager
	states    persistence.StateStore
	preflight Preflight

	sandboxRoot      string
	skipVersionCheck bool

	current           *Node
	lastReportedState models.UpdateState
	lastCompletedID   string

	systemRebootState models.RestartState
	agentRestartState models.RestartState

	resumePending   bool
	resumePendingID string
}

// Options configures a Driver. Logger, Handlers, Reporter and States are
// required; Reboot, Preflight and Tracer are optional.
type Options struct {
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Handlers    HandlerResolver
	Reporter    Reporter
	Reboot      RebootManager
	States      persistence.StateStore
	Preflight   Preflight
	SandboxRoot string

	// SkipManifestVersionCheck accepts manifests older than the supported
	// schema version. Deployments from staging feeds sometimes need it.
	SkipManifestVersionCheck bool
}

func NewDriver(opts Options) *Driver {
	root := opts.SandboxRoot
	if root == "" {
		root = DefaultSandboxRoot
	}

	return &Driver{
		logger:            opts.Logger,
		tracer:            opts.Tracer,
		handlers:          opts.Handlers,
		reporter:          opts.Reporter,
		reboot:            opts.Reboot,
		states:            opts.States,
		preflight:         opts.Preflight,
		sandboxRoot:       root,
		skipVersionCheck:  opts.SkipManifestVersionCheck,
		lastReportedState: models.StateIdle,
	}
}

// methodCall is the token passed through one step's operation and completion.
// It pins the node and table entry the operation was started against so a
// late completion cannot be attributed to the wrong step.
type methodCall struct {
	ctx   context.Context
	node  *Node
	entry *transition
}

// workCompleter delivers an asynchronous final result back into the driver.
type workCompleter struct {
	d  *Driver
	mc *methodCall
}

func (c *workCompleter) Done(result models.Result) {
	c.d.completeAsync(c.mc, result)
}

// Status is a read-only snapshot of the driver for the local status API.
type Status struct {
	WorkflowID          string                    `json:"workflowId,omitempty"`
	State               models.UpdateState        `json:"state"`
	Step                models.WorkflowStep       `json:"step"`
	ResultCode          models.ResultCode         `json:"resultCode"`
	ExtendedResultCode  models.ExtendedResultCode `json:"extendedResultCode"`
	OperationInProgress bool                      `json:"operationInProgress"`
	CancelRequested     bool                      `json:"cancelRequested"`
	ReplacementDeferred bool                      `json:"replacementDeferred"`
	LastCompletedID     string                    `json:"lastCompletedWorkflowId,omitempty"`
	ResumePending       bool                      `json:"resumePending"`
	ResumePendingID     string                    `json:"resumePendingWorkflowId,omitempty"`
}

func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := Status{
		State:           d.lastReportedState,
		LastCompletedID: d.lastCompletedID,
		ResumePending:   d.resumePending,
		ResumePendingID: d.resumePendingID,
	}

	if d.current != nil {
		status.WorkflowID = d.current.ID()
		status.Step = d.current.Step()
		status.ResultCode = d.current.Result().Code
		status.ExtendedResultCode = d.current.Result().ExtendedCode
		status.OperationInProgress = d.current.OperationInProgress()
		status.CancelRequested = d.current.CancelRequested()
		status.ReplacementDeferred = d.current.DeferredReplacement() != nil
	}

	return status
}

// HandlePropertyUpdate is the inbound entry point: one raw deployment document
// from the orchestrator. Parse failures never adopt a node; they are reported
// as Failed with the parse facility's extended code.
func (d *Driver) HandlePropertyUpdate(ctx context.Context, raw []byte, forceUpdate bool) {
	node, err := Parse(raw, !d.skipVersionCheck)
	if err != nil {
		d.logger.Error("Rejecting deployment document", "error", err)
		d.reportParseFailure(ctx, raw, ExtendedCodeOf(err))

		return
	}

	node.SetForceUpdate(forceUpdate)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handleUpdateAction(ctx, node)
}

// reportParseFailure salvages the workflow identity from the rejected
// document, when possible, so the orchestrator can correlate the failure.
func (d *Driver) reportParseFailure(ctx context.Context, raw []byte, erc models.ExtendedResultCode) {
	var partial struct {
		Workflow models.WorkflowRequest `json:"workflow"`
	}

	_ = json.Unmarshal(raw, &partial)

	result := models.NewFailure(models.ResultFailure, erc)
	report := Report{
		State: models.StateFailed,
		Workflow: ReportWorkflow{
			Action: partial.Workflow.Action,
			ID:     partial.Workflow.ID,
		},
		LastInstallResult: &InstallResult{
			ResultCode:         result.Code,
			ExtendedResultCode: result.ExtendedCode,
		},
	}

	d.reporter.ReportStateAndResult(ctx, report)

	d.mu.Lock()
	d.lastReportedState = models.StateFailed
	d.mu.Unlock()
}

// handleUpdateAction is the cancellation/replacement/retry controller. Caller
// holds the lock.
func (d *Driver) handleUpdateAction(ctx context.Context, node *Node) {
	if node.Action() == models.ActionCancel ||
		(d.current != nil && d.current.CancellationType() == models.CancellationNormal) {
		d.handleCancel(ctx)

		return
	}

	if node.Action() != models.ActionProcessDeployment {
		d.logger.Error("Dropping unsupported action", "action", node.Action(), "workflowId", node.ID())

		return
	}

	if d.current != nil && d.current.EqualID(node) {
		d.handleRetry(ctx, node)

		return
	}

	if d.current != nil && d.isReplaceable() {
		d.handleReplacement(ctx, node)

		return
	}

	// First deployment, or the previous one already reached a terminal
	// condition.
	d.adopt(node)
	d.startDeployment(ctx)
}

func (d *Driver) handleCancel(ctx context.Context) {
	if d.current != nil && d.current.OperationInProgress() {
		d.logger.Info("Cancel requested for in-flight operation", "workflowId", d.current.ID())
		d.current.SetCancelRequested(true)
		d.current.SetCancellationType(models.CancellationNormal)
		d.invokeCancel(ctx, d.current)

		return
	}

	// Cancel with nothing running is a no-op success.
	d.logger.Info("Cancel with no operation in progress, going idle")

	if d.current != nil {
		d.reportAndGoIdle(ctx, d.current, models.NewResult(models.ResultCancelSuccess), "")

		return
	}

	report := Report{State: models.StateIdle}
	d.reporter.ReportStateAndResult(ctx, report)
	d.lastReportedState = models.StateIdle
}

// handleRetry processes a ProcessDeployment for the workflow already current.
// A retry is applicable iff the tokens differ, or the current token is absent
// and the new one present. Anything else is a duplicate delivery and is
// ignored unless force-update is set.
func (d *Driver) handleRetry(ctx context.Context, node *Node) {
	currentToken := d.current.RetryToken()
	newToken := node.RetryToken()

	applicable := currentToken != newToken || (currentToken == "" && newToken != "")
	if !applicable && !node.ForceUpdate() {
		d.logger.Info("Ignoring duplicate deployment",
			"workflowId", node.ID(), "retryToken", newToken)

		return
	}

	d.logger.Info("Retry requested", "workflowId", node.ID(),
		"currentToken", currentToken, "newToken", newToken)
	d.current.SetForceUpdate(node.ForceUpdate())
	d.current.UpdateRetryDeployment(newToken)

	if d.current.OperationInProgress() {
		d.current.SetCancelRequested(true)
		d.invokeCancel(ctx, d.current)

		return
	}

	d.current.UpdateForRetry()
	d.lastReportedState = models.StateIdle
	d.startDeployment(ctx)
}

// handleReplacement processes a ProcessDeployment for a different workflow id
// while the current one is still live. With an operation in flight the new
// workflow is deferred on the current node and cancellation requested; the
// completion callback performs the takeover. Otherwise the takeover is
// immediate.
func (d *Driver) handleReplacement(ctx context.Context, node *Node) {
	d.logger.Info("Replacement deployment received",
		"currentWorkflowId", d.current.ID(), "newWorkflowId", node.ID())

	deferred, err := d.current.UpdateReplacementDeployment(node)
	if err != nil {
		d.logger.Error("Rejecting replacement", "workflowId", node.ID(), "error", err)
		d.reportRejected(ctx, node, models.ERCDoubleDeferredReplacement)

		return
	}

	if deferred {
		d.current.SetCancelRequested(true)
		d.invokeCancel(ctx, d.current)

		return
	}

	// Payload already transferred into the current node.
	d.current.UpdateForReplacement()
	d.lastReportedState = models.StateIdle
	d.startDeployment(ctx)
}

// isReplaceable reports whether the current deployment is still live enough
// to defer a replacement behind. Idle, Failed and terminal-step nodes are
// simply superseded instead.
func (d *Driver) isReplaceable() bool {
	return d.lastReportedState != models.StateIdle &&
		d.lastReportedState != models.StateFailed &&
		d.current.Step() != models.StepUndefined
}

func (d *Driver) adopt(node *Node) {
	if d.current != nil {
		d.destroySandbox(d.current)
	}

	d.current = node
	node.SetSandboxRoot(d.sandboxRoot)
}

// startDeployment runs the common entry path: duplicate suppression, the
// IsInstalled idempotence guard, then ProcessDeployment through the table.
func (d *Driver) startDeployment(ctx context.Context) {
	node := d.current

	if node.ID() == d.lastCompletedID && !node.ForceUpdate() {
		d.logger.Info("Ignoring redelivery of completed deployment", "workflowId", node.ID())
		d.current = nil

		return
	}

	handler, err := d.handlers.Resolve(node.UpdateType())
	if err != nil {
		d.logger.Error("No content handler", "updateType", node.UpdateType(), "error", err)
		d.failDeployment(ctx, node, models.NewFailure(models.ResultFailure, models.ERCNoHandler))

		return
	}

	if r := handler.IsInstalled(ctx, node); r.Code == models.ResultIsInstalledInstalled {
		d.logger.Info("Update already installed, skipping execution",
			"workflowId", node.ID(), "updateId", node.ExpectedUpdateID())
		d.goIdleInstalled(ctx, node, models.NewResult(models.ResultIsInstalledInstalled))

		return
	}

	node.SetStep(models.StepProcessDeployment)
	d.transitionWorkflow(ctx)
}

// transitionWorkflow runs the table entry for the current step. Caller holds
// the lock. A synchronous final result is fed straight into completeLocked
// without re-locking.
func (d *Driver) transitionWorkflow(ctx context.Context) {
	node := d.current

	entry, err := lookupTransition(node.Step())
	if err != nil {
		d.logger.Error("Internal error, aborting operation", "step", node.Step(), "error", err)
		d.failDeployment(ctx, node,
			models.NewFailure(models.ResultFailure, models.ERCInvalidWorkflowStep))

		return
	}

	if node.OperationInProgress() {
		d.logger.Warn("Operation already in progress, not starting another",
			"workflowId", node.ID(), "step", node.Step())

		return
	}

	if d.tracer != nil {
		var span trace.Span

		ctx, span = d.tracer.Start(ctx, "workflow."+node.Step().String(),
			trace.WithAttributes(
				attribute.String("updagent.workflow.id", node.ID()),
				attribute.String("updagent.update.type", node.UpdateType()),
			))
		defer span.End()
	}

	mc := &methodCall{ctx: ctx, node: node, entry: entry}

	node.SetOperationInProgress(true)

	result := entry.operation(d, mc)
	if !result.Code.InProgress() {
		d.completeLocked(mc, result)
	}
}

// completeAsync is the entry point for final results delivered from a handler
// goroutine through a completer. It takes the lock; a synchronous result is
// fed into completeLocked directly because transitionWorkflow's caller already
// holds the lock.
func (d *Driver) completeAsync(mc *methodCall, result models.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.completeLocked(mc, result)
}

// completeLocked advances the state machine once a step's final result is
// known. Caller holds the lock.
func (d *Driver) completeLocked(mc *methodCall, result models.Result) {
	if result.Code.InProgress() {
		d.logger.Error("Completion delivered an in-progress result, aborting operation",
			"workflowId", mc.node.ID(), "step", mc.node.Step(), "error", ErrCompletionInProgress)

		result = models.NewFailure(models.ResultFailure, models.ERCUnexpectedState)
	}

	node := mc.node
	if node != d.current {
		d.logger.Warn("Dropping completion for a superseded workflow", "workflowId", node.ID())

		return
	}

	ctx := mc.ctx

	node.SetResult(result)
	mc.entry.complete(d, mc, result)
	node.RecordStepResult()

	if result.Succeeded() {
		d.completeSuccess(ctx, mc, result)

		return
	}

	d.completeFailure(ctx, mc, result)
}

func (d *Driver) completeSuccess(ctx context.Context, mc *methodCall, result models.Result) {
	node := mc.node

	if mc.entry.nextState == models.StateIdle {
		// Apply reached the end of the pipeline; there is no ApplySucceeded
		// state, success collapses straight to Idle.
		node.ClearInProgressAndCancelRequested()
		d.finishPipeline(ctx, node, result)

		return
	}

	if !d.setStateAndReport(ctx, node, mc.entry.nextState, &result) {
		node.ClearInProgressAndCancelRequested()
		d.failDeployment(ctx, node,
			models.NewFailure(models.ResultFailure, models.ERCReportingFailed))

		return
	}

	node.ClearInProgressAndCancelRequested()

	if d.restartPending() {
		d.persistAndInitiateRestart(ctx, node)

		return
	}

	if isWorkflowComplete(mc.entry.nextStep) {
		return
	}

	node.SetStep(mc.entry.nextStep)
	d.transitionWorkflow(ctx)
}

func (d *Driver) completeFailure(ctx context.Context, mc *methodCall, result models.Result) {
	node := mc.node

	if !node.CancelRequested() {
		node.ClearInProgressAndCancelRequested()
		d.failDeployment(ctx, node, result)

		return
	}

	switch node.CancellationType() {
	case models.CancellationReplacement:
		d.logger.Info("Cancelled for replacement, starting deferred workflow",
			"oldWorkflowId", node.ID())
		d.destroySandbox(node)
		node.UpdateForReplacement()
		d.lastReportedState = models.StateIdle
		d.startDeployment(ctx)

	case models.CancellationRetry:
		d.logger.Info("Cancelled for retry, restarting deployment", "workflowId", node.ID())
		node.UpdateForRetry()
		d.lastReportedState = models.StateIdle
		d.startDeployment(ctx)

	case models.CancellationNormal, models.CancellationComponentChanged,
		models.CancellationNone:
		// The underlying failure code is absorbed; the orchestrator sees a
		// cancelled deployment going idle.
		cancelled := result
		if cancelled.Code >= 0 {
			cancelled = models.NewResult(models.ResultFailureCancelled)
		}

		d.reportAndGoIdle(ctx, node, cancelled, "")
	}
}

// finishPipeline handles Idle reached from a successful Apply: when a reboot
// or agent restart is pending the Idle report is deferred to the next
// startup; otherwise the installed update id goes out with the Idle report.
func (d *Driver) finishPipeline(ctx context.Context, node *Node, result models.Result) {
	if d.restartPending() {
		d.persistAndInitiateRestart(ctx, node)

		return
	}

	if d.systemRebootState == models.RestartInProgress ||
		d.agentRestartState == models.RestartInProgress {
		d.goIdleQuiet(node)

		return
	}

	d.goIdleInstalled(ctx, node, result)
}

// goIdleInstalled reports Idle carrying the installed update id and retires
// the current node. This is the only path that records a completed workflow
// for duplicate suppression.
func (d *Driver) goIdleInstalled(ctx context.Context, node *Node, result models.Result) {
	installedID := ""
	if id := node.ExpectedUpdateID(); id != nil {
		installedID = id.String()
	}

	node.SetInstalledUpdateID(installedID)
	d.lastCompletedID = node.ID()
	d.systemRebootState = models.RestartNone
	d.agentRestartState = models.RestartNone

	d.reportAndGoIdle(ctx, node, result, installedID)
}

func (d *Driver) reportAndGoIdle(ctx context.Context, node *Node, result models.Result, installedID string) {
	report := BuildReport(node, models.StateIdle, &result, installedID)
	d.reporter.ReportStateAndResult(ctx, report)
	d.lastReportedState = models.StateIdle
	d.goIdleQuiet(node)
}

// goIdleQuiet retires the current node without emitting a report.
func (d *Driver) goIdleQuiet(node *Node) {
	node.SetState(models.StateIdle)
	node.SetStep(models.StepUndefined)
	node.ClearInProgressAndCancelRequested()
	d.destroySandbox(node)

	if d.states != nil {
		if err := d.states.Delete(); err != nil {
			d.logger.Warn("Failed to remove persisted state", "error", err)
		}
	}

	if node == d.current {
		d.current = nil
	}
}

// failDeployment reports Failed and leaves the node in Failed. The state
// machine only leaves Failed through an explicit Cancel from the orchestrator.
func (d *Driver) failDeployment(ctx context.Context, node *Node, result models.Result) {
	node.SetResult(result)
	node.SetState(models.StateFailed)
	node.RecordStepResult()

	report := BuildReport(node, models.StateFailed, &result, "")
	d.reporter.ReportStateAndResult(ctx, report)
	d.lastReportedState = models.StateFailed
}

// setStateAndReport reports a non-terminal state transition. A report the
// orchestrator does not acknowledge returns false; the caller converts that
// into a Failed deployment.
func (d *Driver) setStateAndReport(ctx context.Context, node *Node, state models.UpdateState, result *models.Result) bool {
	report := BuildReport(node, state, result, "")
	if !d.reporter.ReportStateAndResult(ctx, report) {
		d.logger.Error("State report not acknowledged",
			"workflowId", node.ID(), "state", state)

		return false
	}

	node.SetState(state)
	d.lastReportedState = state

	return true
}

func (d *Driver) restartPending() bool {
	return d.systemRebootState == models.RestartRequired ||
		d.agentRestartState == models.RestartRequired
}

func (d *Driver) invokeCancel(ctx context.Context, node *Node) {
	handler, err := d.handlers.Resolve(node.UpdateType())
	if err != nil {
		d.logger.Error("Cannot cancel, no content handler",
			"updateType", node.UpdateType(), "error", err)

		return
	}

	if r := handler.Cancel(ctx, node); r.Code != models.ResultCancelSuccess {
		d.logger.Warn("Handler could not cancel in-flight operation",
			"workflowId", node.ID(), "resultCode", r.Code)
	}
}

func (d *Driver) destroySandbox(node *Node) {
	folder := node.WorkFolder()
	if folder == "" || folder == "/" {
		return
	}

	if err := os.RemoveAll(folder); err != nil {
		d.logger.Warn("Failed to remove sandbox", "workFolder", folder, "error", err)
	}
}

// ---- step operations -------------------------------------------------------

func (d *Driver) methodCallProcessDeployment(mc *methodCall) models.Result {
	d.logger.Info("Processing deployment", "workflowId", mc.node.ID(),
		"updateId", mc.node.ExpectedUpdateID())

	if d.preflight != nil {
		if r := d.preflight.Check(mc.ctx, mc.node); r.Failed() {
			d.logger.Error("Pre-flight check failed", "workflowId", mc.node.ID(),
				"extendedResultCode", r.ExtendedCode)

			return r
		}
	}

	return models.NewResult(models.ResultSuccess)
}

func (d *Driver) methodCallProcessDeploymentComplete(mc *methodCall, result models.Result) {
}

func (d *Driver) methodCallDownload(mc *methodCall) models.Result {
	node := mc.node

	if d.lastReportedState != models.StateDeploymentInProgress {
		d.logger.Error("Download requested in unexpected state",
			"workflowId", node.ID(), "state", d.lastReportedState)

		return models.NewFailure(models.ResultFailure, models.ERCUnexpectedState)
	}

	if !d.setStateAndReport(mc.ctx, node, models.StateDownloadStarted, nil) {
		return models.NewFailure(models.ResultFailure, models.ERCReportingFailed)
	}

	handler, err := d.handlers.Resolve(node.UpdateType())
	if err != nil {
		return models.NewFailure(models.ResultFailure, models.ERCNoHandler)
	}

	return handler.Download(mc.ctx, node, &workCompleter{d: d, mc: mc})
}

func (d *Driver) methodCallDownloadComplete(mc *methodCall, result models.Result) {
	d.logger.Info("Download complete", "workflowId", mc.node.ID(), "resultCode", result.Code)
}

func (d *Driver) methodCallInstall(mc *methodCall) models.Result {
	node := mc.node

	if d.lastReportedState != models.StateDownloadSucceeded {
		d.logger.Error("Install requested in unexpected state",
			"workflowId", node.ID(), "state", d.lastReportedState)

		return models.NewFailure(models.ResultFailure, models.ERCUnexpectedState)
	}

	if !d.setStateAndReport(mc.ctx, node, models.StateInstallStarted, nil) {
		return models.NewFailure(models.ResultFailure, models.ERCReportingFailed)
	}

	handler, err := d.handlers.Resolve(node.UpdateType())
	if err != nil {
		return models.NewFailure(models.ResultFailure, models.ERCNoHandler)
	}

	return handler.Install(mc.ctx, node, &workCompleter{d: d, mc: mc})
}

func (d *Driver) methodCallInstallComplete(mc *methodCall, result models.Result) {
	d.noteRestartRequest(mc.node, result)
}

func (d *Driver) methodCallApply(mc *methodCall) models.Result {
	node := mc.node

	if d.lastReportedState != models.StateInstallSucceeded {
		d.logger.Error("Apply requested in unexpected state",
			"workflowId", node.ID(), "state", d.lastReportedState)

		return models.NewFailure(models.ResultFailure, models.ERCUnexpectedState)
	}

	if !d.setStateAndReport(mc.ctx, node, models.StateApplyStarted, nil) {
		return models.NewFailure(models.ResultFailure, models.ERCReportingFailed)
	}

	handler, err := d.handlers.Resolve(node.UpdateType())
	if err != nil {
		return models.NewFailure(models.ResultFailure, models.ERCNoHandler)
	}

	return handler.Apply(mc.ctx, node, &workCompleter{d: d, mc: mc})
}

func (d *Driver) methodCallApplyComplete(mc *methodCall, result models.Result) {
	d.noteRestartRequest(mc.node, result)
}

// noteRestartRequest records a reboot/agent-restart demand carried by an
// Install or Apply success code. Initiation happens on the success path once
// the state report went out.
func (d *Driver) noteRestartRequest(node *Node, result models.Result) {
	if result.Code.RequiresReboot() {
		immediate := result.Code == models.ResultInstallRequiredImmediateReboot ||
			result.Code == models.ResultApplyRequiredImmediateReboot
		node.RequestReboot(immediate)
		d.systemRebootState = models.RestartRequired
	}

	if result.Code.RequiresAgentRestart() {
		immediate := result.Code == models.ResultInstallRequiredImmediateAgentRestart ||
			result.Code == models.ResultApplyRequiredImmediateAgentRestart
		node.RequestAgentRestart(immediate)
		d.agentRestartState = models.RestartRequired
	}
}

// persistAndInitiateRestart saves the resume snapshot, then asks the reboot
// manager for the restart. The snapshot must hit disk first; the process may
// not get another chance.
func (d *Driver) persistAndInitiateRestart(ctx context.Context, node *Node) {
	if err := d.persistResumeState(node); err != nil {
		d.logger.Error("Failed to persist resume state", "workflowId", node.ID(), "error", err)
	}

	if d.reboot == nil {
		d.logger.Warn("Restart required but no reboot manager configured",
			"workflowId", node.ID())

		return
	}

	if d.systemRebootState == models.RestartRequired {
		d.systemRebootState = models.RestartInProgress
		d.logger.Info("Initiating system reboot", "workflowId", node.ID())

		if err := d.reboot.RebootSystem(ctx); err != nil {
			d.logger.Error("Reboot request failed", "error", err)
			d.systemRebootState = models.RestartRequired
		}

		return
	}

	if d.agentRestartState == models.RestartRequired {
		d.agentRestartState = models.RestartInProgress
		d.logger.Info("Initiating agent restart", "workflowId", node.ID())

		if err := d.reboot.RestartAgent(ctx); err != nil {
			d.logger.Error("Agent restart request failed", "error", err)
			d.agentRestartState = models.RestartRequired
		}
	}
}

func (d *Driver) persistResumeState(node *Node) error {
	if d.states == nil {
		return nil
	}

	expectedID := "{}"
	if id := node.ExpectedUpdateID(); id != nil {
		b, err := json.Marshal(id)
		if err == nil {
			expectedID = string(b)
		}
	}

	reporting, err := MarshalReport(BuildReport(node, node.State(), ptrResult(node.Result()), ""))
	if err != nil {
		return err
	}

	return d.states.Save(persistence.State{
		WorkflowStep:       int(node.Step()),
		ResultCode:         int32(node.Result().Code),
		ExtendedResultCode: int32(node.Result().ExtendedCode),
		SystemRebootState:  int(d.systemRebootState),
		AgentRestartState:  int(d.agentRestartState),
		ExpectedUpdateID:   expectedID,
		WorkflowID:         node.ID(),
		UpdateType:         node.UpdateType(),
		InstalledCriteria:  node.InstalledCriteria(),
		WorkFolder:         node.WorkFolder(),
		ReportingJSON:      reporting,
	})
}

func ptrResult(r models.Result) *models.Result {
	return &r
}

// reportRejected reports Failed for a workflow that was never adopted.
func (d *Driver) reportRejected(ctx context.Context, node *Node, erc models.ExtendedResultCode) {
	result := models.NewFailure(models.ResultFailure, erc)
	report := Report{
		State: models.StateFailed,
		Workflow: ReportWorkflow{
			Action: node.Action(),
			ID:     node.ID(),
		},
		LastInstallResult: &InstallResult{
			ResultCode:         result.Code,
			ExtendedResultCode: result.ExtendedCode,
		},
	}

	d.reporter.ReportStateAndResult(ctx, report)
}

// ---- startup ---------------------------------------------------------------

// HandleStartup consumes the persisted resume state, exactly once. An absent
// or unusable document is a fresh start. A deployment interrupted during
// Install or Apply is resolved through the handler's IsInstalled check;
// NotInstalled is surfaced as a resume-pending condition, never silently
// resumed.
func (d *Driver) HandleStartup(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.states == nil {
		d.reportStartupIdle(ctx)

		return
	}

	state, err := d.states.Load()
	if err != nil {
		if !persistence.IsNoState(err) {
			d.logger.Error("Failed to load persisted state", "error", err)
		}

		d.reportStartupIdle(ctx)

		return
	}

	if err := d.states.Delete(); err != nil {
		d.logger.Warn("Failed to remove consumed persisted state", "error", err)
	}

	step := models.WorkflowStep(state.WorkflowStep)
	if step != models.StepInstall && step != models.StepApply {
		d.logger.Info("Persisted state does not need resumption", "step", step)
		d.reportStartupIdle(ctx)

		return
	}

	d.logger.Info("Deployment was interrupted by reboot or restart",
		"workflowId", state.WorkflowID, "step", step)

	node := nodeFromPersistedState(state)

	handler, err := d.handlers.Resolve(state.UpdateType)
	if err != nil {
		d.logger.Error("No content handler for persisted deployment",
			"updateType", state.UpdateType, "error", err)
		d.failDeployment(ctx, node,
			models.NewFailure(models.ResultFailure, models.ERCNoHandler))

		return
	}

	r := handler.IsInstalled(ctx, node)

	switch {
	case r.Code == models.ResultIsInstalledInstalled:
		d.logger.Info("Interrupted deployment is installed, completing",
			"workflowId", state.WorkflowID)
		d.goIdleInstalled(ctx, node, models.NewResult(models.ResultApplySuccess))

	case r.Failed():
		d.logger.Error("IsInstalled check failed after restart",
			"workflowId", state.WorkflowID, "extendedResultCode", r.ExtendedCode)
		d.failDeployment(ctx, node, r)

	default:
		// Known gap: the pipeline is not restarted automatically. The
		// condition stays observable until the orchestrator redeploys.
		d.logger.Warn("Interrupted deployment is not installed, waiting for redeployment",
			"workflowId", state.WorkflowID)
		d.resumePending = true
		d.resumePendingID = state.WorkflowID
	}
}

func (d *Driver) reportStartupIdle(ctx context.Context) {
	report := Report{State: models.StateIdle}
	d.reporter.ReportStateAndResult(ctx, report)
	d.lastReportedState = models.StateIdle
}

// nodeFromPersistedState rebuilds the partial node needed to finish an
// interrupted deployment: identity, update type, installed criteria and the
// work folder. The full manifest is gone; only resumption-relevant fields
// survive the restart.
func nodeFromPersistedState(state persistence.State) *Node {
	var updateID models.UpdateID

	_ = json.Unmarshal([]byte(state.ExpectedUpdateID), &updateID)

	node := newNode(&models.DeploymentPayload{
		Workflow: models.WorkflowRequest{
			Action: models.ActionProcessDeployment,
			ID:     state.WorkflowID,
		},
	}, &models.UpdateManifest{
		ManifestVersion:   MinManifestVersion,
		UpdateID:          updateID,
		UpdateType:        state.UpdateType,
		InstalledCriteria: state.InstalledCriteria,
	})
	node.SetStep(models.WorkflowStep(state.WorkflowStep))
	node.SetResult(models.Result{
		Code:         models.ResultCode(state.ResultCode),
		ExtendedCode: models.ExtendedResultCode(state.ExtendedResultCode),
	})
	node.SetWorkFolder(state.WorkFolder)

	return node
}
