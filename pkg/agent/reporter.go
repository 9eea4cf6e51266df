package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgekit/updagent/pkg/eventbus"
	"github.com/edgekit/updagent/pkg/events"
	"github.com/edgekit/updagent/pkg/models"
	"github.com/edgekit/updagent/pkg/persistence"
	"github.com/edgekit/updagent/pkg/workflow"
)

// BusReporter sends state reports to the orchestrator over the event bus and
// records terminal outcomes in the local deployment history.
type BusReporter struct {
	logger   *slog.Logger
	bus      eventbus.EventPublisher
	deviceID string
	history  persistence.HistoryStore

	now func() time.Time
}

var _ workflow.Reporter = (*BusReporter)(nil)

func NewBusReporter(logger *slog.Logger, bus eventbus.EventPublisher, deviceID string, history persistence.HistoryStore) *BusReporter {
	return &BusReporter{
		logger:   logger,
		bus:      bus,
		deviceID: deviceID,
		history:  history,
		now:      time.Now,
	}
}

// ReportStateAndResult publishes one report. The returned acknowledgement
// drives the engine's reporting-failure path, so a publish error maps to
// false rather than being swallowed.
func (r *BusReporter) ReportStateAndResult(ctx context.Context, report workflow.Report) bool {
	event := events.StateReported{
		BaseEvent: events.NewBaseEvent(events.StateReportedEvent, r.deviceID),
		Report:    report,
	}

	if err := r.bus.Publish(ctx, r.deviceID, event); err != nil {
		r.logger.Error("Failed to publish state report",
			"workflowId", report.Workflow.ID,
			"state", report.State.String(),
			"error", err)

		return false
	}

	r.recordTerminal(report)

	return true
}

// recordTerminal appends an Idle or Failed report to the deployment history.
// History is advisory; write errors never fail the report.
func (r *BusReporter) recordTerminal(report workflow.Report) {
	if r.history == nil || report.Workflow.ID == "" {
		return
	}

	if report.State != models.StateIdle && report.State != models.StateFailed {
		return
	}

	record := persistence.Record{
		WorkflowID:  report.Workflow.ID,
		UpdateID:    report.InstalledUpdateID,
		State:       int(report.State),
		CompletedAt: r.now().UTC(),
	}

	if report.LastInstallResult != nil {
		record.ResultCode = int32(report.LastInstallResult.ResultCode)
	}

	if reportJSON, err := workflow.MarshalReport(report); err == nil {
		record.ReportJSON = reportJSON
	}

	if err := r.history.Put(record); err != nil {
		r.logger.Warn("Failed to record deployment history",
			"workflowId", report.Workflow.ID,
			"error", err)
	}
}
