package agent

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"

	"github.com/edgekit/updagent/pkg/workflow"
)

// SandboxSweeper removes work folders left behind by completed or abandoned
// deployments. The folder of the active deployment, and of a deployment
// waiting to resume after a reboot, is never touched.
// statusSource is the slice of the workflow driver the sweeper needs.
type statusSource interface {
	Status() workflow.Status
}

type SandboxSweeper struct {
	logger      *slog.Logger
	sandboxRoot string
	driver      statusSource
	cron        *cron.Cron
}

func NewSandboxSweeper(logger *slog.Logger, sandboxRoot string, driver statusSource) *SandboxSweeper {
	return &SandboxSweeper{
		logger:      logger,
		sandboxRoot: sandboxRoot,
		driver:      driver,
	}
}

// Schedule registers the sweep under a standard cron expression and starts
// the scheduler.
func (s *SandboxSweeper) Schedule(cronExpr string) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return err
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(cronExpr, s.Sweep); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Sandbox sweep scheduled", "cron", cronExpr, "root", s.sandboxRoot)

	return nil
}

func (s *SandboxSweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Sweep deletes every entry under the sandbox root that does not belong to a
// live workflow. Work folders are named after the root workflow id.
func (s *SandboxSweeper) Sweep() {
	entries, err := os.ReadDir(s.sandboxRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read sandbox root", "error", err)
		}

		return
	}

	keep := s.liveWorkflowIDs()

	for _, entry := range entries {
		if keep[entry.Name()] {
			continue
		}

		path := filepath.Join(s.sandboxRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("Failed to remove orphaned work folder", "path", path, "error", err)

			continue
		}

		s.logger.Info("Removed orphaned work folder", "path", path)
	}
}

func (s *SandboxSweeper) liveWorkflowIDs() map[string]bool {
	keep := map[string]bool{}

	if s.driver == nil {
		return keep
	}

	status := s.driver.Status()
	if status.WorkflowID != "" {
		keep[status.WorkflowID] = true
	}

	if status.ResumePendingID != "" {
		keep[status.ResumePendingID] = true
	}

	return keep
}
