package agent

import (
	"context"
	"log/slog"
	"os"
	"os/exec"

	"github.com/edgekit/updagent/pkg/workflow"
)

// RestartExitCode is the process exit code that tells the service manager to
// restart the agent rather than treat the exit as a crash.
const RestartExitCode = 77

// SystemRebootManager reboots through the init system and restarts the agent
// by exiting with RestartExitCode.
type SystemRebootManager struct {
	logger *slog.Logger

	// rebootCommand defaults to shutdown; swappable for tests.
	rebootCommand func(ctx context.Context) error
	exit          func(code int)
}

var _ workflow.RebootManager = (*SystemRebootManager)(nil)

func NewSystemRebootManager(logger *slog.Logger) *SystemRebootManager {
	return &SystemRebootManager{
		logger: logger,
		rebootCommand: func(ctx context.Context) error {
			return exec.CommandContext(ctx, "/sbin/shutdown", "-r", "now", "updagent: deployment requires reboot").Run()
		},
		exit: os.Exit,
	}
}

func (m *SystemRebootManager) RebootSystem(ctx context.Context) error {
	m.logger.Warn("Initiating system reboot")

	return m.rebootCommand(ctx)
}

func (m *SystemRebootManager) RestartAgent(_ context.Context) error {
	m.logger.Warn("Restarting agent process", "exitCode", RestartExitCode)
	m.exit(RestartExitCode)

	return nil
}
