package workflow

import (
	"github.com/edgekit/updagent/pkg/models"
)

// transition is one row of the step transition table: the operation to run for
// a step, the completion hook fired when its result arrives, and where a
// success takes the state machine next.
type transition struct {
	step      models.WorkflowStep
	operation func(d *Driver, mc *methodCall) models.Result
	complete  func(d *Driver, mc *methodCall, result models.Result)
	nextState models.UpdateState
	nextStep  models.WorkflowStep
}

// transitions encodes the pipeline: ProcessDeployment acknowledges receipt and
// leads into Download, then Install, then Apply. Apply's next step is
// Undefined, the terminal marker; its success state is handled specially
// (ApplyStarted collapses to Idle, there is no ApplySucceeded).
var transitions = []transition{
	{
		step:      models.StepProcessDeployment,
		operation: (*Driver).methodCallProcessDeployment,
		complete:  (*Driver).methodCallProcessDeploymentComplete,
		nextState: models.StateDeploymentInProgress,
		nextStep:  models.StepDownload,
	},
	{
		step:      models.StepDownload,
		operation: (*Driver).methodCallDownload,
		complete:  (*Driver).methodCallDownloadComplete,
		nextState: models.StateDownloadSucceeded,
		nextStep:  models.StepInstall,
	},
	{
		step:      models.StepInstall,
		operation: (*Driver).methodCallInstall,
		complete:  (*Driver).methodCallInstallComplete,
		nextState: models.StateInstallSucceeded,
		nextStep:  models.StepApply,
	},
	{
		step:      models.StepApply,
		operation: (*Driver).methodCallApply,
		complete:  (*Driver).methodCallApplyComplete,
		nextState: models.StateIdle,
		nextStep:  models.StepUndefined,
	},
}

// lookupTransition scans the table for the entry matching step. A miss is an
// internal-consistency error, never silently ignored.
func lookupTransition(step models.WorkflowStep) (*transition, error) {
	for i := range transitions {
		if transitions[i].step == step {
			return &transitions[i], nil
		}
	}

	return nil, ErrInvalidWorkflowStep
}

// isWorkflowComplete reports whether the table says there is nothing left to
// run after the given step.
func isWorkflowComplete(nextStep models.WorkflowStep) bool {
	return nextStep == models.StepUndefined
}
