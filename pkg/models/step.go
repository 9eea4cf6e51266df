package models

// WorkflowStep is a phase of deployment execution. StepUndefined marks the end
// of the pipeline.
type WorkflowStep int

const (
	StepUndefined         WorkflowStep = 0
	StepProcessDeployment WorkflowStep = 1
	StepDownload          WorkflowStep = 2
	StepInstall           WorkflowStep = 3
	StepApply             WorkflowStep = 4
)

func (s WorkflowStep) String() string {
	switch s {
	case StepUndefined:
		return "Undefined"
	case StepProcessDeployment:
		return "ProcessDeployment"
	case StepDownload:
		return "Download"
	case StepInstall:
		return "Install"
	case StepApply:
		return "Apply"
	}

	return "<Unknown>"
}

// CancellationType records why cancellation of the in-flight operation was
// requested.
type CancellationType int

const (
	CancellationNone             CancellationType = 0
	CancellationNormal           CancellationType = 1
	CancellationReplacement      CancellationType = 2
	CancellationRetry            CancellationType = 3
	CancellationComponentChanged CancellationType = 4
)

func (c CancellationType) String() string {
	switch c {
	case CancellationNone:
		return "None"
	case CancellationNormal:
		return "Normal"
	case CancellationReplacement:
		return "Replacement"
	case CancellationRetry:
		return "Retry"
	case CancellationComponentChanged:
		return "ComponentChanged"
	}

	return "<Unknown>"
}
