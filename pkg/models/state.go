package models

// UpdateState is the lifecycle state reported to the orchestrator. The wire
// values follow the device update protocol and must not be renumbered.
type UpdateState int

const (
	StateIdle                 UpdateState = 0
	StateDownloadStarted      UpdateState = 1
	StateDownloadSucceeded    UpdateState = 2
	StateInstallStarted       UpdateState = 3
	StateInstallSucceeded     UpdateState = 4
	StateApplyStarted         UpdateState = 5
	StateDeploymentInProgress UpdateState = 6
	StateFailed               UpdateState = 255
)

func (s UpdateState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDownloadStarted:
		return "DownloadStarted"
	case StateDownloadSucceeded:
		return "DownloadSucceeded"
	case StateInstallStarted:
		return "InstallStarted"
	case StateInstallSucceeded:
		return "InstallSucceeded"
	case StateApplyStarted:
		return "ApplyStarted"
	case StateDeploymentInProgress:
		return "DeploymentInProgress"
	case StateFailed:
		return "Failed"
	}

	return "<Unknown>"
}

// RestartState tracks progress of a reboot or agent restart requested by a
// capability result.
type RestartState int

const (
	RestartNone       RestartState = 0
	RestartRequired   RestartState = 1
	RestartInProgress RestartState = 2
)

func (s RestartState) String() string {
	switch s {
	case RestartNone:
		return "None"
	case RestartRequired:
		return "Required"
	case RestartInProgress:
		return "InProgress"
	}

	return "<Unknown>"
}
