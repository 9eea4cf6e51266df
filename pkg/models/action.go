package models

// UpdateAction is the action requested by the cloud orchestrator. The wire
// values follow the device update protocol.
type UpdateAction int

const (
	ActionUndefined         UpdateAction = -1
	ActionProcessDeployment UpdateAction = 3
	ActionCancel            UpdateAction = 255
)

func (a UpdateAction) String() string {
	switch a {
	case ActionProcessDeployment:
		return "ProcessDeployment"
	case ActionCancel:
		return "Cancel"
	case ActionUndefined:
		return "Undefined"
	}

	return "<Unknown>"
}

// WorkflowRequest is the "workflow" section of an inbound deployment payload.
type WorkflowRequest struct {
	Action         UpdateAction `json:"action"`
	ID             string       `json:"id"     validate:"required"`
	RetryTimestamp string       `json:"retryTimestamp,omitempty"`
}

// DeploymentPayload is the deployment description received from the
// orchestrator. The update manifest arrives string-encoded and is decoded
// separately so the raw form stays available for signature checks.
type DeploymentPayload struct {
	Workflow                WorkflowRequest   `json:"workflow"        validate:"required"`
	UpdateManifest          string            `json:"updateManifest"`
	UpdateManifestSignature string            `json:"updateManifestSignature,omitempty"`
	FileURLs                map[string]string `json:"fileUrls,omitempty"`
}
