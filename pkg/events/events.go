// Package events defines the event types exchanged between the update agent
// and the orchestration side of the event bus.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/edgekit/updagent/pkg/workflow"
)

type EventType string

// Bus topics.
const (
	// DeploymentTopic carries inbound deployment documents, keyed by device id.
	DeploymentTopic = "updagent.deployments"

	// ReportTopic carries outbound state reports.
	ReportTopic = "updagent.reports"
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// DeploymentRequestedEvent delivers a deployment (or cancel) document to
	// the agent.
	DeploymentRequestedEvent EventType = "deployment.requested"

	// StateReportedEvent publishes the agent's state report.
	StateReportedEvent EventType = "report.state"
)

// TopicFor routes an event type to its bus topic.
func TopicFor(eventType EventType) string {
	if eventType == StateReportedEvent {
		return ReportTopic
	}

	return DeploymentTopic
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"device_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, deviceID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
	}
}

// DeploymentRequested wraps the raw deployment document from the
// orchestrator. The payload stays opaque here; the workflow engine owns its
// parsing and validation.
type DeploymentRequested struct {
	BaseEvent

	Payload     json.RawMessage `json:"payload"`
	ForceUpdate bool            `json:"force_update,omitempty"`
}

func (e DeploymentRequested) GetType() EventType {
	return DeploymentRequestedEvent
}

// StateReported carries one state report emitted by the workflow engine.
type StateReported struct {
	BaseEvent

	Report workflow.Report `json:"report"`
}

func (e StateReported) GetType() EventType {
	return StateReportedEvent
}
