// Package persistence defines the resume-state codec the agent uses to
// survive reboots and agent restarts, plus the deployment history store.
package persistence

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the single JSON document persisted across a reboot or agent
// restart. Every string field is required on decode; a document missing any
// of them is rejected as "no persisted state".
type State struct {
	WorkflowStep       int    `json:"WorkflowStep"`
	ResultCode         int32  `json:"ResultCode"`
	ExtendedResultCode int32  `json:"ExtendedResultCode"`
	SystemRebootState  int    `json:"SystemRebootState"`
	AgentRestartState  int    `json:"AgentRestartState"`
	ExpectedUpdateID   string `json:"ExpectedUpdateID"`
	WorkflowID         string `json:"WorkflowId"`
	UpdateType         string `json:"UpdateType"`
	InstalledCriteria  string `json:"InstalledCriteria"`
	WorkFolder         string `json:"WorkFolder"`
	ReportingJSON      string `json:"ReportingJson"`
}

// Encode renders the state as its on-disk JSON form.
func Encode(state State) ([]byte, error) {
	if err := checkRequired(state); err != nil {
		return nil, err
	}

	return json.MarshalIndent(state, "", "  ")
}

// Decode parses an on-disk document. Any malformed or incomplete document
// decodes to ErrNoState so callers treat it exactly like an absent file.
func Decode(data []byte) (State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, &StateError{Op: "Decode", Err: ErrNoState, Message: err.Error()}
	}

	for _, field := range requiredStringFields {
		msg, ok := raw[field]
		if !ok {
			return State{}, &StateError{
				Op:      "Decode",
				Err:     ErrNoState,
				Message: fmt.Sprintf("missing required field %s", field),
			}
		}

		var s string
		if err := json.Unmarshal(msg, &s); err != nil || s == "" {
			return State{}, &StateError{
				Op:      "Decode",
				Err:     ErrNoState,
				Message: fmt.Sprintf("required field %s is empty or not a string", field),
			}
		}
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, &StateError{Op: "Decode", Err: ErrNoState, Message: err.Error()}
	}

	return state, nil
}

var requiredStringFields = []string{
	"ExpectedUpdateID",
	"WorkflowId",
	"UpdateType",
	"InstalledCriteria",
	"WorkFolder",
	"ReportingJson",
}

func checkRequired(state State) error {
	for field, value := range map[string]string{
		"ExpectedUpdateID":  state.ExpectedUpdateID,
		"WorkflowId":        state.WorkflowID,
		"UpdateType":        state.UpdateType,
		"InstalledCriteria": state.InstalledCriteria,
		"WorkFolder":        state.WorkFolder,
		"ReportingJson":     state.ReportingJSON,
	} {
		if value == "" {
			return &StateError{
				Op:      "Encode",
				Err:     ErrIncompleteState,
				Message: fmt.Sprintf("required field %s is empty", field),
			}
		}
	}

	return nil
}

// StateStore persists and recovers the resume state. Load returns ErrNoState
// when no usable document exists; Delete on an absent document is a no-op.
type StateStore interface {
	Save(state State) error
	Load() (State, error)
	Delete() error
}

// Record is one completed (or failed) deployment kept in the history store.
type Record struct {
	WorkflowID  string    `json:"workflowId"`
	UpdateID    string    `json:"updateId,omitempty"`
	State       int       `json:"state"`
	ResultCode  int32     `json:"resultCode"`
	CompletedAt time.Time `json:"completedAt"`
	ReportJSON  string    `json:"reportJson,omitempty"`
}

// HistoryStore keeps per-workflow deployment outcome records for the local
// status API.
type HistoryStore interface {
	Put(record Record) error
	Get(workflowID string) (Record, error)
	List() ([]Record, error)
}
