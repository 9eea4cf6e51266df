package workflow

import (
	"encoding/json"

	"github.com/edgekit/updagent/pkg/models"
)

// StepReport is the reported outcome of one workflow step (or one child
// update of a bundle).
type StepReport struct {
	ResultCode         models.ResultCode         `json:"resultCode"`
	ExtendedResultCode models.ExtendedResultCode `json:"extendedResultCode"`
	ResultDetails      string                    `json:"resultDetails,omitempty"`
}

// InstallResult is the aggregate result section of a state report.
type InstallResult struct {
	ResultCode         models.ResultCode         `json:"resultCode"`
	ExtendedResultCode models.ExtendedResultCode `json:"extendedResultCode"`
	ResultDetails      string                    `json:"resultDetails,omitempty"`
	StepResults        map[string]StepReport     `json:"stepResults,omitempty"`
}

// ReportWorkflow echoes the deployment identity back to the orchestrator.
type ReportWorkflow struct {
	Action models.UpdateAction `json:"action"`
	ID     string              `json:"id"`
}

// Report is the hierarchical status document sent to the orchestrator and
// snapshotted into the persisted resume state.
type Report struct {
	State             models.UpdateState `json:"state"`
	Workflow          ReportWorkflow     `json:"workflow"`
	InstalledUpdateID string             `json:"installedUpdateId,omitempty"`
	LastInstallResult *InstallResult     `json:"lastInstallResult,omitempty"`
}

// resultStore accumulates per-child step results on the root node so the
// report can render the full hierarchy even after children complete.
type resultStore struct {
	steps map[string]StepReport
	order []string
}

func (s *resultStore) record(id string, r models.Result, details string) {
	if s.steps == nil {
		s.steps = map[string]StepReport{}
	}

	if _, seen := s.steps[id]; !seen {
		s.order = append(s.order, id)
	}

	s.steps[id] = StepReport{
		ResultCode:         r.Code,
		ExtendedResultCode: r.ExtendedCode,
		ResultDetails:      details,
	}
}

// RecordStepResult stores the node's current result on the tree root, keyed by
// the node's workflow id.
func (n *Node) RecordStepResult() {
	root := n.Root()
	if root.results == nil {
		root.results = &resultStore{}
	}

	root.results.record(n.ID(), n.result, n.resultDetails)
}

// BuildReport renders the status document for the node's tree in its current
// state. installedUpdateID may be empty except on the terminal Idle report of
// a successful deployment.
func BuildReport(n *Node, state models.UpdateState, result *models.Result, installedUpdateID string) Report {
	root := n.Root()

	report := Report{
		State: state,
		Workflow: ReportWorkflow{
			Action: root.Action(),
			ID:     root.ID(),
		},
		InstalledUpdateID: installedUpdateID,
	}

	if result != nil {
		install := &InstallResult{
			ResultCode:         result.Code,
			ExtendedResultCode: result.ExtendedCode,
			ResultDetails:      root.ResultDetails(),
		}

		if root.results != nil && len(root.results.steps) > 0 {
			install.StepResults = make(map[string]StepReport, len(root.results.steps))
			for id, sr := range root.results.steps {
				install.StepResults[id] = sr
			}
		}

		report.LastInstallResult = install
	}

	return report
}

// MarshalReport renders the report as the JSON snapshot persisted across
// restarts. Marshalling a Report cannot fail; the error return is kept for
// symmetry with the decode path.
func MarshalReport(r Report) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
