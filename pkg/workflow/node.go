// Package workflow implements the deployment orchestration engine: the
// workflow tree model, the step transition table, the
// cancellation/replacement/retry controller and the asynchronous
// work-completion protocol that together drive a deployment from
// ProcessDeployment through Download, Install and Apply back to Idle.
package workflow

import (
	"errors"
	"path"

	"github.com/edgekit/updagent/pkg/models"
)

// DefaultSandboxRoot is where per-workflow work folders are created when no
// sandbox root has been configured on the tree.
const DefaultSandboxRoot = "/var/lib/updagent/downloads"

// ErrReplacementPending is returned when a replacement arrives while another
// replacement is already deferred on the node.
var ErrReplacementPending = errors.New("a deferred replacement workflow is already pending")

// Node is one unit of the workflow tree. The root node represents the
// deployment itself; children represent nested bundle/leaf updates that share
// the root's file URL tables.
//
// The action and manifest are immutable after parse; they are only ever
// swapped wholesale when a replacement or retry takes over the node. All other
// fields are orchestration state owned by the Driver and must only be touched
// under the Driver's lock once the node is current.
type Node struct {
	action   *models.DeploymentPayload
	manifest *models.UpdateManifest

	// Agent-derived state, distinct from the service-supplied action and
	// manifest.
	props       map[string]string
	forceUpdate bool

	rebootRequested            bool
	immediateRebootRequested   bool
	agentRestartRequested      bool
	immediateRestartRequested  bool
	selectedComponentsSnapshot string

	retryToken string

	state             models.UpdateState
	currentStep       models.WorkflowStep
	result            models.Result
	resultDetails     string
	installedUpdateID string

	operationInProgress      bool
	operationCancelRequested bool
	cancellationType         models.CancellationType
	deferredReplacement      *Node

	parent    *Node
	children  []*Node
	level     int
	stepIndex int

	results *resultStore
}

const (
	propWorkFolder  = "_workFolder"
	propSandboxRoot = "_sandboxRootPath"
	propID          = "_id"
)

func newNode(action *models.DeploymentPayload, manifest *models.UpdateManifest) *Node {
	n := &Node{
		action:      action,
		manifest:    manifest,
		props:       map[string]string{},
		currentStep: models.StepUndefined,
		state:       models.StateIdle,
	}
	if action != nil {
		n.retryToken = action.Workflow.RetryTimestamp
	}

	return n
}

// ID returns the workflow id, preferring an agent-assigned override.
func (n *Node) ID() string {
	if id, ok := n.props[propID]; ok && id != "" {
		return id
	}

	if n.action != nil {
		return n.action.Workflow.ID
	}

	return ""
}

func (n *Node) SetID(id string) {
	n.props[propID] = id
}

// EqualID reports whether two workflows are the same deployment. Workflow id
// equality is the sole identity.
func (n *Node) EqualID(other *Node) bool {
	return other != nil && n.ID() == other.ID()
}

func (n *Node) Action() models.UpdateAction {
	if n.action == nil {
		return models.ActionUndefined
	}

	return n.action.Workflow.Action
}

func (n *Node) Manifest() *models.UpdateManifest {
	return n.manifest
}

func (n *Node) RetryToken() string {
	return n.retryToken
}

func (n *Node) ForceUpdate() bool {
	return n.forceUpdate
}

func (n *Node) SetForceUpdate(force bool) {
	n.forceUpdate = force
}

func (n *Node) UpdateType() string {
	if n.manifest == nil {
		return ""
	}

	return n.manifest.UpdateType
}

func (n *Node) InstalledCriteria() string {
	if n.manifest == nil {
		return ""
	}

	return n.manifest.InstalledCriteria
}

// ExpectedUpdateID is the update id to report as installed once the
// deployment completes.
func (n *Node) ExpectedUpdateID() *models.UpdateID {
	if n.manifest == nil {
		return nil
	}

	id := n.manifest.UpdateID

	return &id
}

// InsertChild adds child at index i (appends when i is out of range) and fixes
// up the child's lineage metadata. The node owns its children; the child keeps
// only a back-reference for traversal.
func (n *Node) InsertChild(i int, child *Node) {
	child.parent = n
	child.level = n.level + 1

	if i < 0 || i >= len(n.children) {
		child.stepIndex = len(n.children)
		n.children = append(n.children, child)

		return
	}

	child.stepIndex = i
	n.children = append(n.children[:i], append([]*Node{child}, n.children[i:]...)...)

	for j := i + 1; j < len(n.children); j++ {
		n.children[j].stepIndex = j
	}
}

// RemoveChild detaches and returns the child at index i, or nil.
func (n *Node) RemoveChild(i int) *Node {
	if i < 0 || i >= len(n.children) {
		return nil
	}

	child := n.children[i]
	n.children = append(n.children[:i], n.children[i+1:]...)
	child.parent = nil

	for j := i; j < len(n.children); j++ {
		n.children[j].stepIndex = j
	}

	return child
}

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) Children() []*Node { return n.children }

func (n *Node) Level() int { return n.level }

func (n *Node) StepIndex() int { return n.stepIndex }

// Root walks up to the top of the tree.
func (n *Node) Root() *Node {
	r := n
	for r.parent != nil {
		r = r.parent
	}

	return r
}

// ResolveFileURL resolves a file id to its download URL by walking from this
// node up through its ancestors until a fileUrls table contains the id. The
// closest ancestor wins.
func (n *Node) ResolveFileURL(fileID string) (string, bool) {
	for h := n; h != nil; h = h.parent {
		if h.action == nil {
			continue
		}

		if uri, ok := h.action.FileURLs[fileID]; ok && uri != "" {
			return uri, true
		}
	}

	return "", false
}

// WorkFolder computes the per-workflow scratch directory: the explicit
// override if set, otherwise <ancestor workfolder or sandbox root>/<id>.
func (n *Node) WorkFolder() string {
	if wf, ok := n.props[propWorkFolder]; ok && wf != "" {
		return wf
	}

	if n.parent != nil {
		return path.Join(n.parent.WorkFolder(), n.ID())
	}

	root := n.props[propSandboxRoot]
	if root == "" {
		root = DefaultSandboxRoot
	}

	return path.Join(root, n.ID())
}

func (n *Node) SetWorkFolder(folder string) {
	n.props[propWorkFolder] = folder
}

// SetSandboxRoot sets the sandbox root path on the tree's root node.
func (n *Node) SetSandboxRoot(root string) {
	n.Root().props[propSandboxRoot] = root
}

func (n *Node) State() models.UpdateState { return n.state }

func (n *Node) SetState(s models.UpdateState) { n.state = s }

func (n *Node) Step() models.WorkflowStep { return n.currentStep }

func (n *Node) SetStep(s models.WorkflowStep) { n.currentStep = s }

func (n *Node) Result() models.Result { return n.result }

func (n *Node) SetResult(r models.Result) { n.result = r }

func (n *Node) ResultDetails() string { return n.resultDetails }

func (n *Node) SetResultDetails(details string) { n.resultDetails = details }

func (n *Node) InstalledUpdateID() string { return n.installedUpdateID }

func (n *Node) SetInstalledUpdateID(id string) { n.installedUpdateID = id }

func (n *Node) OperationInProgress() bool { return n.operationInProgress }

func (n *Node) SetOperationInProgress(inProgress bool) { n.operationInProgress = inProgress }

func (n *Node) CancelRequested() bool { return n.operationCancelRequested }

func (n *Node) SetCancelRequested(requested bool) { n.operationCancelRequested = requested }

// ClearInProgressAndCancelRequested marks the operation complete.
func (n *Node) ClearInProgressAndCancelRequested() {
	n.operationInProgress = false
	n.operationCancelRequested = false
}

func (n *Node) CancellationType() models.CancellationType { return n.cancellationType }

func (n *Node) SetCancellationType(t models.CancellationType) { n.cancellationType = t }

func (n *Node) DeferredReplacement() *Node { return n.deferredReplacement }

func (n *Node) RequestReboot(immediate bool) {
	n.rebootRequested = true
	n.immediateRebootRequested = n.immediateRebootRequested || immediate
}

func (n *Node) RebootRequested() bool { return n.rebootRequested }

func (n *Node) RequestAgentRestart(immediate bool) {
	n.agentRestartRequested = true
	n.immediateRestartRequested = n.immediateRestartRequested || immediate
}

func (n *Node) AgentRestartRequested() bool { return n.agentRestartRequested }

// UpdateRetryDeployment marks the node for a retry restart: the cancellation
// type becomes Retry and the retry token is swapped atomically with it.
// Caller holds the driver lock.
func (n *Node) UpdateRetryDeployment(newToken string) {
	n.cancellationType = models.CancellationRetry
	n.retryToken = newToken
}

// UpdateReplacementDeployment decides how a replacement workflow takes over.
// If an operation is in progress the replacement is deferred on this node
// (ownership transfers here) and the cancellation type becomes Replacement;
// the work-completion protocol performs the takeover later. Otherwise the
// replacement's payload is transferred into this node immediately.
// Caller holds the driver lock.
func (n *Node) UpdateReplacementDeployment(next *Node) (deferred bool, err error) {
	if n.operationInProgress {
		if n.deferredReplacement != nil {
			return false, ErrReplacementPending
		}

		n.deferredReplacement = next
		n.cancellationType = models.CancellationReplacement

		return true, nil
	}

	n.transferFrom(next)

	return false, nil
}

// UpdateForReplacement resets the node to run ProcessDeployment with the
// deferred replacement's payload. Ownership of the deferred workflow's data
// moves into this node; the old payload is dropped.
func (n *Node) UpdateForReplacement() {
	next := n.deferredReplacement
	n.deferredReplacement = nil

	if next != nil {
		n.transferFrom(next)
	}

	n.resetForProcessDeployment()
}

// UpdateForRetry resets the node to rerun ProcessDeployment with its current
// payload. The retry token was already updated by UpdateRetryDeployment.
func (n *Node) UpdateForRetry() {
	n.resetForProcessDeployment()
}

func (n *Node) transferFrom(next *Node) {
	n.action = next.action
	n.manifest = next.manifest
	n.retryToken = next.retryToken
	n.forceUpdate = next.forceUpdate
	n.children = next.children

	for _, c := range n.children {
		c.parent = n
	}

	next.action = nil
	next.manifest = nil
	next.children = nil
}

func (n *Node) resetForProcessDeployment() {
	n.operationInProgress = false
	n.operationCancelRequested = false
	n.cancellationType = models.CancellationNone
	n.currentStep = models.StepProcessDeployment
	n.result = models.Result{}
	n.resultDetails = ""
	n.rebootRequested = false
	n.immediateRebootRequested = false
	n.agentRestartRequested = false
	n.immediateRestartRequested = false
	n.results = nil
}
