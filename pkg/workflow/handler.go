package workflow

import (
	"context"

	"github.com/edgekit/updagent/pkg/models"
)

// Completer is handed to a content handler with each pipeline call. A handler
// that starts background work returns an in-progress result from the call and
// later delivers the final result through Done, exactly once, possibly from
// another goroutine. Handlers that finish synchronously never call Done.
type Completer interface {
	Done(result models.Result)
}

// ContentHandler is the capability interface a content handler implements for
// one update type. Download, Install and Apply may complete asynchronously
// through the completer; Cancel and IsInstalled are always synchronous.
//
// Cancellation is cooperative: the handler must honor a Cancel call or poll
// the node's cancel-requested flag and then finish its in-flight call with a
// cancelled (negative) result.
type ContentHandler interface {
	Download(ctx context.Context, node *Node, completer Completer) models.Result
	Install(ctx context.Context, node *Node, completer Completer) models.Result
	Apply(ctx context.Context, node *Node, completer Completer) models.Result
	Cancel(ctx context.Context, node *Node) models.Result
	IsInstalled(ctx context.Context, node *Node) models.Result
}

// HandlerResolver loads the content handler for an update type.
type HandlerResolver interface {
	Resolve(updateType string) (ContentHandler, error)
}

// Reporter relays a state report to the orchestrator. A false return means
// the report was not acknowledged; the driver degrades the local state to
// Failed in that case.
type Reporter interface {
	ReportStateAndResult(ctx context.Context, report Report) bool
}

// RebootManager initiates the system reboot or agent restart a capability
// result demanded. Both calls return once the request is accepted; the
// process going away is observed at next startup via the persisted state.
type RebootManager interface {
	RebootSystem(ctx context.Context) error
	RestartAgent(ctx context.Context) error
}

// Preflight runs environment checks before the Download step. A failed check
// fails the deployment with the returned result.
type Preflight interface {
	Check(ctx context.Context, node *Node) models.Result
}
