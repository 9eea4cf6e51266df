// Package simulator implements the simulator/v1 content handler: scripted
// results with optional asynchronous completion, used by tests and the deploy
// tool's demo loop.
package simulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgekit/updagent/pkg/log"
	"github.com/edgekit/updagent/pkg/models"
	"github.com/edgekit/updagent/pkg/workflow"
)

// Config scripts the handler's behavior. Zero values simulate a fully
// successful synchronous deployment.
type Config struct {
	DownloadResult models.Result
	InstallResult  models.Result
	ApplyResult    models.Result
	Installed      bool

	// Async makes Download/Install/Apply return their in-progress sentinel
	// and deliver the final result through the completer after Latency.
	Async   bool
	Latency time.Duration
}

// Handler simulates a content handler without touching the system.
type Handler struct {
	logger *slog.Logger

	mu      sync.Mutex
	cfg     Config
	pending chan struct{}
}

func New(cfg Config) *Handler {
	if cfg.DownloadResult.Code == 0 && cfg.DownloadResult.ExtendedCode == 0 {
		cfg.DownloadResult = models.NewResult(models.ResultDownloadSuccess)
	}

	if cfg.InstallResult.Code == 0 && cfg.InstallResult.ExtendedCode == 0 {
		cfg.InstallResult = models.NewResult(models.ResultInstallSuccess)
	}

	if cfg.ApplyResult.Code == 0 && cfg.ApplyResult.ExtendedCode == 0 {
		cfg.ApplyResult = models.NewResult(models.ResultApplySuccess)
	}

	return &Handler{
		logger: log.WithModule("handlers.simulator"),
		cfg:    cfg,
	}
}

func (h *Handler) Download(_ context.Context, node *workflow.Node, completer workflow.Completer) models.Result {
	return h.simulate(node, "download", h.config().DownloadResult,
		models.ResultDownloadInProgress, completer)
}

func (h *Handler) Install(_ context.Context, node *workflow.Node, completer workflow.Completer) models.Result {
	return h.simulate(node, "install", h.config().InstallResult,
		models.ResultInstallInProgress, completer)
}

func (h *Handler) Apply(_ context.Context, node *workflow.Node, completer workflow.Completer) models.Result {
	return h.simulate(node, "apply", h.config().ApplyResult,
		models.ResultApplyInProgress, completer)
}

func (h *Handler) Cancel(_ context.Context, node *workflow.Node) models.Result {
	h.logger.Info("Simulating cancel", "workflowId", node.ID())

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pending == nil {
		return models.NewResult(models.ResultCancelUnableToCancel)
	}

	close(h.pending)
	h.pending = nil

	return models.NewResult(models.ResultCancelSuccess)
}

func (h *Handler) IsInstalled(_ context.Context, node *workflow.Node) models.Result {
	if h.config().Installed {
		h.logger.Info("Simulating already installed", "workflowId", node.ID())

		return models.NewResult(models.ResultIsInstalledInstalled)
	}

	return models.NewResult(models.ResultIsInstalledNotInstalled)
}

func (h *Handler) simulate(node *workflow.Node, phase string, final models.Result, inProgress models.ResultCode, completer workflow.Completer) models.Result {
	cfg := h.config()

	h.logger.Info("Simulating "+phase, "workflowId", node.ID(),
		"resultCode", final.Code, "async", cfg.Async)

	if !cfg.Async {
		return final
	}

	cancelled := make(chan struct{})

	h.mu.Lock()
	h.pending = cancelled
	h.mu.Unlock()

	go func() {
		timer := time.NewTimer(cfg.Latency)
		defer timer.Stop()

		select {
		case <-timer.C:
			h.mu.Lock()
			if h.pending == cancelled {
				h.pending = nil
			}
			h.mu.Unlock()

			completer.Done(final)
		case <-cancelled:
			completer.Done(models.NewResult(models.ResultFailureCancelled))
		}
	}()

	return models.NewResult(inProgress)
}

func (h *Handler) config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cfg
}
