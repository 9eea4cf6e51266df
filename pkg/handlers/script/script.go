// Package script implements the script/v1 content handler: payload files are
// downloaded into the workflow's work folder, hashes verified, and the
// manifest-designated script executed for install and apply.
package script

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/edgekit/updagent/pkg/log"
	"github.com/edgekit/updagent/pkg/models"
	"github.com/edgekit/updagent/pkg/workflow"
)

const downloadTimeout = 10 * time.Minute

// Handler is the script/v1 content handler. All pipeline calls complete
// synchronously; cancellation kills the in-flight script or download through
// the call's context.
type Handler struct {
	logger     *slog.Logger
	client     *http.Client
	markerPath string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a script handler. markerPath is the file recording the
// installed-criteria values of successfully applied deployments.
func New(markerPath string) *Handler {
	return &Handler{
		logger:     log.WithModule("handlers.script"),
		client:     &http.Client{Timeout: downloadTimeout},
		markerPath: markerPath,
	}
}

func (h *Handler) Download(ctx context.Context, node *workflow.Node, _ workflow.Completer) models.Result {
	ctx, done := h.arm(ctx)
	defer done()

	manifest := node.Manifest()
	if manifest == nil {
		return models.NewFailure(models.ResultFailure, models.ERCBadPayload)
	}

	workFolder := node.WorkFolder()
	if err := os.MkdirAll(workFolder, 0o755); err != nil {
		h.logger.Error("Cannot create work folder", "workFolder", workFolder, "error", err)

		return models.NewFailure(models.ResultFailure,
			models.MakeExtendedResultCode(models.FacilityErrno, 13))
	}

	for fileID, entity := range manifest.Files {
		uri, ok := node.ResolveFileURL(fileID)
		if !ok {
			h.logger.Error("No download URL for file", "fileId", fileID)

			return models.NewFailure(models.ResultFailure, models.ERCBadPayload)
		}

		dest := filepath.Join(workFolder, entity.FileName)

		if verifyHash(dest, entity.Hashes["sha256"]) == nil {
			h.logger.Info("File already present with valid hash, skipping",
				"fileId", fileID, "file", entity.FileName)

			continue
		}

		if result := h.fetch(ctx, uri, dest, entity); result.Failed() {
			return result
		}
	}

	return models.NewResult(models.ResultDownloadSuccess)
}

func (h *Handler) fetch(ctx context.Context, uri, dest string, entity models.FileEntity) models.Result {
	h.logger.Info("Downloading payload file", "url", uri, "destination", dest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return models.NewFailure(models.ResultFailure,
			models.MakeExtendedResultCode(models.FacilityDeliveryOptimization, 1))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return models.NewResult(models.ResultFailureCancelled)
		}

		h.logger.Error("Download request failed", "url", uri, "error", err)

		return models.NewFailure(models.ResultFailure,
			models.MakeExtendedResultCode(models.FacilityDeliveryOptimization, 2))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.logger.Error("Download rejected", "url", uri, "status", resp.StatusCode)

		return models.NewFailure(models.ResultFailure,
			models.MakeExtendedResultCode(models.FacilityDeliveryOptimization,
				int32(resp.StatusCode)))
	}

	out, err := os.Create(dest)
	if err != nil {
		return models.NewFailure(models.ResultFailure,
			models.MakeExtendedResultCode(models.FacilityErrno, 13))
	}

	_, err = io.Copy(out, resp.Body)
	closeErr := out.Close()

	if err != nil || closeErr != nil {
		os.Remove(dest)

		return models.NewFailure(models.ResultFailure,
			models.MakeExtendedResultCode(models.FacilityDeliveryOptimization, 3))
	}

	if expected := entity.Hashes["sha256"]; expected != "" {
		if err := verifyHash(dest, expected); err != nil {
			h.logger.Error("Hash mismatch", "file", dest, "error", err)
			os.Remove(dest)

			return models.NewFailure(models.ResultFailure, models.ERCInvalidFileHash)
		}
	}

	return models.NewResult(models.ResultDownloadSuccess)
}

func (h *Handler) Install(ctx context.Context, node *workflow.Node, _ workflow.Completer) models.Result {
	result := h.runScript(ctx, node, "install")
	if result.Failed() {
		return result
	}

	return models.NewResult(models.ResultInstallSuccess)
}

func (h *Handler) Apply(ctx context.Context, node *workflow.Node, _ workflow.Completer) models.Result {
	if result := h.runScript(ctx, node, "apply"); result.Failed() {
		return result
	}

	if err := h.recordInstalled(node.InstalledCriteria()); err != nil {
		h.logger.Error("Cannot record installed criteria", "error", err)

		return models.NewFailure(models.ResultFailure,
			models.MakeExtendedResultCode(models.FacilityErrno, 5))
	}

	return models.NewResult(models.ResultApplySuccess)
}

// runScript executes the manifest-designated script with the phase as its
// first argument, from inside the work folder.
func (h *Handler) runScript(ctx context.Context, node *workflow.Node, phase string) models.Result {
	ctx, done := h.arm(ctx)
	defer done()

	scriptFile, args, err := scriptFor(node)
	if err != nil {
		h.logger.Error("No runnable script in manifest", "workflowId", node.ID(), "error", err)

		return models.NewFailure(models.ResultFailure, models.ERCBadPayload)
	}

	scriptPath := filepath.Join(node.WorkFolder(), scriptFile)

	cmdArgs := append([]string{scriptPath, phase}, args...)
	cmd := exec.CommandContext(ctx, "/bin/sh", cmdArgs...)
	cmd.Dir = node.WorkFolder()

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return models.NewResult(models.ResultFailureCancelled)
		}

		h.logger.Error("Script failed", "script", scriptPath, "phase", phase,
			"error", err, "output", strings.TrimSpace(string(output)))

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return models.NewFailure(models.ResultFailure,
				models.MakeExtendedResultCode(models.FacilityErrno,
					int32(exitErr.ExitCode())))
		}

		return models.NewFailure(models.ResultFailure,
			models.MakeExtendedResultCode(models.FacilityErrno, 2))
	}

	return models.NewResult(models.ResultSuccess)
}

func (h *Handler) Cancel(_ context.Context, node *workflow.Node) models.Result {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel == nil {
		return models.NewResult(models.ResultCancelUnableToCancel)
	}

	h.logger.Info("Cancelling in-flight operation", "workflowId", node.ID())
	cancel()

	return models.NewResult(models.ResultCancelSuccess)
}

func (h *Handler) IsInstalled(_ context.Context, node *workflow.Node) models.Result {
	criteria := node.InstalledCriteria()
	if criteria == "" {
		return models.NewResult(models.ResultIsInstalledNotInstalled)
	}

	f, err := os.Open(h.markerPath)
	if err != nil {
		return models.NewResult(models.ResultIsInstalledNotInstalled)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == criteria {
			return models.NewResult(models.ResultIsInstalledInstalled)
		}
	}

	return models.NewResult(models.ResultIsInstalledNotInstalled)
}

// arm wires the call's context to the handler's Cancel entry point.
func (h *Handler) arm(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	return ctx, func() {
		h.mu.Lock()
		h.cancel = nil
		h.mu.Unlock()
		cancel()
	}
}

func (h *Handler) recordInstalled(criteria string) error {
	if criteria == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(h.markerPath), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(h.markerPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintln(f, criteria)

	return err
}

// scriptFor picks the script to run: the first .sh file in the manifest, with
// its arguments split on whitespace.
func scriptFor(node *workflow.Node) (string, []string, error) {
	manifest := node.Manifest()
	if manifest == nil {
		return "", nil, errors.New("no manifest")
	}

	for _, entity := range manifest.Files {
		if strings.HasSuffix(entity.FileName, ".sh") {
			var args []string
			if entity.Arguments != "" {
				args = strings.Fields(entity.Arguments)
			}

			return entity.FileName, args, nil
		}
	}

	return "", nil, errors.New("manifest has no .sh file")
}

// verifyHash checks a file against a base64-encoded sha256 digest.
func verifyHash(path, expected string) error {
	if expected == "" {
		return errors.New("no expected hash")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return err
	}

	actual := base64.StdEncoding.EncodeToString(hasher.Sum(nil))
	if actual != expected {
		return fmt.Errorf("sha256 mismatch: have %s, want %s", actual, expected)
	}

	return nil
}
