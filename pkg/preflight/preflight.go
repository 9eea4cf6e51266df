// Package preflight runs environment checks before a deployment starts
// downloading content.
package preflight

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/edgekit/updagent/pkg/log"
	"github.com/edgekit/updagent/pkg/models"
	"github.com/edgekit/updagent/pkg/workflow"
)

// extraHeadroomBytes is reserved on top of the declared payload size so the
// handler has room to unpack and stage files inside the sandbox.
const extraHeadroomBytes uint64 = 64 << 20

// DiskSpaceCheck verifies that the filesystem holding the deployment sandbox
// has enough free space for the manifest's declared payload.
type DiskSpaceCheck struct {
	logger   *slog.Logger
	headroom uint64

	// usage is swappable for tests.
	usage func(ctx context.Context, path string) (*disk.UsageStat, error)
}

var _ workflow.Preflight = (*DiskSpaceCheck)(nil)

func NewDiskSpaceCheck() *DiskSpaceCheck {
	return &DiskSpaceCheck{
		logger:   log.WithModule("preflight"),
		headroom: extraHeadroomBytes,
		usage:    disk.UsageWithContext,
	}
}

// Check sums the declared file sizes across the deployment tree and compares
// them against the free space where the work folder will live. Manifests that
// declare no sizes pass; the download step still enforces hashes.
func (c *DiskSpaceCheck) Check(ctx context.Context, node *workflow.Node) models.Result {
	required := requiredBytes(node)
	if required == 0 {
		return models.NewResult(models.ResultDownloadSuccess)
	}

	required += c.headroom

	stat, err := c.usage(ctx, nearestExistingDir(node.WorkFolder()))
	if err != nil {
		// Unreadable mount info is not grounds to reject a deployment.
		c.logger.Warn("skipping disk space check", "error", err)

		return models.NewResult(models.ResultDownloadSuccess)
	}

	if stat.Free < required {
		c.logger.Error("insufficient disk space for deployment",
			"workflowId", node.ID(),
			"requiredBytes", required,
			"freeBytes", stat.Free,
			"path", stat.Path)

		return models.NewFailure(models.ResultFailure, models.ERCInsufficientDiskSpace)
	}

	c.logger.Info("disk space check passed",
		"workflowId", node.ID(),
		"requiredBytes", required,
		"freeBytes", stat.Free)

	return models.NewResult(models.ResultDownloadSuccess)
}

// nearestExistingDir walks up from path until it finds a directory that
// exists, so the usage probe works before the sandbox is created.
func nearestExistingDir(path string) string {
	for path != "" && path != "/" {
		if _, err := os.Stat(path); err == nil {
			return path
		}

		path = filepath.Dir(path)
	}

	return "/"
}

func requiredBytes(node *workflow.Node) uint64 {
	var total uint64

	if m := node.Manifest(); m != nil {
		for _, f := range m.Files {
			if f.SizeInBytes > 0 {
				total += uint64(f.SizeInBytes)
			}
		}
	}

	for _, child := range node.Children() {
		total += requiredBytes(child)
	}

	return total
}
