package main

import (
	"context"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"

	"github.com/edgekit/updagent/pkg/agent"
	"github.com/edgekit/updagent/pkg/cmd"
	"github.com/edgekit/updagent/pkg/config"
	"github.com/edgekit/updagent/pkg/log"
	"github.com/edgekit/updagent/pkg/otelhelper"
	"github.com/edgekit/updagent/pkg/persistence/diskv"
	"github.com/edgekit/updagent/pkg/persistence/file"
	"github.com/edgekit/updagent/pkg/preflight"
	"github.com/edgekit/updagent/pkg/web"
	"github.com/edgekit/updagent/pkg/workflow"
)

func run(ctx context.Context, cfg config.Config) error {
	logger := log.WithModule("updagent").With("deviceId", cfg.DeviceID)
	logger.InfoContext(ctx, "Initializing update agent")

	var tracer trace.Tracer

	if cfg.Tracing.Enabled {
		t, shutdown, err := otelhelper.NewTracer(ctx, "updagent", cfg.DeviceID, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}

		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("Failed to shut down tracer", "error", err)
			}
		}()

		tracer = t
	}

	bus, err := cmd.NewEventBus(cfg.EventBus, cfg.KafkaBrokers, cfg.DeviceID, logger)
	if err != nil {
		return err
	}

	history := diskv.NewHistoryStore(cfg.DataDir)
	reporter := agent.NewBusReporter(logger, bus, cfg.DeviceID, history)
	registry := cmd.NewHandlerRegistry(logger, cfg.MarkerPath)

	driver := workflow.NewDriver(workflow.Options{
		Logger:                   logger,
		Tracer:                   tracer,
		Handlers:                 registry,
		Reporter:                 reporter,
		Reboot:                   agent.NewSystemRebootManager(logger),
		States:                   file.NewStateStore(filepath.Join(cfg.DataDir, "state.json")),
		Preflight:                preflight.NewDiskSpaceCheck(),
		SandboxRoot:              cfg.SandboxRoot,
		SkipManifestVersionCheck: !cfg.ValidateManifestVersion,
	})

	var sweeper *agent.SandboxSweeper

	if cfg.SandboxGCSchedule != "" {
		sweeper = agent.NewSandboxSweeper(logger, cfg.SandboxRoot, driver)
		if err := sweeper.Schedule(cfg.SandboxGCSchedule); err != nil {
			return err
		}
	}

	if cfg.APIPort > 0 {
		api := web.NewAPI(driver, history)

		go func() {
			if err := api.Start(cfg.APIPort); err != nil {
				logger.Error("Status API stopped", "error", err)
			}
		}()
	}

	return agent.New(cfg.DeviceID, logger, driver, bus, sweeper).Run(ctx)
}
