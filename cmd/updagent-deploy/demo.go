package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/edgekit/updagent/pkg/agent"
	"github.com/edgekit/updagent/pkg/channels/gochannel"
	"github.com/edgekit/updagent/pkg/eventbus"
	"github.com/edgekit/updagent/pkg/events"
	"github.com/edgekit/updagent/pkg/handlers"
	"github.com/edgekit/updagent/pkg/handlers/simulator"
	"github.com/edgekit/updagent/pkg/log"
	"github.com/edgekit/updagent/pkg/models"
	"github.com/edgekit/updagent/pkg/persistence/file"
	"github.com/edgekit/updagent/pkg/workflow"
)

const demoManifest = `{"manifestVersion":"4","updateId":{"provider":"contoso","name":"demo-fw","version":"1.0.0"},"updateType":"simulator/v1","installedCriteria":"demo-fw-1.0.0","files":{"f1":{"fileName":"demo.swu"}}}`

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run an in-process agent against the simulator handler and print the report sequence",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.DurationFlag{
				Name:  "latency",
				Usage: "Simulated latency per capability call",
				Value: 100 * time.Millisecond,
			},
		},
		Action: runDemo,
	}
}

func runDemo(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("demo")

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	if err != nil {
		return err
	}

	bus := eventbus.NewWatermillEventBus(pub, sub)
	deviceID := "demo-" + uuid.New().String()[:8]
	dataDir := filepath.Join("/tmp", "updagent-"+deviceID)

	registry := handlers.NewRegistry(logger)
	registry.Register("simulator/v1", func() (workflow.ContentHandler, error) {
		return simulator.New(simulator.Config{
			Async:   true,
			Latency: command.Duration("latency"),
		}), nil
	})

	driver := workflow.NewDriver(workflow.Options{
		Logger:      logger,
		Handlers:    registry,
		Reporter:    agent.NewBusReporter(logger, bus, deviceID, nil),
		States:      file.NewStateStore(filepath.Join(dataDir, "state.json")),
		SandboxRoot: filepath.Join(dataDir, "downloads"),
	})

	a := agent.New(deviceID, logger, driver, bus, nil)

	done := make(chan struct{})

	if err := bus.Handle(events.StateReportedEvent, func(_ context.Context, event any) error {
		report := event.(*events.StateReported).Report
		fmt.Printf("state=%s workflow=%s", report.State, report.Workflow.ID)

		if report.LastInstallResult != nil {
			fmt.Printf(" resultCode=%d", report.LastInstallResult.ResultCode)
		}

		if report.InstalledUpdateID != "" {
			fmt.Printf(" installed=%s", report.InstalledUpdateID)
		}

		fmt.Println()

		if report.State == models.StateIdle && report.InstalledUpdateID != "" {
			close(done)
		}

		return nil
	}); err != nil {
		return err
	}

	if err := bus.Subscribe(ctx, events.ReportTopic); err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		return err
	}

	defer func() { _ = a.Close() }()

	payload, err := json.Marshal(models.DeploymentPayload{
		Workflow: models.WorkflowRequest{
			Action: models.ActionProcessDeployment,
			ID:     "demo-" + uuid.New().String()[:8],
		},
		UpdateManifest: demoManifest,
		FileURLs:       map[string]string{"f1": "http://localhost/demo.swu"},
	})
	if err != nil {
		return err
	}

	if err := bus.Publish(ctx, deviceID, events.DeploymentRequested{
		BaseEvent: events.NewBaseEvent(events.DeploymentRequestedEvent, deviceID),
		Payload:   payload,
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("demo deployment did not complete")
	}
}
