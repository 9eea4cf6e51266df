// Package agent wires the workflow engine to the event bus, the local status
// API and the on-disk stores, and owns the process lifecycle.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgekit/updagent/pkg/eventbus"
	"github.com/edgekit/updagent/pkg/events"
	"github.com/edgekit/updagent/pkg/workflow"
)

type Agent struct {
	deviceID string
	logger   *slog.Logger
	driver   *workflow.Driver
	bus      eventbus.EventBus
	sweeper  *SandboxSweeper
}

func New(deviceID string, logger *slog.Logger, driver *workflow.Driver, bus eventbus.EventBus, sweeper *SandboxSweeper) *Agent {
	return &Agent{
		deviceID: deviceID,
		logger:   logger.With("deviceId", deviceID),
		driver:   driver,
		bus:      bus,
		sweeper:  sweeper,
	}
}

// Start subscribes to the deployment topic and replays any persisted resume
// state. It returns once the agent is ready to accept deployments.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.bus.Handle(events.DeploymentRequestedEvent, a.handleDeploymentRequested); err != nil {
		return fmt.Errorf("failed to register deployment handler: %w", err)
	}

	if err := a.bus.Subscribe(ctx, events.DeploymentTopic); err != nil {
		return fmt.Errorf("failed to subscribe to deployment topic: %w", err)
	}

	// Replay the resume state before any new deployment can arrive, so a
	// reboot-interrupted workflow reports first.
	a.driver.HandleStartup(ctx)

	a.logger.InfoContext(ctx, "Agent started")

	return nil
}

// Run starts the agent and blocks until SIGINT/SIGTERM or context
// cancellation.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.logger.InfoContext(ctx, "Shutting down agent", "signal", sig.String())
	case <-ctx.Done():
		a.logger.InfoContext(ctx, "Shutting down agent", "reason", ctx.Err())
	}

	return a.Close()
}

func (a *Agent) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	return a.bus.Close()
}

func (a *Agent) handleDeploymentRequested(ctx context.Context, event any) error {
	request, ok := event.(*events.DeploymentRequested)
	if !ok {
		a.logger.ErrorContext(ctx, "Invalid event type for DeploymentRequested")

		return nil
	}

	if request.DeviceID != "" && request.DeviceID != a.deviceID {
		// Shared topic; the document targets another device.
		return nil
	}

	a.logger.InfoContext(ctx, "Processing deployment document",
		"eventId", request.ID,
		"forceUpdate", request.ForceUpdate)

	a.driver.HandlePropertyUpdate(ctx, request.Payload, request.ForceUpdate)

	return nil
}
