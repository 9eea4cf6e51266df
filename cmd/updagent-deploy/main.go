// updagent-deploy publishes deployment and cancel documents to the event bus.
// It is the operator-side counterpart of the agent, mainly used against test
// and staging brokers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/edgekit/updagent/pkg/cmd"
	"github.com/edgekit/updagent/pkg/events"
	"github.com/edgekit/updagent/pkg/log"
	"github.com/edgekit/updagent/pkg/models"
)

func main() {
	sharedFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "device-id",
			Usage:    "Target device ID",
			Required: true,
			Sources:  cli.EnvVars("UPDAGENT_DEVICE_ID"),
		},
		&cli.StringSliceFlag{
			Name:     "kafka-brokers",
			Usage:    "Kafka broker addresses",
			Required: true,
			Sources:  cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}

	root := &cli.Command{
		Name:                  "updagent-deploy",
		EnableShellCompletion: true,
		Usage:                 "Publish deployment documents to update agents",
		Commands: []*cli.Command{
			{
				Name:  "deploy",
				Usage: "Send a deployment document built from an update manifest file",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "manifest",
						Aliases:  []string{"m"},
						Usage:    "Path to the update manifest JSON file",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "workflow-id",
						Usage: "Deployment workflow ID (auto-generated if not provided)",
					},
					&cli.StringSliceFlag{
						Name:  "file-url",
						Usage: "File URL mapping in fileId=url form, repeatable",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Bypass duplicate-deployment detection on the agent",
					},
				}, sharedFlags...),
				Action: runDeploy,
			},
			{
				Name:  "cancel",
				Usage: "Cancel the deployment currently running on a device",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "workflow-id",
						Usage:    "Workflow ID of the deployment to cancel",
						Required: true,
					},
				}, sharedFlags...),
				Action: runCancel,
			},
			demoCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDeploy(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("updagent-deploy")

	manifest, err := os.ReadFile(command.String("manifest"))
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	if !json.Valid(manifest) {
		return fmt.Errorf("manifest %s is not valid JSON", command.String("manifest"))
	}

	workflowID := command.String("workflow-id")
	if workflowID == "" {
		workflowID = "deploy-" + uuid.New().String()[:8]
	}

	fileURLs, err := parseFileURLs(command.StringSlice("file-url"))
	if err != nil {
		return err
	}

	payload, err := json.Marshal(models.DeploymentPayload{
		Workflow: models.WorkflowRequest{
			Action: models.ActionProcessDeployment,
			ID:     workflowID,
		},
		UpdateManifest: string(manifest),
		FileURLs:       fileURLs,
	})
	if err != nil {
		return err
	}

	if err := publish(ctx, command, payload, command.Bool("force")); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Deployment published",
		"workflowId", workflowID,
		"deviceId", command.String("device-id"))

	return nil
}

func runCancel(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("updagent-deploy")

	payload, err := json.Marshal(models.DeploymentPayload{
		Workflow: models.WorkflowRequest{
			Action: models.ActionCancel,
			ID:     command.String("workflow-id"),
		},
	})
	if err != nil {
		return err
	}

	if err := publish(ctx, command, payload, false); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Cancel published",
		"workflowId", command.String("workflow-id"),
		"deviceId", command.String("device-id"))

	return nil
}

func publish(ctx context.Context, command *cli.Command, payload []byte, force bool) error {
	deviceID := command.String("device-id")

	bus, err := cmd.NewEventBus("kafka", command.StringSlice("kafka-brokers"), "deploy-"+uuid.New().String()[:8], log.WithModule("updagent-deploy"))
	if err != nil {
		return err
	}

	defer func() { _ = bus.Close() }()

	return bus.Publish(ctx, deviceID, events.DeploymentRequested{
		BaseEvent:   events.NewBaseEvent(events.DeploymentRequestedEvent, deviceID),
		Payload:     payload,
		ForceUpdate: force,
	})
}

func parseFileURLs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	urls := make(map[string]string, len(pairs))

	for _, pair := range pairs {
		id, url, ok := strings.Cut(pair, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid file-url %q, expected fileId=url", pair)
		}

		urls[id] = url
	}

	return urls, nil
}
