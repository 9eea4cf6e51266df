package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/edgekit/updagent/pkg/config"
	"github.com/edgekit/updagent/pkg/log"
)

func main() {
	cmd := &cli.Command{
		Name:                  "updagent",
		EnableShellCompletion: true,
		Usage:                 "Run the on-device update agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the agent configuration file",
				Value:   "/etc/updagent/agent.yaml",
				Sources: cli.EnvVars("UPDAGENT_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "device-id",
				Usage:   "Device ID on the event bus (overrides the config file)",
				Sources: cli.EnvVars("UPDAGENT_DEVICE_ID"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka; overrides the config file)",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka broker addresses",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := config.LoadOrDefault(command.String("config"))
			if err != nil {
				return err
			}

			if v := command.String("device-id"); v != "" {
				cfg.DeviceID = v
			}

			if v := command.String("event-bus"); v != "" {
				cfg.EventBus = v
			}

			if v := command.StringSlice("kafka-brokers"); len(v) > 0 {
				cfg.KafkaBrokers = v
			}

			if v := command.String("log-level"); v != "" {
				cfg.LogLevel = v
			}

			if cfg.DeviceID == "" {
				cfg.DeviceID = "device-" + uuid.New().String()[:8]
			}

			if err := config.Validate(cfg); err != nil {
				return err
			}

			log.Setup(cfg.LogLevel)

			return run(ctx, cfg)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
