package main

import (
	"context"
	"os"

	"github.com/dukex/flowkeeper/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "flowkeeper-monitor",
		Usage:                 "Start scheduled sessions, watch SLA deadlines and deliver alerts",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the engine configuration file",
				Sources: cli.EnvVars("FLOWKEEPER_CONFIG"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers for the kafka event bus",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.BoolFlag{
				Name:    "disable-scheduler",
				Usage:   "Only watch SLA deadlines, do not start scheduled sessions",
				Sources: cli.EnvVars("DISABLE_SCHEDULER"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("flowkeeper-monitor")
			logger.InfoContext(ctx, "Initializing Flowkeeper monitor")

			return run(ctx, logger, options{
				configPath:       command.String("config"),
				databaseURL:      command.String("database-url"),
				eventBus:         command.String("event-bus"),
				kafkaBrokers:     command.StringSlice("kafka-brokers"),
				disableScheduler: command.Bool("disable-scheduler"),
				tracing:          command.Bool("tracing"),
			})
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
