package main

import (
	"context"
	"os"

	"github.com/dukex/flowkeeper/pkg/cmd"
	"github.com/dukex/flowkeeper/pkg/config"
	"github.com/dukex/flowkeeper/pkg/dispatcher"
	"github.com/dukex/flowkeeper/pkg/log"
	"github.com/dukex/flowkeeper/pkg/services"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "flowkeeper-dispatcher",
		Usage:                 "Claim ready tasks and run their operators",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dispatcher-id",
				Aliases: []string{"id"},
				Usage:   "Custom dispatcher ID (auto-generated if not provided)",
				Sources: cli.EnvVars("DISPATCHER_ID"),
			},
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
		Commands: []*cli.Command{
			NewValidateCommand(),
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("flowkeeper-dispatcher")

	engineConfig, err := config.LoadOrDefault(command.String("config"))
	if err != nil {
		return err
	}

	if id := command.String("dispatcher-id"); id != "" {
		engineConfig.Dispatcher.ID = id
	}

	ctx, cancel := cmd.WithShutdownSignals(ctx, logger)
	defer cancel()

	tracer, shutdownTracer := cmd.NewTracer(ctx, command.Bool("tracing"), "flowkeeper-dispatcher", logger)
	defer shutdownTracer()

	registry := cmd.NewRegistry(logger)

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := persistence.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	pubSub, err := cmd.NewPubSub(command.String("event-bus"), logger, "flowkeeper-dispatcher", command.StringSlice("kafka-brokers"))
	if err != nil {
		return err
	}

	eventBus := pubSub.EventBus()
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	sessions := services.NewSession(persistence, eventBus, logger)

	d := dispatcher.New(engineConfig.Dispatcher, persistence, registry, logger,
		dispatcher.WithPublisher(eventBus),
		dispatcher.WithObserver(sessions),
		dispatcher.WithTracer(tracer),
	)

	logger.InfoContext(ctx, "Starting Flowkeeper dispatcher", "dispatcher_id", d.ID())

	return d.Run(ctx)
}
