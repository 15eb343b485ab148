package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/flowkeeper/pkg/cmd"
	"github.com/dukex/flowkeeper/pkg/config"
	"github.com/dukex/flowkeeper/pkg/eventbus"
	"github.com/dukex/flowkeeper/pkg/notification"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/scheduler"
	"github.com/dukex/flowkeeper/pkg/services"
	"github.com/dukex/flowkeeper/pkg/sla"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath       string
	databaseURL      string
	eventBus         string
	kafkaBrokers     []string
	disableScheduler bool
	tracing          bool
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	engineConfig, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return err
	}

	ctx, cancel := cmd.WithShutdownSignals(ctx, logger)
	defer cancel()

	tracer, shutdownTracer := cmd.NewTracer(ctx, opts.tracing, "flowkeeper-monitor", logger)
	defer shutdownTracer()

	store, err := cmd.NewPersistence(ctx, logger, opts.databaseURL)
	if err != nil {
		return err
	}

	defer func() {
		err := store.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	pubSub, err := cmd.NewPubSub(opts.eventBus, logger, "flowkeeper-monitor", opts.kafkaBrokers)
	if err != nil {
		return err
	}

	eventBus := pubSub.EventBus()
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	channels, closeChannels, err := cmd.NewNotificationChannels(engineConfig.Notification.Channels, logger, pubSub.Publisher)
	if err != nil {
		return err
	}

	defer func() {
		if err := closeChannels(); err != nil {
			logger.ErrorContext(ctx, "Failed to close notification channels", "error", err)
		}
	}()

	components := newComponents(engineConfig, store, eventBus, channels, tracer, logger)
	if opts.disableScheduler {
		components.scheduler = nil
	}

	return components.run(ctx)
}

type components struct {
	notifications *notification.Dispatcher
	monitor       *sla.Monitor
	scheduler     *scheduler.Scheduler
	logger        *slog.Logger
}

func newComponents(
	engineConfig config.EngineConfig,
	store persistence.Persistence,
	publisher eventbus.EventPublisher,
	channels []notification.Channel,
	tracer trace.Tracer,
	logger *slog.Logger,
) *components {
	sessions := services.NewSession(store, publisher, logger)
	notifications := notification.NewDispatcher(engineConfig.Notification.Config,
		store.NotificationRepository(), logger, channels...)

	return &components{
		notifications: notifications,
		monitor: sla.NewMonitor(engineConfig.SLA, store, logger,
			sla.WithPublisher(publisher),
			sla.WithObserver(sessions),
			sla.WithTracer(tracer),
		),
		scheduler: scheduler.New(engineConfig.Scheduler, store, sessions, logger),
		logger:    logger,
	}
}

// run blocks until ctx ends or one component fails, which stops the others.
func (c *components) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.notifications.Run(ctx) })
	g.Go(func() error { return c.monitor.Run(ctx) })

	if c.scheduler != nil {
		g.Go(func() error { return c.scheduler.Run(ctx) })
	}

	c.logger.InfoContext(ctx, "Flowkeeper monitor started", "scheduler", c.scheduler != nil)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
