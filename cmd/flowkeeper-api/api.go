package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/dukex/flowkeeper/pkg/eventbus"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/registry"
	"github.com/dukex/flowkeeper/pkg/services"
	"github.com/dukex/flowkeeper/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"golang.org/x/sync/errgroup"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	publisher   eventbus.EventPublisher
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	publisher eventbus.EventPublisher,
) *API {
	return &API{
		persistence: persistence,
		logger:      logger,
		registry:    registry,
		publisher:   publisher,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	workflowService := services.NewWorkflow(a.persistence, a.registry, a.publisher, a.logger)
	sessionService := services.NewSession(a.persistence, a.publisher, a.logger)

	handlers := web.NewAPIHandlers(workflowService, sessionService, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowkeeper API")
	})

	handlers.RegisterRoutes(app)

	return app
}

// Start serves the API on port until ctx ends.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.InfoContext(ctx, "Stopping API server")

		return app.ShutdownWithContext(context.WithoutCancel(ctx))
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
