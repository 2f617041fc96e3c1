// Package main provides the Stepwise snapshot API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/stepwise-analytics/stepwise/pkg/catalog"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
	"github.com/stepwise-analytics/stepwise/pkg/services"
	"github.com/stepwise-analytics/stepwise/pkg/web"
)

type API struct {
	logger     *slog.Logger
	repository persistence.SnapshotRepository
	catalog    *catalog.Catalog
	validate   *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	repository persistence.SnapshotRepository,
	c *catalog.Catalog,
) *API {
	return &API{
		logger:     logger,
		repository: repository,
		catalog:    c,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) Snapshots() *services.Snapshots {
	return services.NewSnapshots(a.repository, a.catalog, a.logger)
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.Snapshots(), a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.repository.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Stepwise API")
	})

	s := app.Group("/sessions/:id")
	s.Get("/snapshot", handlers.GetSnapshot)
	s.Put("/snapshot", handlers.PutSnapshot)
	s.Delete("/snapshot", handlers.DeleteSnapshot)

	app.Get("/catalog/:kind", handlers.GetCatalog)

	app.Get("/health", handlers.HealthCheck)

	return app
}

// Start serves the API on port until ctx is cancelled.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		err := app.Shutdown()
		if err != nil {
			a.logger.Error("Failed to shut down API server", "error", err)
		}
	}()

	return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}
