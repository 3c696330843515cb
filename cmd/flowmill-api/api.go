// Package main provides the Flowmill API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/flowmill/flowmill/pkg/eventbus"
	"github.com/flowmill/flowmill/pkg/persistence"
	"github.com/flowmill/flowmill/pkg/services"
	"github.com/flowmill/flowmill/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	ticker      web.Ticker
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	ticker web.Ticker,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		ticker:      ticker,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	var publisher eventbus.EventPublisher
	if a.eventBus != nil {
		publisher = a.eventBus
	}

	executionService := services.NewExecutions(a.persistence, publisher, a.logger)

	handlers := web.NewAPIHandlers(executionService, a.ticker, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowmill API")
	})

	e := app.Group("/executions")
	e.Post("/", handlers.CreateExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/stop", handlers.StopExecution)

	m := app.Group("/automations")
	m.Post("/", handlers.CreateAutomation)
	m.Patch("/:id/enabled", handlers.SetAutomationEnabled)
	m.Get("/:id/executions", handlers.GetAutomationExecutions)

	app.Post("/schedules", handlers.CreateSchedule)
	app.Post("/trigger", handlers.Trigger)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
