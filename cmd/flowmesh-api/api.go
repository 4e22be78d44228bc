// Package main provides the FlowMesh API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/flowmesh/flowmesh/pkg/execution"
	"github.com/flowmesh/flowmesh/pkg/protocol"
	"github.com/flowmesh/flowmesh/pkg/registry"
	"github.com/flowmesh/flowmesh/pkg/web"
)

type API struct {
	logger   *slog.Logger
	storage  protocol.Storage
	registry *registry.Registry
	manager  *execution.Manager
	validate *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	storage protocol.Storage,
	reg *registry.Registry,
	manager *execution.Manager,
) *API {
	return &API{
		logger:   logger,
		storage:  storage,
		registry: reg,
		manager:  manager,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.storage, a.manager, a.registry, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("FlowMesh API")
	})

	g := app.Group("/graphs")
	g.Get("/", handlers.GetGraphs)
	g.Post("/", handlers.CreateGraph)
	g.Post("/validate", handlers.ValidateGraph)
	g.Get("/:id", handlers.GetGraph)
	g.Put("/:id", handlers.UpdateGraph)
	g.Delete("/:id", handlers.DeleteGraph)
	g.Post("/:id/executions", handlers.RunGraph)

	e := app.Group("/executions")
	e.Get("/", handlers.GetExecutions)
	e.Get("/:id", handlers.GetExecution)
	e.Get("/:id/result", handlers.GetExecutionResult)
	e.Delete("/:id", handlers.CancelExecution)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
