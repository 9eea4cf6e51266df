package web

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/edgekit/updagent/pkg/persistence"
)

type API struct {
	handlers *APIHandlers
}

func NewAPI(driver StatusSource, history persistence.HistoryStore) *API {
	return &API{handlers: NewAPIHandlers(driver, history)}
}

func (a *API) App() *fiber.App {
	app := fiber.New()
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/healthz", healthcheck.NewHealthChecker())

	v1 := app.Group("/v1")
	v1.Get("/status", a.handlers.GetStatus)
	v1.Get("/deployments", a.handlers.GetDeployments)
	v1.Get("/deployments/:id", a.handlers.GetDeployment)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
