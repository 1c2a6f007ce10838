package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/FoxPay/app/controllers"
)

type SystemRouter struct {
	deps Dependencies
}

func (s SystemRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", controllers.HandleHealthz(s.deps.DB))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/monitor", monitor.New(monitor.Config{Title: "FoxPay Monitor"}))
}

func NewSystemRouter(deps Dependencies) *SystemRouter {
	return &SystemRouter{deps: deps}
}
