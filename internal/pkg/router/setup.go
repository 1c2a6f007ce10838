package router

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/controllers"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and settings the routers mount.
type Dependencies struct {
	Config    env.Config
	DB        *gorm.DB
	Billing   *controllers.BillingController
	Reconcile *controllers.ReconcileController
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// System routes first so health checks bypass the API rate limiter.
	setup(app, NewSystemRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
