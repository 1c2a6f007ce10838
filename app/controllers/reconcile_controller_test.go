package controllers

import (
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
	"github.com/ManuelReschke/FoxPay/internal/pkg/database/dbtest"
)

func TestParsePage(t *testing.T) {
	tests := []struct {
		limit, offset string
		want          billing.Page
	}{
		{"", "", billing.Page{Limit: billing.DefaultReconcileLimit}},
		{"25", "50", billing.Page{Limit: 25, Offset: 50}},
		{"abc", "-3", billing.Page{Limit: billing.DefaultReconcileLimit}},
		{"0", "x", billing.Page{Limit: billing.DefaultReconcileLimit}},
		{"-1", "7", billing.Page{Limit: billing.DefaultReconcileLimit, Offset: 7}},
		{"5000", "0", billing.Page{Limit: billing.MaxReconcileLimit}},
		{" 10 ", "", billing.Page{Limit: 10}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parsePage(tt.limit, tt.offset), "limit=%q offset=%q", tt.limit, tt.offset)
	}
}

func TestHandleReconcileEmpty(t *testing.T) {
	db := dbtest.New(t)
	rc := NewReconcileController(billing.NewReconciler(db, billing.NewStripeGateway(billing.StripeConfig{}), billing.ReconcileConfig{}))
	app := fiber.New()
	app.Post("/api/cron/billing/reconcile", rc.HandleReconcile)

	status, out := do(t, app, fiber.MethodPost, "/api/cron/billing/reconcile?limit=abc", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, map[string]any{"checked": float64(0), "corrected": float64(0), "errors": float64(0)}, out)
}

func TestHandleHealthz(t *testing.T) {
	db := dbtest.New(t)
	app := fiber.New()
	app.Get("/healthz", HandleHealthz(db))

	status, out := do(t, app, fiber.MethodGet, "/healthz", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
}

func TestClientIP(t *testing.T) {
	app := fiber.New()
	app.Get("/ip", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ip": ClientIP(c)})
	})

	_, out := do(t, app, fiber.MethodGet, "/ip", "", map[string]string{"CF-Connecting-IP": "203.0.113.9", "X-Forwarded-For": "198.51.100.1"})
	assert.Equal(t, "203.0.113.9", out["ip"])

	_, out = do(t, app, fiber.MethodGet, "/ip", "", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"})
	assert.Equal(t, "198.51.100.1", out["ip"])
}
