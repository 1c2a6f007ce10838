package controllers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
)

const reconcileTimeout = 5 * time.Minute

// ReconcileController exposes the reconciliation sweep to the scheduler.
type ReconcileController struct {
	reconciler *billing.Reconciler
}

func NewReconcileController(reconciler *billing.Reconciler) *ReconcileController {
	return &ReconcileController{reconciler: reconciler}
}

// HandleReconcile runs one page. Authentication is done by the cron
// middleware.
func (rc *ReconcileController) HandleReconcile(c *fiber.Ctx) error {
	page := parsePage(c.Query("limit"), c.Query("offset"))

	ctx, cancel := context.WithTimeout(c.UserContext(), reconcileTimeout)
	defer cancel()

	res, err := rc.reconciler.Reconcile(ctx, page)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// parsePage falls back to defaults for malformed values. The limit is capped.
func parsePage(rawLimit, rawOffset string) billing.Page {
	var page billing.Page
	if n, err := strconv.Atoi(strings.TrimSpace(rawLimit)); err == nil {
		page.Limit = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(rawOffset)); err == nil {
		page.Offset = n
	}
	return page.Normalize()
}
