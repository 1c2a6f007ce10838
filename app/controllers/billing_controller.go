package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
	"github.com/ManuelReschke/FoxPay/internal/pkg/usercontext"
)

const (
	webhookTimeout   = 15 * time.Second
	operationTimeout = 20 * time.Second
)

// BillingController serves the Stripe webhook and the user billing API.
type BillingController struct {
	webhooks   *billing.WebhookProcessor
	operations *billing.Operations
}

func NewBillingController(webhooks *billing.WebhookProcessor, operations *billing.Operations) *BillingController {
	return &BillingController{webhooks: webhooks, operations: operations}
}

// HandleStripeWebhook answers 200 for processed and duplicate events, 400 for
// deliveries that must not be retried and 500 otherwise so Stripe redelivers.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": string(apperror.CodeInvalidSignature), "message": "Missing Stripe-Signature header"})
	}
	rawBody := append([]byte(nil), c.BodyRaw()...)

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	if err := bc.webhooks.Process(ctx, rawBody, signature); err != nil {
		switch {
		case errors.Is(err, apperror.InvalidSignature):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": string(apperror.CodeInvalidSignature), "message": "Invalid signature"})
		case errors.Is(err, apperror.InvalidPayload):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": string(apperror.CodeInvalidPayload), "message": "Invalid payload"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": string(apperror.CodeInternal), "message": "internal server error"})
		}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}

// HandleCreateCheckout creates a Stripe checkout session once per
// Idempotency-Key.
func (bc *BillingController) HandleCreateCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	key, err := idempotencyKey(c)
	if err != nil {
		return writeError(c, err)
	}
	var in billing.CheckoutInput
	if err := c.BodyParser(&in); err != nil {
		return writeError(c, bodyError(err))
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), operationTimeout)
	defer cancel()

	session, err := bc.operations.CreateCheckout(ctx, userCtx.UserID, userCtx.Email, key, in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(session)
}

// HandleCreatePortal opens the Stripe billing portal once per Idempotency-Key.
func (bc *BillingController) HandleCreatePortal(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	key, err := idempotencyKey(c)
	if err != nil {
		return writeError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), operationTimeout)
	defer cancel()

	session, err := bc.operations.CreatePortal(ctx, userCtx.UserID, key)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(session)
}

// HandleCancelSubscription cancels one subscription of the caller.
func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	key, err := idempotencyKey(c)
	if err != nil {
		return writeError(c, err)
	}
	var in billing.CancelInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&in); err != nil {
			return writeError(c, bodyError(err))
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), operationTimeout)
	defer cancel()

	view, err := bc.operations.CancelSubscription(ctx, userCtx.UserID, key, c.Params("id"), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(view)
}

// HandleResync pulls the caller's subscriptions from Stripe and recomputes
// the plan.
func (bc *BillingController) HandleResync(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	ctx, cancel := context.WithTimeout(c.UserContext(), operationTimeout)
	defer cancel()

	res, err := bc.operations.Resync(ctx, userCtx.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}
