package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
)

// HeaderIdempotencyKey carries the client-chosen key of a mutating request.
const HeaderIdempotencyKey = "Idempotency-Key"

// writeError renders err as {"error": <code>, "message": <text>}. Internal
// errors are logged and answered with a generic message.
func writeError(c *fiber.Ctx, err error) error {
	code := apperror.CodeOf(err)
	status := apperror.HTTPStatus(code)
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": string(code), "message": apperror.PublicMessage(err)})
}

func idempotencyKey(c *fiber.Ctx) (string, error) {
	key := strings.TrimSpace(c.Get(HeaderIdempotencyKey))
	if key == "" {
		return "", apperror.New(apperror.CodeValidation, "Idempotency-Key header is required")
	}
	return key, nil
}

// bodyError maps a fiber body parser error to a validation error.
func bodyError(err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) && fe.Code == fiber.StatusUnprocessableEntity {
		return apperror.Wrap(apperror.CodeValidation, "unsupported request body", err)
	}
	return apperror.Wrap(apperror.CodeValidation, "malformed request body", err)
}

// ClientIP determines the client address behind Cloudflare or a proxy. It is
// used as the rate limiter key.
func ClientIP(c *fiber.Ctx) string {
	// 1. Cloudflare provides the original client IP.
	if cfIP := strings.TrimSpace(c.Get("CF-Connecting-IP")); cfIP != "" {
		return cfIP
	}

	// 2. X-Forwarded-For can contain a list of IPs; the first one is the client.
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}

	// 3. IPv4 mapped into IPv6 (::ffff:192.168.1.1).
	ip := c.IP()
	if strings.HasPrefix(ip, "::ffff:") && strings.Contains(ip, ".") {
		return strings.TrimPrefix(ip, "::ffff:")
	}
	return ip
}
