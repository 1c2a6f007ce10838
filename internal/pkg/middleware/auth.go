package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/security"
	"github.com/ManuelReschke/FoxPay/internal/pkg/usercontext"
)

// CronAuthMiddleware protects scheduler endpoints with a shared bearer
// secret. Without a configured secret the endpoint is unavailable.
func CronAuthMiddleware(secret string) fiber.Handler {
	secret = strings.TrimSpace(secret)
	return func(c *fiber.Ctx) error {
		if secret == "" {
			log.Warn("[CronAuth] CRON_SECRET not configured, rejecting request")
			return abort(c, fiber.StatusServiceUnavailable, apperror.CodeProviderUnavailable, "Cron endpoint not configured")
		}
		token := bearerToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return abort(c, fiber.StatusUnauthorized, apperror.CodeUnauthorized, "Invalid cron token")
		}
		return c.Next()
	}
}

// UserTokenMiddleware authenticates billing API calls with a signed user
// token and stores the user on the request.
func UserTokenMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return abort(c, fiber.StatusUnauthorized, apperror.CodeUnauthorized, "Missing user token")
		}
		claims, err := security.VerifyUserToken(token, secret)
		if err != nil {
			log.Debugf("[UserToken] rejected token: %v", err)
			return abort(c, fiber.StatusUnauthorized, apperror.CodeUnauthorized, "Invalid user token")
		}
		usercontext.SetUserContext(c, usercontext.UserContext{
			UserID:     claims.UserID,
			Email:      claims.Email,
			IsLoggedIn: true,
		})
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func abort(c *fiber.Ctx, status int, code apperror.Code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": string(code), "message": message})
}
