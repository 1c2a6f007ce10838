package billing

import (
	"context"
	"errors"
	"fmt"
	"net"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
)

// mapStripeError classifies a stripe-go error into the application taxonomy.
// The original error stays reachable through errors.As.
func mapStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		msg := fmt.Sprintf("%s: %s", op, se.Msg)
		switch {
		case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == 404:
			return apperror.Wrap(apperror.CodeNotFound, msg, err)
		case se.HTTPStatusCode == 429 || string(se.Code) == "rate_limit":
			return apperror.Wrap(apperror.CodeRateLimited, msg, err)
		case se.HTTPStatusCode == 409 && string(se.Code) == "lock_timeout":
			return apperror.Wrap(apperror.CodeProviderUnavailable, msg, err)
		case se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI:
			return apperror.Wrap(apperror.CodeProviderUnavailable, msg, err)
		case se.HTTPStatusCode == 401 || se.HTTPStatusCode == 403:
			// Bad API key or permissions: an operator problem, not the caller's.
			return apperror.Wrap(apperror.CodeInternal, msg, err)
		case se.HTTPStatusCode >= 400:
			return apperror.Wrap(apperror.CodeValidation, msg, err)
		}
		return apperror.Wrap(apperror.CodeProviderUnavailable, msg, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(apperror.CodeProviderUnavailable, op, err)
	}
	return apperror.Wrap(apperror.CodeInternal, op, err)
}

// IsTransientProviderError reports whether a gateway error is worth retrying:
// network failures, 5xx, rate limiting and lock timeouts. Validation and
// not-found errors are permanent.
func IsTransientProviderError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch apperror.CodeOf(err) {
	case apperror.CodeRateLimited, apperror.CodeProviderUnavailable:
		return true
	}
	return false
}
