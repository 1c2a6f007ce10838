package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
)

// ErrNotInProgress is returned when an outcome is stored for a key that is no
// longer in progress (already completed, or pruned and reclaimed).
var ErrNotInProgress = errors.New("idempotency key is not in progress")

// Scope identifies one logical request.
type Scope struct {
	UserID uint   `validate:"required"`
	Action string `validate:"required,max=100"`
	Key    string `validate:"required,uuid"`
}

// Claim is the input of Store.Claim.
type Claim struct {
	Scope
	Now       time.Time
	ExpiresAt time.Time
}

// Store persists idempotency keys. Implementations must enforce uniqueness of
// (UserID, Action, Key) in the database, not in process memory.
type Store interface {
	// Claim creates the key and reports whether this call created it. An
	// expired key for the same scope is replaced.
	Claim(ctx context.Context, c Claim) (bool, error)
	// Find returns the stored key or nil.
	Find(ctx context.Context, s Scope) (*models.IdempotencyKey, error)
	StoreResult(ctx context.Context, s Scope, result []byte) error
	StoreError(ctx context.Context, s Scope, rec apperror.Record) error
	// Release deletes a key that is still in progress so the scope can be
	// claimed again.
	Release(ctx context.Context, s Scope) error
	PruneExpiredBefore(ctx context.Context, now time.Time, limit int) (int64, error)
}

var validate = validator.New()

// Normalize validates the scope and returns it with the key in canonical
// UUID form, so differently cased spellings of one key share a row.
func (s Scope) Normalize() (Scope, error) {
	s.Action = strings.TrimSpace(s.Action)
	s.Key = strings.ToLower(strings.TrimSpace(s.Key))
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return s, apperror.Newf(apperror.CodeValidation, "invalid idempotency %s", strings.ToLower(verrs[0].Field()))
		}
		return s, apperror.Wrap(apperror.CodeValidation, "invalid idempotency scope", err)
	}
	id, err := uuid.Parse(s.Key)
	if err != nil {
		return s, apperror.New(apperror.CodeValidation, "invalid idempotency key")
	}
	s.Key = id.String()
	return s, nil
}
