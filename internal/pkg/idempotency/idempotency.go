package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
)

const (
	DefaultTTL          = 24 * time.Hour
	DefaultMaxWait      = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPruneLimit   = 100

	storeTimeout = 5 * time.Second
)

// Notifier wakes waiters when a claimant has stored its outcome. It only
// shortens the wait; waiters keep polling the Store either way.
type Notifier interface {
	Publish(ctx context.Context, s Scope) error
	Subscribe(ctx context.Context, s Scope) (<-chan struct{}, func(), error)
}

// Options configures one Run call.
type Options[T any] struct {
	Store        Store
	Scope        Scope
	Now          func() time.Time
	TTL          time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration
	PruneLimit   int
	Notifier     Notifier

	Execute func(ctx context.Context) (T, error)
	// Encode and Decode default to encoding/json.
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

func (o *Options[T]) applyDefaults() {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PruneLimit == 0 {
		o.PruneLimit = DefaultPruneLimit
	}
	if o.Encode == nil {
		o.Encode = func(v T) ([]byte, error) { return json.Marshal(v) }
	}
	if o.Decode == nil {
		o.Decode = func(b []byte) (T, error) {
			var v T
			err := json.Unmarshal(b, &v)
			return v, err
		}
	}
}

// Run executes opts.Execute at most once per scope. The first claimant runs
// it and stores the outcome; concurrent or retried callers wait for that
// outcome and replay it, success or error.
func Run[T any](ctx context.Context, opts Options[T]) (T, error) {
	var zero T
	if opts.Store == nil || opts.Execute == nil {
		return zero, apperror.New(apperror.CodeInternal, "idempotency: store and execute are required")
	}
	opts.applyDefaults()

	scope, err := opts.Scope.Normalize()
	if err != nil {
		return zero, err
	}

	now := opts.Now()
	if opts.PruneLimit > 0 {
		if n, err := opts.Store.PruneExpiredBefore(ctx, now, opts.PruneLimit); err != nil {
			log.Warnf("[Idempotency] prune expired keys failed: %v", err)
		} else if n > 0 {
			metrics.PrunedRowsTotal.WithLabelValues("idempotency_keys").Add(float64(n))
		}
	}

	claimed, err := opts.Store.Claim(ctx, Claim{Scope: scope, Now: now, ExpiresAt: now.Add(opts.TTL)})
	if err != nil {
		return zero, apperror.Wrap(apperror.CodeInternal, "", err)
	}
	if claimed {
		return execute(ctx, opts, scope)
	}
	return await(ctx, opts, scope)
}

func execute[T any](ctx context.Context, opts Options[T], scope Scope) (T, error) {
	var zero T

	result, execErr := opts.Execute(ctx)

	// The outcome must be stored even when the caller has gone away.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if execErr == nil {
		payload, err := opts.Encode(result)
		if err != nil {
			execErr = apperror.Wrap(apperror.CodeInternal, "", err)
		} else {
			if err := opts.Store.StoreResult(storeCtx, scope, payload); err != nil {
				log.Errorf("[Idempotency] store result for %s failed: %v", scope.Action, err)
				release(storeCtx, opts, scope)
				metrics.IdempotencyOutcomesTotal.WithLabelValues(scope.Action, "unrecorded").Inc()
				return zero, apperror.Wrap(apperror.CodeInternal, "request outcome could not be recorded", err)
			}
			publish(storeCtx, opts.Notifier, scope)
			metrics.IdempotencyOutcomesTotal.WithLabelValues(scope.Action, "executed").Inc()
			return result, nil
		}
	}

	if err := opts.Store.StoreError(storeCtx, scope, apperror.RecordOf(execErr)); err != nil {
		log.Errorf("[Idempotency] store error for %s failed: %v", scope.Action, err)
		release(storeCtx, opts, scope)
	}
	publish(storeCtx, opts.Notifier, scope)
	metrics.IdempotencyOutcomesTotal.WithLabelValues(scope.Action, "failed").Inc()
	return zero, execErr
}

// release frees a key whose outcome could not be stored. Waiters then see
// the key vanish and a retry executes again instead of waiting out the TTL.
func release[T any](ctx context.Context, opts Options[T], scope Scope) {
	if err := opts.Store.Release(ctx, scope); err != nil {
		log.Errorf("[Idempotency] release %s failed: %v", scope.Action, err)
		return
	}
	publish(ctx, opts.Notifier, scope)
}

func publish(ctx context.Context, n Notifier, scope Scope) {
	if n == nil {
		return
	}
	if err := n.Publish(ctx, scope); err != nil {
		log.Debugf("[Idempotency] publish completion failed: %v", err)
	}
}

// await polls the store until the claimant's outcome appears or MaxWait
// elapses.
func await[T any](ctx context.Context, opts Options[T], scope Scope) (T, error) {
	var zero T

	var wake <-chan struct{}
	if opts.Notifier != nil {
		ch, unsubscribe, err := opts.Notifier.Subscribe(ctx, scope)
		if err != nil {
			log.Debugf("[Idempotency] subscribe failed, polling only: %v", err)
		} else {
			wake = ch
			defer unsubscribe()
		}
	}

	deadline := time.NewTimer(opts.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		done, gone, result, err := check(ctx, opts, scope)
		if done {
			return result, err
		}
		if gone {
			// The claimant released the key or it expired and was pruned.
			now := opts.Now()
			claimed, err := opts.Store.Claim(ctx, Claim{Scope: scope, Now: now, ExpiresAt: now.Add(opts.TTL)})
			if err != nil {
				return zero, apperror.Wrap(apperror.CodeInternal, "", err)
			}
			if claimed {
				return execute(ctx, opts, scope)
			}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline.C:
			metrics.IdempotencyOutcomesTotal.WithLabelValues(scope.Action, "conflict").Inc()
			return zero, apperror.New(apperror.CodeConflict, "a request with this idempotency key is still in progress")
		case <-ticker.C:
		case <-wake:
		}
	}
}

func check[T any](ctx context.Context, opts Options[T], scope Scope) (done, gone bool, _ T, _ error) {
	var zero T

	rec, err := opts.Store.Find(ctx, scope)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return true, false, zero, err
		}
		return true, false, zero, apperror.Wrap(apperror.CodeInternal, "", err)
	}
	if rec == nil {
		return false, true, zero, nil
	}

	if rec.ErrorCode != nil {
		msg := ""
		if rec.ErrorMessage != nil {
			msg = *rec.ErrorMessage
		}
		metrics.IdempotencyOutcomesTotal.WithLabelValues(scope.Action, "replayed_error").Inc()
		return true, false, zero, apperror.Record{Code: apperror.Code(*rec.ErrorCode), Message: msg}.Err()
	}
	if rec.ResultJSON != nil {
		v, err := opts.Decode([]byte(*rec.ResultJSON))
		if err != nil {
			return true, false, zero, apperror.Wrap(apperror.CodeInternal, "stored result could not be decoded", err)
		}
		metrics.IdempotencyOutcomesTotal.WithLabelValues(scope.Action, "replayed").Inc()
		return true, false, v, nil
	}
	return false, false, zero, nil
}
