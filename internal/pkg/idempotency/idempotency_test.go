package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/database/dbtest"
)

type checkoutResult struct {
	URL string `json:"url"`
}

const actionCheckout = "billing:createCheckoutSession"

func newStore(t *testing.T) *GormStore {
	t.Helper()
	return NewGormStore(dbtest.New(t))
}

func scopeFor(userID uint) Scope {
	return Scope{UserID: userID, Action: actionCheckout, Key: uuid.NewString()}
}

func TestRunExecutesOnceForConcurrentCallers(t *testing.T) {
	store := newStore(t)
	scope := scopeFor(1)

	var calls atomic.Int32
	const callers = 5

	var wg sync.WaitGroup
	results := make([]checkoutResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Run(context.Background(), Options[checkoutResult]{
				Store:        store,
				Scope:        scope,
				PollInterval: 10 * time.Millisecond,
				Execute: func(ctx context.Context) (checkoutResult, error) {
					calls.Add(1)
					time.Sleep(50 * time.Millisecond)
					return checkoutResult{URL: "https://x/cs_1"}, nil
				},
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "https://x/cs_1", results[i].URL)
	}
}

func TestRunReplaysStoredApplicationError(t *testing.T) {
	store := newStore(t)
	scope := scopeFor(2)

	var calls atomic.Int32
	opts := Options[checkoutResult]{
		Store: store,
		Scope: scope,
		Execute: func(ctx context.Context) (checkoutResult, error) {
			calls.Add(1)
			return checkoutResult{}, apperror.New(apperror.CodeRateLimited, "slow down")
		},
	}

	_, first := Run(context.Background(), opts)
	_, second := Run(context.Background(), opts)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, apperror.CodeRateLimited, apperror.CodeOf(first))
	assert.Equal(t, apperror.CodeRateLimited, apperror.CodeOf(second))
	assert.Equal(t, "RATE_LIMITED: slow down", second.Error())
}

func TestRunStoresUnknownErrorsAsInternal(t *testing.T) {
	store := newStore(t)
	scope := scopeFor(3)
	boom := errors.New(strings.Repeat("stripe exploded ", 100))

	_, err := Run(context.Background(), Options[checkoutResult]{
		Store:   store,
		Scope:   scope,
		Execute: func(ctx context.Context) (checkoutResult, error) { return checkoutResult{}, boom },
	})
	assert.ErrorIs(t, err, boom, "claimant sees the original error")

	rec, err := store.Find(context.Background(), scope)
	require.NoError(t, err)
	require.NotNil(t, rec.ErrorCode)
	assert.Equal(t, string(apperror.CodeInternal), *rec.ErrorCode)
	assert.LessOrEqual(t, len(*rec.ErrorMessage), apperror.MaxMessageLength)
	assert.Equal(t, models.IdempotencyStateFailed, rec.State())
}

func TestRunTimesOutWithConflictWhileClaimantIsInFlight(t *testing.T) {
	store := newStore(t)
	scope := scopeFor(4)
	now := time.Now().UTC()

	claimed, err := store.Claim(context.Background(), Claim{Scope: scope, Now: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, claimed)

	var calls atomic.Int32
	start := time.Now()
	_, err = Run(context.Background(), Options[checkoutResult]{
		Store:        store,
		Scope:        scope,
		MaxWait:      60 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Execute: func(ctx context.Context) (checkoutResult, error) {
			calls.Add(1)
			return checkoutResult{}, nil
		},
	})

	assert.ErrorIs(t, err, apperror.Conflict)
	assert.Zero(t, calls.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunDecodeFailureIsInternal(t *testing.T) {
	store := newStore(t)
	scope := scopeFor(5)
	now := time.Now().UTC()

	_, err := store.Claim(context.Background(), Claim{Scope: scope, Now: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, store.StoreResult(context.Background(), scope, []byte("not json")))

	_, err = Run(context.Background(), Options[checkoutResult]{
		Store:   store,
		Scope:   scope,
		Execute: func(ctx context.Context) (checkoutResult, error) { return checkoutResult{}, nil },
	})
	assert.Equal(t, apperror.CodeInternal, apperror.CodeOf(err))
}

func TestRunUsesCustomCodec(t *testing.T) {
	store := newStore(t)
	scope := scopeFor(6)

	opts := Options[string]{
		Store:   store,
		Scope:   scope,
		Encode:  func(s string) ([]byte, error) { return []byte("v1:" + s), nil },
		Decode:  func(b []byte) (string, error) { return strings.TrimPrefix(string(b), "v1:"), nil },
		Execute: func(ctx context.Context) (string, error) { return "cs_42", nil },
	}

	first, err := Run(context.Background(), opts)
	require.NoError(t, err)
	second, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "cs_42", first)
	assert.Equal(t, first, second)
}

func TestRunReusesKeyAfterExpiry(t *testing.T) {
	store := newStore(t)
	scope := scopeFor(7)
	clock := time.Now().UTC()

	var calls atomic.Int32
	opts := Options[checkoutResult]{
		Store: store,
		Scope: scope,
		TTL:   time.Hour,
		Now:   func() time.Time { return clock },
		Execute: func(ctx context.Context) (checkoutResult, error) {
			n := calls.Add(1)
			return checkoutResult{URL: "https://x/cs_" + string(rune('0'+n))}, nil
		},
	}

	first, err := Run(context.Background(), opts)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	second, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "https://x/cs_1", first.URL)
	assert.Equal(t, "https://x/cs_2", second.URL)
}

func TestRunNormalizesKeyCase(t *testing.T) {
	store := newStore(t)
	key := uuid.NewString()

	var calls atomic.Int32
	run := func(k string) (checkoutResult, error) {
		return Run(context.Background(), Options[checkoutResult]{
			Store: store,
			Scope: Scope{UserID: 8, Action: actionCheckout, Key: k},
			Execute: func(ctx context.Context) (checkoutResult, error) {
				calls.Add(1)
				return checkoutResult{URL: "https://x/cs_8"}, nil
			},
		})
	}

	_, err := run(key)
	require.NoError(t, err)
	got, err := run(strings.ToUpper(key))
	require.NoError(t, err)
	assert.Equal(t, "https://x/cs_8", got.URL)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunRejectsInvalidScope(t *testing.T) {
	store := newStore(t)

	tests := []Scope{
		{UserID: 1, Action: actionCheckout, Key: "not-a-uuid"},
		{UserID: 0, Action: actionCheckout, Key: uuid.NewString()},
		{UserID: 1, Action: " ", Key: uuid.NewString()},
	}
	for _, sc := range tests {
		_, err := Run(context.Background(), Options[checkoutResult]{
			Store: store,
			Scope: sc,
			Execute: func(ctx context.Context) (checkoutResult, error) {
				t.Fatal("execute must not run for an invalid scope")
				return checkoutResult{}, nil
			},
		})
		assert.ErrorIs(t, err, apperror.Validation)
	}
}

type chanNotifier struct {
	mu   sync.Mutex
	subs map[Scope][]chan struct{}
}

func (n *chanNotifier) Publish(_ context.Context, s Scope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[s] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *chanNotifier) Subscribe(_ context.Context, s Scope) (<-chan struct{}, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = map[Scope][]chan struct{}{}
	}
	ch := make(chan struct{}, 1)
	n.subs[s] = append(n.subs[s], ch)
	return ch, func() {}, nil
}

func TestRunWakesWaitersThroughNotifier(t *testing.T) {
	store := newStore(t)
	scope := scopeFor(9)
	notifier := &chanNotifier{}

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = Run(context.Background(), Options[checkoutResult]{
			Store:    store,
			Scope:    scope,
			Notifier: notifier,
			Execute: func(ctx context.Context) (checkoutResult, error) {
				close(started)
				<-release
				return checkoutResult{URL: "https://x/cs_9"}, nil
			},
		})
	}()
	<-started

	done := make(chan checkoutResult, 1)
	go func() {
		// Polling alone would not observe the result before MaxWait.
		got, err := Run(context.Background(), Options[checkoutResult]{
			Store:        store,
			Scope:        scope,
			Notifier:     notifier,
			MaxWait:      3 * time.Second,
			PollInterval: 2 * time.Second,
			Execute: func(ctx context.Context) (checkoutResult, error) {
				return checkoutResult{}, errors.New("must not execute")
			},
		})
		if err == nil {
			done <- got
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case got, ok := <-done:
		require.True(t, ok, "waiter returned an error")
		assert.Equal(t, "https://x/cs_9", got.URL)
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("waiter was not woken by the notifier")
	}
}

// resultFailingStore refuses to record the first n results.
type resultFailingStore struct {
	*GormStore
	failures atomic.Int32
}

func (s *resultFailingStore) StoreResult(ctx context.Context, sc Scope, result []byte) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return s.GormStore.StoreResult(ctx, sc, result)
}

func TestRunReleasesKeyWhenResultCannotBeRecorded(t *testing.T) {
	store := &resultFailingStore{GormStore: newStore(t)}
	store.failures.Store(1)
	scope := scopeFor(11)

	var calls atomic.Int32
	opts := Options[checkoutResult]{
		Store: store,
		Scope: scope,
		Execute: func(ctx context.Context) (checkoutResult, error) {
			calls.Add(1)
			return checkoutResult{URL: "https://x/cs_11"}, nil
		},
	}

	_, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeInternal, apperror.CodeOf(err))

	rec, err := store.Find(context.Background(), scope)
	require.NoError(t, err)
	assert.Nil(t, rec, "in-progress key must be released")

	got, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "https://x/cs_11", got.URL)
	assert.EqualValues(t, 2, calls.Load())

	rec, err = store.Find(context.Background(), scope)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.IdempotencyStateSucceeded, rec.State())
}

func TestRunWaiterReclaimsReleasedKey(t *testing.T) {
	store := newStore(t)
	scope := scopeFor(12)
	now := time.Now().UTC()

	claimed, err := store.Claim(context.Background(), Claim{Scope: scope, Now: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, claimed)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Release(context.Background(), scope)
	}()

	var calls atomic.Int32
	got, err := Run(context.Background(), Options[checkoutResult]{
		Store:        store,
		Scope:        scope,
		MaxWait:      2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Execute: func(ctx context.Context) (checkoutResult, error) {
			calls.Add(1)
			return checkoutResult{URL: "https://x/cs_12"}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://x/cs_12", got.URL)
	assert.EqualValues(t, 1, calls.Load())
}
