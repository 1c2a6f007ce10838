package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/database/dbtest"
)

func TestEventLedgerClaimIsSingleWinner(t *testing.T) {
	ledger := NewEventLedger(dbtest.New(t))
	ctx := context.Background()

	first, err := ledger.Claim(ctx, "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	second, err := ledger.Claim(ctx, "evt_1", "customer.subscription.updated")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestEventLedgerPeekMissing(t *testing.T) {
	ledger := NewEventLedger(dbtest.New(t))
	ev, err := ledger.Peek(context.Background(), "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestEventLedgerFailureIsRetryableAndSuccessIsTerminal(t *testing.T) {
	ledger := NewEventLedger(dbtest.New(t))
	ctx := context.Background()

	_, err := ledger.Claim(ctx, "evt_1", "customer.subscription.updated")
	require.NoError(t, err)

	ev, err := ledger.Lock(ctx, "evt_1")
	require.NoError(t, err)
	require.NoError(t, ledger.CountAttempt(ctx, ev))
	assert.Equal(t, 1, ev.Attempts)
	assert.False(t, ev.Succeeded())

	require.NoError(t, ledger.MarkFailed(ctx, "evt_1", apperror.Record{Code: apperror.CodeRateLimited, Message: "slow down"}))

	ev, err = ledger.Lock(ctx, "evt_1")
	require.NoError(t, err)
	require.NoError(t, ledger.CountAttempt(ctx, ev))
	assert.Equal(t, 2, ev.Attempts)
	assert.True(t, ev.Failed())
	assert.False(t, ev.Succeeded())
	assert.Nil(t, ev.ProcessedAt)
	assert.Equal(t, "RATE_LIMITED", *ev.ErrorCode)

	require.NoError(t, ledger.MarkProcessed(ctx, "evt_1"))

	ev, err = ledger.Peek(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ev.Succeeded())
	assert.Nil(t, ev.ErrorCode)
	assert.Nil(t, ev.ErrorMessage)
}

func TestEventLedgerLockDoesNotCountAttempts(t *testing.T) {
	ledger := NewEventLedger(dbtest.New(t))
	ctx := context.Background()
	_, err := ledger.Claim(ctx, "evt_1", "invoice.paid")
	require.NoError(t, err)
	require.NoError(t, ledger.MarkProcessed(ctx, "evt_1"))

	for range 2 {
		ev, err := ledger.Lock(ctx, "evt_1")
		require.NoError(t, err)
		assert.Zero(t, ev.Attempts)
	}

	ev, err := ledger.Peek(ctx, "evt_1")
	require.NoError(t, err)
	assert.Zero(t, ev.Attempts)
}

func TestEventLedgerLockMissing(t *testing.T) {
	ledger := NewEventLedger(dbtest.New(t))
	ev, err := ledger.Lock(context.Background(), "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestEventLedgerPruneKeepsRecentAndUnfinishedEvents(t *testing.T) {
	db := dbtest.New(t)
	ledger := NewEventLedger(db)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-100 * 24 * time.Hour)

	for _, id := range []string{"evt_old_1", "evt_old_2", "evt_old_3", "evt_recent", "evt_pending", "evt_failed"} {
		_, err := ledger.Claim(ctx, id, "invoice.paid")
		require.NoError(t, err)
	}
	for _, id := range []string{"evt_old_1", "evt_old_2", "evt_old_3", "evt_recent"} {
		require.NoError(t, ledger.MarkProcessed(ctx, id))
	}
	require.NoError(t, db.Model(&models.StripeEvent{}).
		Where("event_id IN ?", []string{"evt_old_1", "evt_old_2", "evt_old_3"}).
		Update("processed_at", old).Error)
	require.NoError(t, ledger.MarkFailed(ctx, "evt_failed", apperror.Record{Code: apperror.CodeInternal, Message: "boom"}))

	cutoff := now.Add(-90 * 24 * time.Hour)
	n, err := ledger.PruneProcessedBefore(ctx, cutoff, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = ledger.PruneProcessedBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var remaining []string
	require.NoError(t, db.Model(&models.StripeEvent{}).Order("event_id").Pluck("event_id", &remaining).Error)
	assert.Equal(t, []string{"evt_failed", "evt_pending", "evt_recent"}, remaining)

	n, err = ledger.PruneProcessedBefore(ctx, cutoff, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEventLedgerMarkFailedTruncatesMessage(t *testing.T) {
	ledger := NewEventLedger(dbtest.New(t))
	ctx := context.Background()
	_, err := ledger.Claim(ctx, "evt_1", "invoice.paid")
	require.NoError(t, err)

	long := make([]byte, 2*apperror.MaxMessageLength)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, ledger.MarkFailed(ctx, "evt_1", apperror.Record{Code: apperror.CodeInternal, Message: string(long)}))

	ev, err := ledger.Peek(ctx, "evt_1")
	require.NoError(t, err)
	assert.Len(t, *ev.ErrorMessage, apperror.MaxMessageLength)
}
