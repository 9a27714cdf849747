package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantIncreasesBalance(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	grant, err := svc.Grant(ctx, 1, 5, "pay_001", 4720, "USD", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), grant.Amount)

	b, err := svc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Available)
	assert.Equal(t, int64(5), b.TotalGranted)
	assert.Equal(t, int64(0), b.TotalConsumed)
}

func TestGrantIdempotentOnPaymentRef(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	first, err := svc.Grant(ctx, 1, 5, "pay_dup", 4720, "USD", nil)
	require.NoError(t, err)

	second, err := svc.Grant(ctx, 1, 5, "pay_dup", 4720, "USD", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	b, err := svc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.TotalGranted, "replayed grant must not double-mint")
}

func TestGrantIdempotentUnderConcurrency(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	ids := make([]uint, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := svc.Grant(ctx, 1, 5, "pay_race", 4720, "USD", nil)
			errs[i] = err
			if err == nil {
				ids[i] = g.ID
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, id := range ids {
		assert.Equal(t, ids[0], id, "all callers must observe the same grant")
	}
	b, err := svc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.TotalGranted)
}

func TestReserveInsufficientCredit(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	_, err := svc.Reserve(ctx, 1, "job-1")
	assert.ErrorIs(t, err, ErrInsufficientCredit)
}

func TestReserveDuplicateJob(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, 2, "pay_002", 2000, "USD", nil)
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, 1, "job-1")
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, 1, "job-1")
	assert.ErrorIs(t, err, ErrAlreadyReserved)
}

func TestNoOverspendUnderConcurrency(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	const k = 5
	const m = 7
	_, err := svc.Grant(ctx, 1, k, "pay_003", 5000, "USD", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, k+m)
	for i := 0; i < k+m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(ctx, 1, fmt.Sprintf("job-%d", i))
		}(i)
	}
	wg.Wait()

	successes := 0
	insufficient := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientCredit):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, k, successes)
	assert.Equal(t, m, insufficient)

	b, err := svc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Available)
	assert.Equal(t, int64(k), b.Held)
}

func TestConsumeAndRelease(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, 2, "pay_004", 2000, "USD", nil)
	require.NoError(t, err)

	r1, err := svc.Reserve(ctx, 1, "job-a")
	require.NoError(t, err)
	r2, err := svc.Reserve(ctx, 1, "job-b")
	require.NoError(t, err)

	require.NoError(t, svc.Consume(ctx, r1.ID))
	require.NoError(t, svc.Release(ctx, r2.ID))

	b, err := svc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Available)
	assert.Equal(t, int64(1), b.TotalConsumed)
	assert.Equal(t, int64(0), b.Held)
}

func TestResolveIdempotency(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, 2, "pay_005", 2000, "USD", nil)
	require.NoError(t, err)

	r, err := svc.Reserve(ctx, 1, "job-a")
	require.NoError(t, err)

	require.NoError(t, svc.Consume(ctx, r.ID))
	require.NoError(t, svc.Consume(ctx, r.ID), "consuming a consumed reservation is a no-op")

	b, err := svc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.TotalConsumed, "replayed consume must not double-count")

	// Crossing terminal states is a contract violation.
	assert.ErrorIs(t, svc.Release(ctx, r.ID), ErrInvalidReservationState)
}

func TestReleaseIdempotency(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, 1, "pay_006", 1000, "USD", nil)
	require.NoError(t, err)

	r, err := svc.Reserve(ctx, 1, "job-a")
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, r.ID))
	require.NoError(t, svc.Release(ctx, r.ID))
	assert.ErrorIs(t, svc.Consume(ctx, r.ID), ErrInvalidReservationState)

	b, err := svc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Available, "released credit is available again")
}

func TestExpiredGrantsExcludedFromAvailable(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(24 * time.Hour)

	_, err := svc.Grant(ctx, 1, 3, "pay_expired", 3000, "USD", &past)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 1, 2, "pay_live", 2000, "USD", &future)
	require.NoError(t, err)

	b, err := svc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Available, "expired grant contributes 0")
	assert.Equal(t, int64(5), b.TotalGranted)
	require.NotNil(t, b.NextExpiry)
	assert.WithinDuration(t, future, *b.NextExpiry, time.Second)
}

func TestCrossAccountIndependence(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, 1, "pay_u1", 1000, "USD", nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 2, 3, "pay_u2", 3000, "USD", nil)
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, 1, "job-u1")
	require.NoError(t, err)

	b2, err := svc.BalanceFor(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b2.Available)
}
