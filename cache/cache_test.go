package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omni/cctp-relayer/cache"
	"github.com/omni/cctp-relayer/entity"
)

func testCaches(t *testing.T) map[string]cache.Cache {
	t.Helper()
	caches := map[string]cache.Cache{
		"memory": cache.NewMemoryCache(),
	}
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		c, err := cache.NewRedisCache(context.Background(), url, time.Minute)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		caches["redis"] = c
	}
	return caches
}

func TestCache_Indexes(t *testing.T) {
	t.Parallel()

	for name, c := range testCaches(t) {
		name, c := name, c
		t.Run(name, func(t *testing.T) {
			t.Logf("Running sub-test %q", name)
			ctx := context.Background()

			_, err := c.Get(ctx, entity.OperationLockMilestone, "0xmissing")
			require.ErrorIs(t, err, cache.ErrMiss)

			tx1 := entity.NewTransfer(entity.OperationLockMilestone, "cache-job", "0xcache1")
			tx1.Status = entity.StatusCompleted
			tx2 := entity.NewTransfer(entity.OperationLockMilestone, "cache-job", "0xcache2")
			require.NoError(t, c.Set(ctx, tx1))
			require.NoError(t, c.Set(ctx, tx2))

			got, err := c.GetByStatusKey(ctx, entity.OperationLockMilestone, "lock-cache-job-0xcache1")
			require.NoError(t, err)
			require.Equal(t, entity.StatusCompleted, got.Status)

			got, err = c.GetByStatusKey(ctx, entity.OperationLockMilestone, "lock-cache-job-0xcache2")
			require.NoError(t, err)
			require.Equal(t, entity.StatusPending, got.Status)

			got, err = c.GetByJobID(ctx, entity.OperationLockMilestone, "cache-job")
			require.NoError(t, err)
			require.Equal(t, "0xcache2", got.SourceTxHash)

			_, err = c.GetByJobID(ctx, entity.OperationStartJob, "cache-job")
			require.ErrorIs(t, err, cache.ErrMiss)
		})
	}
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.NewMemoryCache()
	tx := entity.NewTransfer(entity.OperationStartJob, "job-1", "0x01")
	require.NoError(t, c.Set(ctx, tx))

	tx.Status = entity.StatusFailed
	got, err := c.Get(ctx, entity.OperationStartJob, "0x01")
	require.NoError(t, err)
	require.Equal(t, entity.StatusPending, got.Status)

	got.Status = entity.StatusCompleted
	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, entity.StatusPending, list[0].Status)
}
