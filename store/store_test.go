package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omni/cctp-relayer/cache"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/repository/bolt"
	"github.com/omni/cctp-relayer/repository/memory"
	"github.com/omni/cctp-relayer/store"
)

var errDatabaseDown = errors.New("database is down")

func newStore(t *testing.T) (*store.Store, *memory.TransfersRepo) {
	t.Helper()
	repo := memory.NewTransfersRepo()
	paymentLog, err := bolt.NewPaymentLogRepo(filepath.Join(t.TempDir(), "payment_log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = paymentLog.Close() })
	s := store.New(logging.New(), repo, cache.NewMemoryCache(), paymentLog)
	s.SetRetryDelays(5*time.Millisecond, 20*time.Millisecond)
	return s, repo
}

func TestStore_FromDatabaseFlag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, repo := newStore(t)
	var misses int32
	s.OnCacheMiss(func(context.Context) { atomic.AddInt32(&misses, 1) })

	seeded := entity.NewTransfer(entity.OperationStartJob, "test-1", "0xaaa1")
	seeded.Status = entity.StatusCompleted
	_, err := repo.Upsert(ctx, seeded)
	require.NoError(t, err)

	res, err := s.GetByKey(ctx, entity.OperationStartJob, "test-1")
	require.NoError(t, err)
	require.True(t, res.FromDatabase)
	require.Equal(t, entity.StatusCompleted, res.Transfer.Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&misses))

	res, err = s.GetByKey(ctx, entity.OperationStartJob, "test-1")
	require.NoError(t, err)
	require.False(t, res.FromDatabase)

	_, err = s.GetByKey(ctx, entity.OperationStartJob, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, int32(2), atomic.LoadInt32(&misses))
}

func TestStore_UpsertRejectsRegression(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, repo := newStore(t)

	tr := entity.NewTransfer(entity.OperationReleasePayment, "job-1", "0x01")
	tr.Status = entity.StatusCompleted
	tr.Step = entity.StepRelayed
	_, err := s.Upsert(ctx, tr)
	require.NoError(t, err)

	stale := entity.NewTransfer(entity.OperationReleasePayment, "job-1", "0x01")
	cur, err := s.Upsert(ctx, stale)
	require.ErrorIs(t, err, entity.ErrStatusRegression)
	require.Equal(t, entity.StatusCompleted, cur.Status)

	stored, err := repo.GetBySourceTxHash(ctx, entity.OperationReleasePayment, "0x01")
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, stored.Status)
}

func TestStore_UpsertRejectsRegressionWithColdCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, repo := newStore(t)

	tr := entity.NewTransfer(entity.OperationStartJob, "job-1", "0x01")
	tr.Status = entity.StatusPollingAttestation
	_, err := repo.Upsert(ctx, tr)
	require.NoError(t, err)

	cur, err := s.Upsert(ctx, entity.NewTransfer(entity.OperationStartJob, "job-1", "0x01"))
	require.ErrorIs(t, err, entity.ErrStatusRegression)
	require.Equal(t, entity.StatusPollingAttestation, cur.Status)
}

func TestStore_IndependentMilestoneLocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)

	tx1 := entity.NewTransfer(entity.OperationLockMilestone, "test-2", "tx1")
	tx1.Status = entity.StatusCompleted
	tx2 := entity.NewTransfer(entity.OperationLockMilestone, "test-2", "tx2")
	_, err := s.Upsert(ctx, tx1)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, tx2)
	require.NoError(t, err)

	res, err := s.GetByKey(ctx, entity.OperationLockMilestone, "lock-test-2-tx1")
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, res.Transfer.Status)

	res, err = s.GetByKey(ctx, entity.OperationLockMilestone, "lock-test-2-tx2")
	require.NoError(t, err)
	require.Equal(t, entity.StatusPending, res.Transfer.Status)
}

func TestStore_Claim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)

	_, res, err := s.Claim(ctx, entity.NewTransfer(entity.OperationStartJob, "test-3", "0xbbb"))
	require.NoError(t, err)
	require.Equal(t, entity.ClaimProcessing, res)

	_, res, err = s.Claim(ctx, entity.NewTransfer(entity.OperationStartJob, "test-3", "0xbbb"))
	require.NoError(t, err)
	require.Equal(t, entity.ClaimAlreadyProcessing, res)

	failed := entity.NewTransfer(entity.OperationStartJob, "test-3", "0xbbb")
	failed.Status = entity.StatusFailed
	failed.LastError = "attestation timeout"
	_, err = s.Upsert(ctx, failed)
	require.NoError(t, err)

	reopened, res, err := s.Claim(ctx, entity.NewTransfer(entity.OperationStartJob, "test-3", "0xbbb"))
	require.NoError(t, err)
	require.Equal(t, entity.ClaimProcessing, res)
	require.Equal(t, entity.StatusPending, reopened.Status)
	require.Equal(t, uint(2), reopened.Attempts)
}

func TestStore_ClaimIgnoresTxHashCase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, repo := newStore(t)
	lower := "0xabcdef0000000000000000000000000000000000000000000000000000000001"
	upper := "0xABCDEF0000000000000000000000000000000000000000000000000000000001"

	_, res, err := s.Claim(ctx, entity.NewTransfer(entity.OperationStartJob, "j", lower))
	require.NoError(t, err)
	require.Equal(t, entity.ClaimProcessing, res)

	_, res, err = s.Claim(ctx, entity.NewTransfer(entity.OperationStartJob, "j", upper))
	require.NoError(t, err)
	require.Equal(t, entity.ClaimAlreadyProcessing, res)

	pending, err := repo.FindByStatuses(ctx, entity.StatusPending, entity.StatusPollingAttestation)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	lookup, err := s.GetBySourceTxHash(ctx, entity.OperationStartJob, upper)
	require.NoError(t, err)
	require.Equal(t, lower, lookup.Transfer.SourceTxHash)
}

func TestStore_PersistenceFailureIsRetried(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, repo := newStore(t)
	go s.StartRetryLoop(ctx)

	repo.SetError(errDatabaseDown)

	tr := entity.NewTransfer(entity.OperationStartJob, "job-9", "0x09")
	_, res, err := s.Claim(ctx, tr)
	require.NoError(t, err)
	require.Equal(t, entity.ClaimProcessing, res)

	tr.Status = entity.StatusPollingAttestation
	tr.Step = entity.StepPollingAttestation
	_, err = s.Upsert(ctx, tr)
	require.NoError(t, err)
	require.Equal(t, 1, s.PendingWrites())

	lookup, err := s.GetByKey(ctx, entity.OperationStartJob, "job-9")
	require.NoError(t, err)
	require.False(t, lookup.FromDatabase)
	require.Equal(t, entity.StatusPollingAttestation, lookup.Transfer.Status)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	repo.SetError(nil)
	require.Eventually(t, func() bool {
		return s.PendingWrites() == 0
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := repo.GetBySourceTxHash(ctx, entity.OperationStartJob, "0x09")
	require.NoError(t, err)
	require.Equal(t, entity.StatusPollingAttestation, stored.Status)
}

func TestStore_NonPositiveRetryDelaysAreIgnored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, repo := newStore(t)
	s.SetRetryDelays(0, -time.Second)
	go s.StartRetryLoop(ctx)

	repo.SetError(errDatabaseDown)
	_, _, err := s.Claim(ctx, entity.NewTransfer(entity.OperationStartJob, "job-10", "0x10"))
	require.NoError(t, err)
	require.Equal(t, 1, s.PendingWrites())

	repo.SetError(nil)
	require.Eventually(t, func() bool {
		return s.PendingWrites() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_PaymentLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t)

	done := entity.NewTransfer(entity.OperationLockMilestone, "job-1", "tx1")
	_, _, err := s.Claim(ctx, done)
	require.NoError(t, err)
	done.Status = entity.StatusCompleted
	_, err = s.Upsert(ctx, done)
	require.NoError(t, err)

	failed := entity.NewTransfer(entity.OperationLockMilestone, "job-1", "tx2")
	_, _, err = s.Claim(ctx, failed)
	require.NoError(t, err)
	failed.Status = entity.StatusFailed
	failed.LastError = "reverted"
	_, err = s.Upsert(ctx, failed)
	require.NoError(t, err)

	entries, err := s.ListPaymentLog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "tx2", entries[0].SourceTxHash)
	require.Equal(t, "reverted", entries[0].Error)
}
