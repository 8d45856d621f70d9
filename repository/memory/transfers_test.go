package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni/cctp-relayer/db"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/repository/memory"
)

func TestTransfersRepo_UpsertIsMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewTransfersRepo()

	tr := entity.NewTransfer(entity.OperationStartJob, "job-1", "0x01")
	_, err := repo.Upsert(ctx, tr)
	require.NoError(t, err)

	tr.Status = entity.StatusPollingAttestation
	tr.Message = "0xabcd"
	_, err = repo.Upsert(ctx, tr)
	require.NoError(t, err)

	stale := entity.NewTransfer(entity.OperationStartJob, "job-1", "0x01")
	_, err = repo.Upsert(ctx, stale)
	require.ErrorIs(t, err, entity.ErrStatusRegression)

	tr.Status = entity.StatusCompleted
	tr.Message = ""
	stored, err := repo.Upsert(ctx, tr)
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, stored.Status)
	require.Equal(t, "0xabcd", stored.Message)

	tr.Status = entity.StatusFailed
	_, err = repo.Upsert(ctx, tr)
	require.ErrorIs(t, err, entity.ErrStatusRegression)
}

func TestTransfersRepo_Claim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewTransfersRepo()

	tr := entity.NewTransfer(entity.OperationLockMilestone, "job-1", "0x01")
	_, claimed, err := repo.Claim(ctx, tr)
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = repo.Claim(ctx, tr)
	require.NoError(t, err)
	require.False(t, claimed)

	failed := tr.Clone()
	failed.Status = entity.StatusFailed
	failed.LastError = "boom"
	_, err = repo.Upsert(ctx, failed)
	require.NoError(t, err)

	reopened, claimed, err := repo.Claim(ctx, tr)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, entity.StatusPending, reopened.Status)
	require.Equal(t, entity.StepRetriggered, reopened.Step)
	require.Equal(t, uint(2), reopened.Attempts)
	require.Empty(t, reopened.LastError)

	_, err = repo.GetByStatusKey(ctx, entity.OperationLockMilestone, "lock-job-1-0x02")
	require.ErrorIs(t, err, db.ErrNotFound)
}
