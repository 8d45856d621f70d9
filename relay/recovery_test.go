package relay_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/relay"
)

func TestRecovery_SweepResumesPendingTransfers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, nil)
	e.client.On("CallContract", mock.Anything, callTo(usedNoncesSelector)).
		Return(common.BigToHash(big.NewInt(1)).Bytes(), nil)

	for _, txHash := range []string{"0x01", "0x02"} {
		tr, err := e.executor.NewTransfer(entity.OperationStartJob, "job-"+txHash, txHash)
		require.NoError(t, err)
		tr.Status = entity.StatusPollingAttestation
		_, err = e.repo.Upsert(ctx, tr)
		require.NoError(t, err)
	}
	done, err := e.executor.NewTransfer(entity.OperationStartJob, "job-done", "0x03")
	require.NoError(t, err)
	done.Status = entity.StatusCompleted
	_, err = e.repo.Upsert(ctx, done)
	require.NoError(t, err)

	r := relay.NewRecovery(logging.New(), e.store, e.executor, "@every 1h", time.Minute)
	resumed, err := r.Sweep(ctx, "startup")
	require.NoError(t, err)
	require.Equal(t, 2, resumed)
	e.executor.Wait()

	pending, err := e.store.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

type countingResumer struct {
	resumed chan *entity.Transfer
}

func (r *countingResumer) Resume(t *entity.Transfer) bool {
	r.resumed <- t
	return true
}

type staticLister []*entity.Transfer

func (l staticLister) ListPending(context.Context) ([]*entity.Transfer, error) {
	return l, nil
}

func TestRecovery_SweepLazilyIsDebounced(t *testing.T) {
	t.Parallel()

	resumer := &countingResumer{resumed: make(chan *entity.Transfer, 10)}
	pending := staticLister{entity.NewTransfer(entity.OperationStartJob, "job-1", "0x01")}
	r := relay.NewRecovery(logging.New(), pending, resumer, "@every 1h", time.Hour)

	r.SweepLazily(context.Background())
	select {
	case tr := <-resumer.resumed:
		require.Equal(t, "job-1", tr.JobID)
	case <-time.After(time.Second):
		t.Fatal("lazy sweep did not run")
	}

	r.SweepLazily(context.Background())
	select {
	case <-resumer.resumed:
		t.Fatal("lazy sweep was not debounced")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRecovery_Start(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := relay.NewRecovery(logging.New(), staticLister{}, &countingResumer{}, "not a schedule", time.Minute)
	require.Error(t, r.Start(ctx))

	r = relay.NewRecovery(logging.New(), staticLister{}, &countingResumer{}, "@every 1h", time.Minute)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()
	cancel()
	require.NoError(t, <-errCh)
}
