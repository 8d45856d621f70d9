package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/omni/cctp-relayer/db"
	"github.com/omni/cctp-relayer/entity"
)

// TransfersRepo keeps transfers in process memory with the same conflict
// rules as the postgres repository. It backs tests and database-less runs.
type TransfersRepo struct {
	mu        sync.Mutex
	transfers map[string]*entity.Transfer
	err       error
}

var _ entity.TransfersRepo = (*TransfersRepo)(nil)

func NewTransfersRepo() *TransfersRepo {
	return &TransfersRepo{transfers: make(map[string]*entity.Transfer)}
}

// SetError makes every following call fail with err, nil restores normal operation.
func (r *TransfersRepo) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *TransfersRepo) Upsert(_ context.Context, transfer *entity.Transfer) (*entity.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	now := time.Now()
	cur, ok := r.transfers[transfer.Key()]
	if !ok {
		t := transfer.Clone()
		t.StatusRank = t.Status.Rank()
		t.CreatedAt, t.UpdatedAt = &now, &now
		r.transfers[t.Key()] = t
		return t.Clone(), nil
	}
	if !cur.Status.CanTransitionTo(transfer.Status) {
		return nil, entity.ErrStatusRegression
	}
	t := transfer.Clone()
	t.StatusRank = t.Status.Rank()
	t.CreatedAt, t.UpdatedAt = cur.CreatedAt, &now
	keepNonEmpty(&t.SourceChain, cur.SourceChain)
	keepNonEmpty(&t.DestinationChain, cur.DestinationChain)
	keepNonEmpty(&t.BurnTxHash, cur.BurnTxHash)
	keepNonEmpty(&t.Recipient, cur.Recipient)
	keepNonEmpty(&t.Amount, cur.Amount)
	keepNonEmpty(&t.Message, cur.Message)
	keepNonEmpty(&t.Attestation, cur.Attestation)
	keepNonEmpty(&t.SubmittedTxHash, cur.SubmittedTxHash)
	keepNonEmpty(&t.CompletionTxHash, cur.CompletionTxHash)
	if t.MilestoneIndex == nil {
		t.MilestoneIndex = cur.MilestoneIndex
	}
	if cur.GasUsed > t.GasUsed {
		t.GasUsed = cur.GasUsed
	}
	if cur.Attempts > t.Attempts {
		t.Attempts = cur.Attempts
	}
	r.transfers[t.Key()] = t
	return t.Clone(), nil
}

func keepNonEmpty(dst *string, stored string) {
	if *dst == "" {
		*dst = stored
	}
}

func (r *TransfersRepo) Claim(_ context.Context, transfer *entity.Transfer) (*entity.Transfer, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, false, r.err
	}
	now := time.Now()
	cur, ok := r.transfers[transfer.Key()]
	if !ok {
		t := transfer.Clone()
		t.StatusRank = t.Status.Rank()
		t.CreatedAt, t.UpdatedAt = &now, &now
		r.transfers[t.Key()] = t
		return t.Clone(), true, nil
	}
	if cur.Status != entity.StatusFailed {
		return cur.Clone(), false, nil
	}
	cur.Status = transfer.Status
	cur.StatusRank = transfer.Status.Rank()
	cur.Step = entity.StepRetriggered
	cur.LastError = ""
	cur.Attempts++
	cur.UpdatedAt = &now
	return cur.Clone(), true, nil
}

func (r *TransfersRepo) find(match func(t *entity.Transfer) bool) (*entity.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var res *entity.Transfer
	for _, t := range r.transfers {
		if match(t) && (res == nil || t.UpdatedAt.After(*res.UpdatedAt)) {
			res = t
		}
	}
	if res == nil {
		return nil, db.ErrNotFound
	}
	return res.Clone(), nil
}

func (r *TransfersRepo) GetBySourceTxHash(_ context.Context, op entity.Operation, sourceTxHash string) (*entity.Transfer, error) {
	return r.find(func(t *entity.Transfer) bool {
		return t.Operation == op && t.SourceTxHash == sourceTxHash
	})
}

func (r *TransfersRepo) GetByStatusKey(_ context.Context, op entity.Operation, statusKey string) (*entity.Transfer, error) {
	return r.find(func(t *entity.Transfer) bool {
		return t.Operation == op && t.StatusKey == statusKey
	})
}

func (r *TransfersRepo) GetLatestByJobID(_ context.Context, op entity.Operation, jobID string) (*entity.Transfer, error) {
	return r.find(func(t *entity.Transfer) bool {
		return t.Operation == op && t.JobID == jobID
	})
}

func (r *TransfersRepo) FindByStatuses(_ context.Context, statuses ...entity.Status) ([]*entity.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	res := make([]*entity.Transfer, 0, 10)
	for _, t := range r.transfers {
		for _, status := range statuses {
			if t.Status == status {
				res = append(res, t.Clone())
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(*res[j].CreatedAt)
	})
	return res, nil
}
