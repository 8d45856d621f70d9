package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/omni/cctp-relayer/entity"
)

var ErrMiss = errors.New("cache miss")

// Cache is the hot copy of transfer records. Records are addressed by their
// natural key, with secondary indexes by status key and by job id.
type Cache interface {
	Get(ctx context.Context, op entity.Operation, sourceTxHash string) (*entity.Transfer, error)
	GetByStatusKey(ctx context.Context, op entity.Operation, statusKey string) (*entity.Transfer, error)
	GetByJobID(ctx context.Context, op entity.Operation, jobID string) (*entity.Transfer, error)
	Set(ctx context.Context, transfer *entity.Transfer) error
	List(ctx context.Context) ([]*entity.Transfer, error)
	Close() error
}

func transferKey(op entity.Operation, sourceTxHash string) string {
	return fmt.Sprintf("%s:%s", op, sourceTxHash)
}

func statusKeyIndex(op entity.Operation, statusKey string) string {
	return fmt.Sprintf("%s:%s", op, statusKey)
}

func jobIndex(op entity.Operation, jobID string) string {
	return fmt.Sprintf("%s:%s", op, jobID)
}
