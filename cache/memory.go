package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/omni/cctp-relayer/entity"
)

type memoryCache struct {
	mu        sync.RWMutex
	transfers map[string]*entity.Transfer
	byStatus  map[string]string
	byJob     map[string]string
}

// NewMemoryCache returns a process local cache. It is empty after a restart.
func NewMemoryCache() Cache {
	return &memoryCache{
		transfers: make(map[string]*entity.Transfer),
		byStatus:  make(map[string]string),
		byJob:     make(map[string]string),
	}
}

func (c *memoryCache) Get(_ context.Context, op entity.Operation, sourceTxHash string) (*entity.Transfer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.get(transferKey(op, sourceTxHash))
}

func (c *memoryCache) GetByStatusKey(_ context.Context, op entity.Operation, statusKey string) (*entity.Transfer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byStatus[statusKeyIndex(op, statusKey)]
	if !ok {
		return nil, ErrMiss
	}
	return c.get(key)
}

func (c *memoryCache) GetByJobID(_ context.Context, op entity.Operation, jobID string) (*entity.Transfer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byJob[jobIndex(op, jobID)]
	if !ok {
		return nil, ErrMiss
	}
	return c.get(key)
}

func (c *memoryCache) get(key string) (*entity.Transfer, error) {
	t, ok := c.transfers[key]
	if !ok {
		return nil, ErrMiss
	}
	return t.Clone(), nil
}

func (c *memoryCache) Set(_ context.Context, transfer *entity.Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := transferKey(transfer.Operation, transfer.SourceTxHash)
	c.transfers[key] = transfer.Clone()
	c.byStatus[statusKeyIndex(transfer.Operation, transfer.StatusKey)] = key
	c.byJob[jobIndex(transfer.Operation, transfer.JobID)] = key
	return nil
}

func (c *memoryCache) List(_ context.Context) ([]*entity.Transfer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]*entity.Transfer, 0, len(c.transfers))
	for _, t := range c.transfers {
		res = append(res, t.Clone())
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Key() < res[j].Key()
	})
	return res, nil
}

func (c *memoryCache) Close() error {
	return nil
}
