package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omni/cctp-relayer/entity"
)

const (
	redisKeyPrefix   = "relayer:transfer:"
	redisStatusIndex = "relayer:status_key:"
	redisJobIndex    = "relayer:job:"
	redisScanCount   = 200
)

type redisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to a shared cache, so several relayer replicas see each other's progress.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &redisCache{rdb: rdb, ttl: ttl}, nil
}

func (c *redisCache) Get(ctx context.Context, op entity.Operation, sourceTxHash string) (*entity.Transfer, error) {
	return c.get(ctx, redisKeyPrefix+transferKey(op, sourceTxHash))
}

func (c *redisCache) GetByStatusKey(ctx context.Context, op entity.Operation, statusKey string) (*entity.Transfer, error) {
	return c.getIndexed(ctx, redisStatusIndex+statusKeyIndex(op, statusKey))
}

func (c *redisCache) GetByJobID(ctx context.Context, op entity.Operation, jobID string) (*entity.Transfer, error) {
	return c.getIndexed(ctx, redisJobIndex+jobIndex(op, jobID))
}

func (c *redisCache) getIndexed(ctx context.Context, index string) (*entity.Transfer, error) {
	key, err := c.rdb.Get(ctx, index).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	return c.get(ctx, key)
}

func (c *redisCache) get(ctx context.Context, key string) (*entity.Transfer, error) {
	blob, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	t := new(entity.Transfer)
	if err = json.Unmarshal(blob, t); err != nil {
		return nil, fmt.Errorf("can't decode cached transfer: %w", err)
	}
	return t, nil
}

func (c *redisCache) Set(ctx context.Context, transfer *entity.Transfer) error {
	blob, err := json.Marshal(transfer)
	if err != nil {
		return fmt.Errorf("can't encode transfer: %w", err)
	}
	key := redisKeyPrefix + transferKey(transfer.Operation, transfer.SourceTxHash)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, blob, c.ttl)
		pipe.Set(ctx, redisStatusIndex+statusKeyIndex(transfer.Operation, transfer.StatusKey), key, c.ttl)
		pipe.Set(ctx, redisJobIndex+jobIndex(transfer.Operation, transfer.JobID), key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

func (c *redisCache) List(ctx context.Context) ([]*entity.Transfer, error) {
	var res []*entity.Transfer
	iter := c.rdb.Scan(ctx, 0, redisKeyPrefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		t, err := c.get(ctx, iter.Val())
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return res, nil
}

func (c *redisCache) Close() error {
	return c.rdb.Close()
}
