package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/cache"
	"github.com/omni/cctp-relayer/db"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/logging"
)

const (
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = time.Minute
)

var ErrNotFound = errors.New("transfer not found")

// Lookup is a transfer read result. FromDatabase is set when the cache could
// not answer and the durable store was read.
type Lookup struct {
	Transfer     *entity.Transfer
	FromDatabase bool
}

// Store is the single source of truth for transfers: durable repo first,
// write-through cache second. Writes for the same transfer are serialized
// and never move its status backwards.
type Store struct {
	logger     logging.Logger
	repo       entity.TransfersRepo
	cache      cache.Cache
	paymentLog entity.PaymentLogRepo
	locks      keyLock

	retryMu       sync.Mutex
	retryQueue    map[string]*entity.Transfer
	retrySignal   chan struct{}
	retryDelay    time.Duration
	maxRetryDelay time.Duration

	onCacheMiss func(ctx context.Context)
}

func New(logger logging.Logger, repo entity.TransfersRepo, c cache.Cache, paymentLog entity.PaymentLogRepo) *Store {
	return &Store{
		logger:        logger.WithField("component", "status_store"),
		repo:          repo,
		cache:         c,
		paymentLog:    paymentLog,
		retryQueue:    make(map[string]*entity.Transfer),
		retrySignal:   make(chan struct{}, 1),
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
}

// OnCacheMiss registers a hook called whenever a lookup has to fall back to the durable store.
func (s *Store) OnCacheMiss(f func(ctx context.Context)) {
	s.onCacheMiss = f
}

// SetRetryDelays overrides the persistence backoff. Non-positive values keep the current delays.
func (s *Store) SetRetryDelays(delay, maxDelay time.Duration) {
	if delay > 0 {
		s.retryDelay = delay
	}
	if maxDelay > 0 {
		s.maxRetryDelay = maxDelay
	}
	if s.maxRetryDelay < s.retryDelay {
		s.maxRetryDelay = s.retryDelay
	}
}

// Upsert persists the transfer. A write that would regress the known status
// is rejected with entity.ErrStatusRegression and the current record is returned.
// Database failures are not fatal: the cache is updated and the write is retried in background.
func (s *Store) Upsert(ctx context.Context, transfer *entity.Transfer) (*entity.Transfer, error) {
	key := transfer.Key()
	defer s.locks.Lock(key)()

	logger := s.logger.WithFields(logrus.Fields{
		"operation":      transfer.Operation,
		"source_tx_hash": transfer.SourceTxHash,
		"status":         transfer.Status,
		"step":           transfer.Step,
	})

	if cur, err := s.cache.Get(ctx, transfer.Operation, transfer.SourceTxHash); err == nil {
		if !cur.Status.CanTransitionTo(transfer.Status) {
			logger.WithField("current_status", cur.Status).Warn("ignoring regressive transfer update")
			return cur, entity.ErrStatusRegression
		}
	}

	stored, err := s.repo.Upsert(ctx, transfer)
	switch {
	case errors.Is(err, entity.ErrStatusRegression):
		cur, err2 := s.repo.GetBySourceTxHash(ctx, transfer.Operation, transfer.SourceTxHash)
		if err2 != nil {
			return nil, fmt.Errorf("can't reload transfer after rejected update: %w", err2)
		}
		s.setCache(ctx, cur)
		logger.WithField("current_status", cur.Status).Warn("ignoring regressive transfer update")
		return cur, entity.ErrStatusRegression
	case err != nil:
		logger.WithError(err).Warn("failed to persist transfer, continuing with cached state")
		PersistenceFailures.Inc()
		stored = transfer.Clone()
		now := time.Now()
		stored.UpdatedAt = &now
		if stored.CreatedAt == nil {
			stored.CreatedAt = &now
		}
		s.enqueueRetry(stored)
	default:
		s.dropRetry(key)
	}

	s.setCache(ctx, stored)
	s.appendPaymentLog(ctx, stored)
	TransfersByStatus.WithLabelValues(string(stored.Operation), string(stored.Status)).Inc()
	return stored, nil
}

// Claim atomically registers a new transfer, or reopens a failed one.
// Any other existing transfer is reported as already processing.
func (s *Store) Claim(ctx context.Context, transfer *entity.Transfer) (*entity.Transfer, entity.ClaimResult, error) {
	key := transfer.Key()
	defer s.locks.Lock(key)()

	logger := s.logger.WithFields(logrus.Fields{
		"operation":      transfer.Operation,
		"job_id":         transfer.JobID,
		"source_tx_hash": transfer.SourceTxHash,
	})

	res, claimed, err := s.repo.Claim(ctx, transfer)
	if err != nil {
		logger.WithError(err).Warn("failed to claim transfer in database, falling back to cache")
		PersistenceFailures.Inc()
		res, claimed = s.claimCached(ctx, transfer)
		if claimed {
			s.enqueueRetry(res)
		}
	}
	s.setCache(ctx, res)
	if !claimed {
		logger.WithField("status", res.Status).Info("transfer is already processing")
		return res, entity.ClaimAlreadyProcessing, nil
	}
	s.appendPaymentLog(ctx, res)
	TransfersByStatus.WithLabelValues(string(res.Operation), string(res.Status)).Inc()
	logger.WithField("attempts", res.Attempts).Info("claimed transfer")
	return res, entity.ClaimProcessing, nil
}

func (s *Store) claimCached(ctx context.Context, transfer *entity.Transfer) (*entity.Transfer, bool) {
	now := time.Now()
	cur, err := s.cache.Get(ctx, transfer.Operation, transfer.SourceTxHash)
	if err != nil {
		res := transfer.Clone()
		res.CreatedAt, res.UpdatedAt = &now, &now
		return res, true
	}
	if cur.Status != entity.StatusFailed {
		return cur, false
	}
	cur.Status = transfer.Status
	cur.Step = entity.StepRetriggered
	cur.LastError = ""
	cur.Attempts++
	cur.UpdatedAt = &now
	return cur, true
}

func (s *Store) Get(ctx context.Context, op entity.Operation, jobID string) (*Lookup, error) {
	return s.lookup(ctx,
		func() (*entity.Transfer, error) { return s.cache.GetByJobID(ctx, op, jobID) },
		func() (*entity.Transfer, error) { return s.repo.GetLatestByJobID(ctx, op, jobID) },
	)
}

func (s *Store) GetByKey(ctx context.Context, op entity.Operation, statusKey string) (*Lookup, error) {
	return s.lookup(ctx,
		func() (*entity.Transfer, error) { return s.cache.GetByStatusKey(ctx, op, statusKey) },
		func() (*entity.Transfer, error) { return s.repo.GetByStatusKey(ctx, op, statusKey) },
	)
}

func (s *Store) GetBySourceTxHash(ctx context.Context, op entity.Operation, sourceTxHash string) (*Lookup, error) {
	sourceTxHash = entity.NormalizeTxHash(sourceTxHash)
	return s.lookup(ctx,
		func() (*entity.Transfer, error) { return s.cache.Get(ctx, op, sourceTxHash) },
		func() (*entity.Transfer, error) { return s.repo.GetBySourceTxHash(ctx, op, sourceTxHash) },
	)
}

func (s *Store) lookup(ctx context.Context, fromCache, fromRepo func() (*entity.Transfer, error)) (*Lookup, error) {
	t, err := fromCache()
	if err == nil {
		CacheLookups.WithLabelValues("cache").Inc()
		return &Lookup{Transfer: t}, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.WithError(err).Warn("cache lookup failed, reading database")
	}
	if s.onCacheMiss != nil {
		s.onCacheMiss(ctx)
	}

	t, err = fromRepo()
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			CacheLookups.WithLabelValues("not_found").Inc()
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("can't read transfer: %w", err)
	}
	CacheLookups.WithLabelValues("database").Inc()
	s.setCache(ctx, t)
	return &Lookup{Transfer: t, FromDatabase: true}, nil
}

// ListPending returns transfers that are not terminal yet. Writes still waiting
// for a retry are included, and the cache is used when the database is down.
func (s *Store) ListPending(ctx context.Context) ([]*entity.Transfer, error) {
	transfers, err := s.repo.FindByStatuses(ctx, entity.StatusPending, entity.StatusPollingAttestation)
	if err != nil {
		s.logger.WithError(err).Warn("failed to list pending transfers from database, using cache")
		cached, err2 := s.cache.List(ctx)
		if err2 != nil {
			return nil, fmt.Errorf("can't list pending transfers: %w", errors.Join(err, err2))
		}
		transfers = transfers[:0]
		for _, t := range cached {
			if t.Status.IsPending() {
				transfers = append(transfers, t)
			}
		}
	}

	seen := make(map[string]bool, len(transfers))
	for _, t := range transfers {
		seen[t.Key()] = true
	}
	s.retryMu.Lock()
	for key, t := range s.retryQueue {
		if !seen[key] && t.Status.IsPending() {
			transfers = append(transfers, t.Clone())
		}
	}
	s.retryMu.Unlock()
	return transfers, nil
}

// ListPaymentLog returns the latest recovery log entry of every unresolved transfer.
func (s *Store) ListPaymentLog(ctx context.Context) ([]*entity.PaymentLogEntry, error) {
	if s.paymentLog == nil {
		return []*entity.PaymentLogEntry{}, nil
	}
	return s.paymentLog.FindUnresolved(ctx)
}

func (s *Store) setCache(ctx context.Context, t *entity.Transfer) {
	if err := s.cache.Set(ctx, t); err != nil {
		s.logger.WithError(err).WithField("status_key", t.StatusKey).Warn("failed to update transfer cache")
	}
}

func (s *Store) appendPaymentLog(ctx context.Context, t *entity.Transfer) {
	if s.paymentLog == nil {
		return
	}
	err := s.paymentLog.Append(ctx, &entity.PaymentLogEntry{
		ID:           uuid.NewString(),
		JobID:        t.JobID,
		Operation:    t.Operation,
		SourceTxHash: t.SourceTxHash,
		StatusKey:    t.StatusKey,
		Status:       t.Status,
		Step:         t.Step,
		Error:        t.LastError,
		RecordedAt:   time.Now(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("status_key", t.StatusKey).Warn("failed to append payment log entry")
	}
}

func (s *Store) enqueueRetry(t *entity.Transfer) {
	s.retryMu.Lock()
	s.retryQueue[t.Key()] = t.Clone()
	PendingWrites.Set(float64(len(s.retryQueue)))
	s.retryMu.Unlock()
	select {
	case s.retrySignal <- struct{}{}:
	default:
	}
}

func (s *Store) dropRetry(key string) {
	s.retryMu.Lock()
	delete(s.retryQueue, key)
	PendingWrites.Set(float64(len(s.retryQueue)))
	s.retryMu.Unlock()
}

// PendingWrites returns the number of writes waiting to be persisted.
func (s *Store) PendingWrites() int {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	return len(s.retryQueue)
}

// StartRetryLoop persists queued writes with exponential backoff until ctx is done.
func (s *Store) StartRetryLoop(ctx context.Context) {
	s.logger.Info("starting persistence retry loop")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.retrySignal:
		}

		backoff := retry.WithCappedDuration(s.maxRetryDelay, retry.NewExponential(s.retryDelay))
		_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if left := s.flushRetryQueue(ctx); left > 0 {
				return retry.RetryableError(fmt.Errorf("%d transfer writes are still pending", left))
			}
			return nil
		})
	}
}

func (s *Store) flushRetryQueue(ctx context.Context) int {
	s.retryMu.Lock()
	keys := make([]string, 0, len(s.retryQueue))
	for key := range s.retryQueue {
		keys = append(keys, key)
	}
	s.retryMu.Unlock()

	for _, key := range keys {
		s.flushOne(ctx, key)
	}
	return s.PendingWrites()
}

func (s *Store) flushOne(ctx context.Context, key string) {
	defer s.locks.Lock(key)()

	s.retryMu.Lock()
	t, ok := s.retryQueue[key]
	s.retryMu.Unlock()
	if !ok {
		return
	}

	logger := s.logger.WithFields(logrus.Fields{
		"operation":      t.Operation,
		"source_tx_hash": t.SourceTxHash,
		"status":         t.Status,
	})
	stored, err := s.repo.Upsert(ctx, t)
	switch {
	case errors.Is(err, entity.ErrStatusRegression):
		logger.Info("queued write is superseded by a stored one, dropping it")
	case err != nil:
		logger.WithError(err).Debug("failed to persist queued transfer write")
		return
	default:
		logger.Info("persisted queued transfer write")
		s.setCache(ctx, stored)
	}
	s.dropRetry(key)
}
