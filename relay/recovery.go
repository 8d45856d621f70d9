package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/logging"
)

const sweepTimeout = time.Minute

type PendingLister interface {
	ListPending(ctx context.Context) ([]*entity.Transfer, error)
}

type Resumer interface {
	Resume(t *entity.Transfer) bool
}

// Recovery resumes pending transfers on startup, on a schedule and lazily
// after status lookups that missed the cache.
type Recovery struct {
	logger      logging.Logger
	store       PendingLister
	executor    Resumer
	schedule    string
	minInterval time.Duration

	mu        sync.Mutex
	lastSweep time.Time
	sweeping  int32
}

func NewRecovery(logger logging.Logger, s PendingLister, executor Resumer, schedule string, minInterval time.Duration) *Recovery {
	return &Recovery{
		logger:      logger.WithField("component", "recovery"),
		store:       s,
		executor:    executor,
		schedule:    schedule,
		minInterval: minInterval,
	}
}

// Sweep resumes every pending transfer and returns how many runs were started.
func (r *Recovery) Sweep(ctx context.Context, trigger string) (int, error) {
	if !atomic.CompareAndSwapInt32(&r.sweeping, 0, 1) {
		r.logger.WithField("trigger", trigger).Debug("sweep is already running")
		return 0, nil
	}
	defer atomic.StoreInt32(&r.sweeping, 0)

	r.mu.Lock()
	r.lastSweep = time.Now()
	r.mu.Unlock()
	RecoverySweeps.WithLabelValues(trigger).Inc()

	pending, err := r.store.ListPending(ctx)
	if err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("can't list pending transfers")
		return 0, err
	}
	resumed := 0
	for _, t := range pending {
		if r.executor.Resume(t) {
			resumed++
		}
	}
	RecoveredTransfers.Add(float64(resumed))
	r.logger.WithField("trigger", trigger).
		WithField("pending", len(pending)).
		WithField("resumed", resumed).
		Info("swept pending transfers")
	return resumed, nil
}

// SweepLazily starts a background sweep unless one ran within the minimal interval.
func (r *Recovery) SweepLazily(ctx context.Context) {
	r.mu.Lock()
	if time.Since(r.lastSweep) < r.minInterval {
		r.mu.Unlock()
		return
	}
	r.lastSweep = time.Now()
	r.mu.Unlock()

	go func() {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sweepTimeout)
		defer cancel()
		_, _ = r.Sweep(sweepCtx, "cache_miss")
	}()
}

// Start runs the scheduled sweeps until ctx is done.
func (r *Recovery) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(r.logger))))
	_, err := c.AddFunc(r.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		_, _ = r.Sweep(sweepCtx, "schedule")
	})
	if err != nil {
		return err
	}
	r.logger.WithField("schedule", r.schedule).Info("scheduled pending transfers sweep")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
