package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/logging"
)

const (
	defaultStuckThreshold       = 30 * time.Minute
	defaultFailedThreshold      = 7 * 24 * time.Hour
	defaultUnconfirmedThreshold = 15 * time.Minute
)

type AlertsProvider interface {
	FindStuckTransfers(ctx context.Context, params *AlertJobParams) (interface{}, error)
	FindFailedTransfers(ctx context.Context, params *AlertJobParams) (interface{}, error)
	FindUnconfirmedSubmissions(ctx context.Context, params *AlertJobParams) (interface{}, error)
}

type AlertManager struct {
	logger logging.Logger
	jobs   map[string]*Job
}

func NewAlertManager(logger logging.Logger, provider AlertsProvider, cfg map[string]*config.AlertConfig) (*AlertManager, error) {
	jobs := make(map[string]*Job, len(cfg))

	for name, alertCfg := range cfg {
		var threshold time.Duration
		switch name {
		case "stuck_transfer":
			jobs[name] = &Job{
				Interval: time.Minute,
				Timeout:  time.Second * 10,
				Func:     provider.FindStuckTransfers,
				Metric:   AlertStuckTransfer,
			}
			threshold = defaultStuckThreshold
		case "failed_transfer":
			jobs[name] = &Job{
				Interval: time.Minute * 5,
				Timeout:  time.Second * 20,
				Func:     provider.FindFailedTransfers,
				Metric:   AlertFailedTransfer,
			}
			threshold = defaultFailedThreshold
		case "unconfirmed_submission":
			jobs[name] = &Job{
				Interval: time.Minute,
				Timeout:  time.Second * 10,
				Func:     provider.FindUnconfirmedSubmissions,
				Metric:   AlertUnconfirmedSubmission,
			}
			threshold = defaultUnconfirmedThreshold
		default:
			return nil, fmt.Errorf("unknown alert type %q", name)
		}
		jobs[name].Params = &AlertJobParams{Threshold: threshold}
		if alertCfg != nil {
			if alertCfg.Threshold > 0 {
				jobs[name].Params.Threshold = alertCfg.Threshold
			}
			if alertCfg.Interval > 0 {
				jobs[name].Interval = alertCfg.Interval
			}
		}
		jobs[name].logger = logger.WithField("alert_job", name)
	}

	return &AlertManager{
		logger: logger,
		jobs:   jobs,
	}, nil
}

func (m *AlertManager) Start(ctx context.Context) {
	m.logger.WithField("count", len(m.jobs)).Info("starting alert manager jobs")
	for _, job := range m.jobs {
		go job.Start(ctx)
	}
}

func (m *AlertManager) Job(name string) *Job {
	return m.jobs[name]
}
