package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/contract/abi"
	"github.com/omni/cctp-relayer/db"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/gateway"
	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/utils"
)

const defaultErrorRetryInterval = 10 * time.Second

// Triggerer accepts a new transfer, the same entry point as the HTTP API.
type Triggerer interface {
	Trigger(ctx context.Context, op entity.Operation, jobID, sourceTxHash string) (entity.ClaimResult, error)
}

// TriggerScanner follows a source contract from a persisted cursor and
// triggers a transfer for every matching event.
type TriggerScanner struct {
	logger    logging.Logger
	op        entity.Operation
	cfg       *config.TriggerConfig
	gw        *gateway.Gateway
	cursors   entity.LogsCursorsRepo
	logs      entity.LogsRepo
	triggerer Triggerer
	eventABI  abi.ABI
	eventName string
	cursor    *entity.LogsCursor

	headBlockMetric      prometheus.Gauge
	processedBlockMetric prometheus.Gauge
}

func NewTriggerScanner(ctx context.Context, logger logging.Logger, cursors entity.LogsCursorsRepo, logs entity.LogsRepo, gw *gateway.Gateway, op entity.Operation, cfg *config.TriggerConfig, triggerer Triggerer) (*TriggerScanner, error) {
	eventABI, err := abi.ParseEventSignature(cfg.Event)
	if err != nil {
		return nil, err
	}
	var eventName string
	for _, e := range eventABI.Events {
		eventName = e.String()
	}
	chainID := gw.Chain().ChainID
	logger = logger.WithFields(logrus.Fields{
		"component": "trigger_scanner",
		"operation": op,
		"chain_id":  chainID,
		"address":   cfg.Contract,
	})

	cursor, err := cursors.GetByChainIDAndAddress(ctx, chainID, cfg.Contract)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("failed to read logs cursor: %w", err)
		}
		logger.WithField("start_block", cfg.StartBlock).Warn("contract cursor is not present, staring scan from scratch")
		start := cfg.StartBlock
		if start > 0 {
			start--
		}
		cursor = &entity.LogsCursor{
			ChainID:            chainID,
			Address:            cfg.Contract,
			LastFetchedBlock:   start,
			LastProcessedBlock: start,
		}
	}

	labels := prometheus.Labels{
		"operation": string(op),
		"chain_id":  chainID,
		"address":   cfg.Contract.String(),
	}
	return &TriggerScanner{
		logger:               logger,
		op:                   op,
		cfg:                  cfg,
		gw:                   gw,
		cursors:              cursors,
		logs:                 logs,
		triggerer:            triggerer,
		eventABI:             eventABI,
		eventName:            eventName,
		cursor:               cursor,
		headBlockMetric:      LatestHeadBlock.With(labels),
		processedBlockMetric: LatestProcessedBlock.With(labels),
	}, nil
}

func (s *TriggerScanner) Start(ctx context.Context) {
	s.logger.WithField("last_processed_block", s.cursor.LastProcessedBlock).Info("starting trigger scanner")
	interval := s.gw.Chain().BlockTime
	for {
		if err := s.ScanOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Error("failed to scan trigger events, retrying")
			if !utils.ContextSleep(ctx, defaultErrorRetryInterval) {
				return
			}
			continue
		}
		if !utils.ContextSleep(ctx, interval) {
			return
		}
	}
}

// ScanOnce processes all confirmed blocks after the cursor, one chunk at a time.
// The cursor is saved after each chunk, so a failure resumes from the failed chunk.
func (s *TriggerScanner) ScanOnce(ctx context.Context) error {
	head, err := s.gw.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("can't fetch latest block number: %w", err)
	}
	s.headBlockMetric.Set(float64(head))

	ranges := gateway.SplitBlockRange(s.cursor.LastProcessedBlock+1, head, s.gw.Chain().MaxBlockRangeSize)
	for _, br := range ranges {
		if err = s.processRange(ctx, br, true); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBlockRange re-scans a past block range without moving the cursor.
// Transfers that already exist are reported as already processing.
func (s *TriggerScanner) ProcessBlockRange(ctx context.Context, fromBlock, toBlock uint) error {
	s.logger.WithFields(logrus.Fields{
		"from_block": fromBlock,
		"to_block":   toBlock,
	}).Info("manually processing block range")
	for _, br := range gateway.SplitBlockRange(fromBlock, toBlock, s.gw.Chain().MaxBlockRangeSize) {
		if err := s.processRange(ctx, br, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *TriggerScanner) processRange(ctx context.Context, br *gateway.BlocksRange, advance bool) error {
	scanner, err := s.gw.ScanEvents(gateway.EventQuery{
		Address:   s.cfg.Contract,
		ABI:       s.eventABI,
		Event:     s.eventName,
		FromBlock: br.From,
		ToBlock:   br.To,
	})
	if err != nil {
		return err
	}
	var events []*gateway.Event
	for scanner.Next(ctx) {
		events = append(events, scanner.Event())
	}
	if err = scanner.Err(); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	if len(events) > 0 {
		logs := make([]*entity.Log, len(events))
		for i, e := range events {
			logs[i] = e.Log
		}
		if err = s.logs.Ensure(ctx, logs...); err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"count":      len(logs),
			"from_block": br.From,
			"to_block":   br.To,
		}).Info("saved trigger logs")
	}

	for _, e := range events {
		if err = s.trigger(ctx, e); err != nil {
			return err
		}
	}

	if !advance {
		return nil
	}
	s.cursor.LastFetchedBlock = br.To
	s.cursor.LastProcessedBlock = br.To
	if err = s.cursors.Ensure(ctx, s.cursor); err != nil {
		return err
	}
	s.processedBlockMetric.Set(float64(br.To))
	return nil
}

func (s *TriggerScanner) trigger(ctx context.Context, e *gateway.Event) error {
	logger := s.logger.WithFields(logrus.Fields{
		"tx_hash":      e.TxHash(),
		"block_number": e.BlockNumber(),
	})
	jobID := JobIDString(e.Values[s.cfg.JobIDField])
	if jobID == "" {
		logger.WithField("field", s.cfg.JobIDField).Warn("can't recover job id from trigger event, skipping")
		TriggeredTransfers.WithLabelValues(string(s.op), "skipped").Inc()
		return nil
	}
	res, err := s.triggerer.Trigger(ctx, s.op, jobID, e.TxHash().String())
	if err != nil {
		return fmt.Errorf("can't trigger transfer for job %s: %w", jobID, err)
	}
	TriggeredTransfers.WithLabelValues(string(s.op), string(res)).Inc()
	logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"result": res,
	}).Info("triggered transfer from event")
	return nil
}

func (s *TriggerScanner) Cursor() *entity.LogsCursor {
	c := *s.cursor
	return &c
}

func (s *TriggerScanner) Contract() common.Address {
	return s.cfg.Contract
}
