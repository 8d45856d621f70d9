package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/contract/abi"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/gateway"
	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/utils"
)

var (
	ErrEventNotFound = errors.New("authorizing event not found")
	ErrUnknownChain  = errors.New("no gateway for chain")
)

type Request struct {
	Operation entity.Operation
	JobID     string
	// Recipient overrides the configured expected recipient when set.
	Recipient common.Address
	// SearchWindow overrides the configured search window when set.
	SearchWindow uint
	Event        *config.EventConfig
}

type Result struct {
	TxHash         common.Hash
	BlockNumber    uint
	Recipient      common.Address
	Amount         *big.Int
	MilestoneIndex *int64
	Values         map[string]interface{}
}

type EventWatcher struct {
	logger   logging.Logger
	gateways map[string]*gateway.Gateway
}

func NewEventWatcher(logger logging.Logger, gateways map[string]*gateway.Gateway) *EventWatcher {
	return &EventWatcher{
		logger:   logger.WithField("component", "event_watcher"),
		gateways: gateways,
	}
}

// FindAuthorizingEvent searches the event chain for the event authorizing the
// transfer of the given job. The search starts SearchWindow blocks behind the
// tip and follows new blocks until the event timeout elapses.
func (w *EventWatcher) FindAuthorizingEvent(ctx context.Context, req *Request) (*Result, error) {
	cfg := req.Event
	gw, ok := w.gateways[cfg.ChainName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, cfg.ChainName)
	}
	eventABI, err := abi.ParseEventSignature(cfg.Event)
	if err != nil {
		return nil, err
	}
	var eventName string
	for _, e := range eventABI.Events {
		eventName = e.String()
	}
	window := cfg.SearchWindow
	if req.SearchWindow > 0 {
		window = req.SearchWindow
	}
	recipient := cfg.Recipient
	if req.Recipient != (common.Address{}) {
		recipient = req.Recipient
	}

	logger := w.logger.WithFields(logrus.Fields{
		"operation": req.Operation,
		"job_id":    req.JobID,
		"chain":     cfg.ChainName,
		"event":     eventName,
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	head, err := gw.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't get latest block: %w", err)
	}
	start := uint(0)
	if head > window {
		start = head - window
	}
	scanner, err := gw.ScanEvents(gateway.EventQuery{
		Address:   cfg.Contract,
		ABI:       eventABI,
		Event:     eventName,
		FromBlock: start,
		ToBlock:   head,
		Filter:    newFilter(cfg, req.JobID, recipient),
	})
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"from_block": start,
		"to_block":   head,
	}).Info("searching for authorizing event")

	reanchor := gw.Chain().ReanchorDistance
	for {
		if scanner.Next(ctx) {
			e := scanner.Event()
			res := extractResult(cfg, e)
			logger.WithFields(logrus.Fields{
				"tx_hash":      res.TxHash,
				"block_number": res.BlockNumber,
			}).Info("found authorizing event")
			EventSearches.WithLabelValues(string(req.Operation), "found").Inc()
			return res, nil
		}
		if err = scanner.Err(); err != nil && ctx.Err() == nil {
			logger.WithError(err).WithField("cursor", scanner.Cursor()).Warn("event scan failed, retrying")
		}

		if !utils.SleepUntilDeadline(ctx, cfg.PollInterval) {
			break
		}

		head, err = gw.LatestBlock(ctx)
		if err != nil {
			logger.WithError(err).Warn("can't get latest block")
			continue
		}
		if cursor := scanner.Cursor(); head > cursor && head-cursor > window {
			anchor := uint(0)
			if head > reanchor {
				anchor = head - reanchor
			}
			logger.WithFields(logrus.Fields{
				"cursor":   cursor,
				"head":     head,
				"reanchor": anchor,
			}).Warn("scan fell behind the chain tip, re-anchoring")
			scanner.Reanchor(anchor)
		}
		scanner.Extend(head)
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}
	EventSearches.WithLabelValues(string(req.Operation), "not_found").Inc()
	logger.WithField("timeout", cfg.Timeout).Warn("authorizing event was not found")
	return nil, fmt.Errorf("%w: job %s within %s", ErrEventNotFound, req.JobID, cfg.Timeout)
}

func newFilter(cfg *config.EventConfig, jobID string, recipient common.Address) gateway.EventFilter {
	return func(e *gateway.Event) bool {
		if jobID != "" && !MatchJobID(e.Values[cfg.JobIDField], jobID) {
			return false
		}
		if cfg.RecipientField != "" && recipient != (common.Address{}) {
			addr, ok := e.Values[cfg.RecipientField].(common.Address)
			if !ok || addr != recipient {
				return false
			}
		}
		return true
	}
}

// MatchJobID compares a decoded event value with a job id. Indexed strings are
// only available as their keccak256 hash.
func MatchJobID(value interface{}, jobID string) bool {
	switch v := value.(type) {
	case string:
		return v == jobID
	case common.Hash:
		return v == crypto.Keccak256Hash([]byte(jobID))
	case [32]byte:
		return common.Hash(v) == crypto.Keccak256Hash([]byte(jobID))
	case *big.Int:
		return v.String() == jobID
	default:
		return false
	}
}

// JobIDString renders a decoded job id value, empty if it can't be recovered.
func JobIDString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case *big.Int:
		return v.String()
	default:
		return ""
	}
}

func extractResult(cfg *config.EventConfig, e *gateway.Event) *Result {
	res := &Result{
		TxHash:      e.TxHash(),
		BlockNumber: e.BlockNumber(),
		Values:      e.Values,
	}
	if cfg.RecipientField != "" {
		res.Recipient, _ = e.Values[cfg.RecipientField].(common.Address)
	}
	if cfg.AmountField != "" {
		res.Amount, _ = e.Values[cfg.AmountField].(*big.Int)
	}
	if cfg.MilestoneField != "" {
		if idx, ok := toInt64(e.Values[cfg.MilestoneField]); ok {
			res.MilestoneIndex = &idx
		}
	}
	return res
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case *big.Int:
		if !v.IsInt64() {
			return 0, false
		}
		return v.Int64(), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	default:
		return 0, false
	}
}
