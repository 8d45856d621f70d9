package gateway

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/contract/abi"
	"github.com/omni/cctp-relayer/entity"
)

// Event is a decoded log matched by a Scanner.
type Event struct {
	Name   string
	Values map[string]interface{}
	Log    *entity.Log
}

func (e *Event) TxHash() common.Hash {
	return e.Log.TransactionHash
}

func (e *Event) BlockNumber() uint {
	return e.Log.BlockNumber
}

type EventFilter func(e *Event) bool

type EventQuery struct {
	Address   common.Address
	ABI       abi.ABI
	Event     string
	FromBlock uint
	ToBlock   uint
	Filter    EventFilter
}

// Scanner lazily iterates over matching events of a block range, one chunk of
// at most MaxBlockRangeSize blocks per provider request. The range can be
// extended or re-anchored between calls to Next.
type Scanner struct {
	gw      *Gateway
	query   EventQuery
	topic   common.Hash
	cursor  uint
	toBlock uint
	buffer  []*Event
	current *Event
	err     error
}

func (g *Gateway) ScanEvents(query EventQuery) (*Scanner, error) {
	event, ok := query.ABI.Event(query.Event)
	if !ok {
		return nil, fmt.Errorf("abi does not have %s event", query.Event)
	}
	return &Scanner{
		gw:      g,
		query:   query,
		topic:   event.ID,
		cursor:  query.FromBlock,
		toBlock: query.ToBlock,
	}, nil
}

// Next advances to the next matching event, fetching new chunks as needed.
// It returns false when the range is exhausted or an error occurred.
func (s *Scanner) Next(ctx context.Context) bool {
	for len(s.buffer) == 0 {
		if s.err != nil || s.cursor > s.toBlock || ctx.Err() != nil {
			return false
		}
		end := s.cursor + s.gw.chain.MaxBlockRangeSize - 1
		if end > s.toBlock || end < s.cursor {
			end = s.toBlock
		}
		events, err := s.gw.fetchEvents(ctx, s.query, s.topic, s.cursor, end)
		if err != nil {
			s.err = err
			return false
		}
		s.cursor = end + 1
		s.buffer = events
	}
	s.current, s.buffer = s.buffer[0], s.buffer[1:]
	return true
}

func (s *Scanner) Event() *Event {
	return s.current
}

func (s *Scanner) Err() error {
	return s.err
}

// Cursor is the first block not scanned yet.
func (s *Scanner) Cursor() uint {
	return s.cursor
}

func (s *Scanner) ToBlock() uint {
	return s.toBlock
}

// Extend moves the end of the range forward and clears a previous error,
// so the scanner can be driven by a polling loop.
func (s *Scanner) Extend(toBlock uint) {
	if toBlock > s.toBlock {
		s.toBlock = toBlock
	}
	s.err = nil
}

// Reanchor restarts the scan from the given block, dropping buffered events.
func (s *Scanner) Reanchor(fromBlock uint) {
	s.cursor = fromBlock
	s.buffer = nil
	s.err = nil
}

func (g *Gateway) fetchEvents(ctx context.Context, query EventQuery, topic common.Hash, fromBlock, toBlock uint) ([]*Event, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(uint64(fromBlock)),
		ToBlock:   new(big.Int).SetUint64(uint64(toBlock)),
		Addresses: []common.Address{query.Address},
		Topics:    [][]common.Hash{{topic}},
	}
	var logs []types.Log
	err := g.withReadRetry(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		if g.chain.SafeLogsRequest {
			logs, err = g.client.FilterLogsSafe(ctx, q)
		} else {
			logs, err = g.client.FilterLogs(ctx, q)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		return a.BlockNumber < b.BlockNumber || (a.BlockNumber == b.BlockNumber && a.Index < b.Index)
	})

	events := make([]*Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		log := entity.NewLog(g.chain.ChainID, l)
		name, values, err2 := query.ABI.ParseLog(log)
		if err2 != nil {
			g.logger.WithError(err2).WithFields(logrus.Fields{
				"tx_hash":   l.TxHash,
				"log_index": l.Index,
			}).Warn("can't decode event log, skipping")
			continue
		}
		if name != query.Event {
			continue
		}
		e := &Event{Name: name, Values: values, Log: log}
		if query.Filter != nil && !query.Filter(e) {
			continue
		}
		events = append(events, e)
	}
	g.logger.WithFields(logrus.Fields{
		"event":      query.Event,
		"from_block": fromBlock,
		"to_block":   toBlock,
		"fetched":    len(logs),
		"matched":    len(events),
	}).Debug("scanned block range")
	return events, nil
}
