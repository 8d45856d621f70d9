package abi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/cctp-relayer/entity"
)

var (
	ErrInvalidEvent     = errors.New("cannot process event without topics")
	ErrInvalidSignature = errors.New("invalid event signature")
)

type ABI struct {
	abi.ABI
}

func MustReadABI(rawJSON string) ABI {
	res, err := abi.JSON(strings.NewReader(rawJSON))
	if err != nil {
		panic(err)
	}
	return ABI{res}
}

// ParseEventSignature builds a single-event ABI from a human readable
// signature, e.g. "event Released(string indexed jobId, uint256 amount)".
func ParseEventSignature(signature string) (ABI, error) {
	s := strings.TrimSpace(signature)
	s = strings.TrimPrefix(s, "event ")
	open := strings.Index(s, "(")
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return ABI{}, fmt.Errorf("%q: %w", signature, ErrInvalidSignature)
	}
	name := strings.TrimSpace(s[:open])
	params := strings.TrimSpace(s[open+1 : len(s)-1])

	var args abi.Arguments
	if params != "" {
		for i, param := range strings.Split(params, ",") {
			fields := strings.Fields(param)
			if len(fields) == 0 || len(fields) > 3 {
				return ABI{}, fmt.Errorf("%q: malformed parameter %q: %w", signature, param, ErrInvalidSignature)
			}
			arg := abi.Argument{Name: fmt.Sprintf("arg%d", i)}
			switch len(fields) {
			case 2:
				if fields[1] == "indexed" {
					arg.Indexed = true
				} else {
					arg.Name = fields[1]
				}
			case 3:
				if fields[1] != "indexed" {
					return ABI{}, fmt.Errorf("%q: malformed parameter %q: %w", signature, param, ErrInvalidSignature)
				}
				arg.Indexed = true
				arg.Name = fields[2]
			}
			typ, err := abi.NewType(fields[0], "", nil)
			if err == nil {
				err = checkTypeSize(&typ)
			}
			if err != nil {
				return ABI{}, fmt.Errorf("%q: unsupported type %q: %w", signature, fields[0], err)
			}
			arg.Type = typ
			args = append(args, arg)
		}
	}

	event := abi.NewEvent(name, name, false, args)
	return ABI{abi.ABI{Events: map[string]abi.Event{name: event}}}, nil
}

// checkTypeSize rejects integer and fixed bytes sizes that abi.NewType lets through.
func checkTypeSize(typ *abi.Type) error {
	switch typ.T {
	case abi.IntTy, abi.UintTy:
		if typ.Size < 8 || typ.Size > 256 || typ.Size%8 != 0 {
			return fmt.Errorf("invalid integer size %d: %w", typ.Size, ErrInvalidSignature)
		}
	case abi.FixedBytesTy:
		if typ.Size < 1 || typ.Size > 32 {
			return fmt.Errorf("invalid fixed bytes size %d: %w", typ.Size, ErrInvalidSignature)
		}
	case abi.SliceTy, abi.ArrayTy:
		return checkTypeSize(typ.Elem)
	}
	return nil
}

func (a *ABI) AllEvents() map[string]bool {
	events := make(map[string]bool, len(a.Events))
	for _, event := range a.Events {
		events[event.String()] = true
	}
	return events
}

// Event returns the single event of the ABI matching the given human readable signature.
func (a *ABI) Event(signature string) (*abi.Event, bool) {
	for _, event := range a.Events {
		if event.String() == signature {
			e := event
			return &e, true
		}
	}
	return nil, false
}

func (a *ABI) FindMatchingEventABI(topics []common.Hash) *abi.Event {
	for _, e := range a.Events {
		if e.ID == topics[0] {
			indexed := Indexed(e.Inputs)
			if len(indexed) == len(topics)-1 {
				return &e
			}
		}
	}
	return nil
}

func (a *ABI) ParseLog(log *entity.Log) (string, map[string]interface{}, error) {
	topics := log.Topics()
	if len(topics) == 0 {
		return "", nil, ErrInvalidEvent
	}
	event := a.FindMatchingEventABI(topics)
	if event == nil {
		return "", nil, nil
	}

	res, err := DecodeEventLog(event, topics, log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("can't decode event log: %w", err)
	}
	return event.String(), res, nil
}

func Indexed(args abi.Arguments) abi.Arguments {
	var indexed abi.Arguments
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func DecodeEventLog(event *abi.Event, topics []common.Hash, data []byte) (map[string]interface{}, error) {
	indexed := Indexed(event.Inputs)
	values := make(map[string]interface{})
	if len(indexed) < len(event.Inputs) {
		if err := event.Inputs.UnpackIntoMap(values, data); err != nil {
			return nil, fmt.Errorf("can't unpack data: %w", err)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, topics[1:]); err != nil {
		return nil, fmt.Errorf("can't unpack topics: %w", err)
	}
	return values, nil
}
