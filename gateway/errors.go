package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrAlreadyCompleted = errors.New("destination call already completed")
	ErrTransient        = errors.New("transient provider error")
	ErrNoSigner         = errors.New("gateway has no signer configured")
	ErrReceiptTimeout   = errors.New("timed out waiting for transaction receipt")
)

type RevertKind int

const (
	RevertGeneric RevertKind = iota
	RevertAlreadyCompleted
)

func (k RevertKind) String() string {
	if k == RevertAlreadyCompleted {
		return "already_completed"
	}
	return "generic"
}

// RevertError is a decoded destination call revert.
type RevertError struct {
	Kind   RevertKind
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return fmt.Sprintf("execution reverted: %s", e.Reason)
}

func (e *RevertError) Is(target error) bool {
	return target == ErrAlreadyCompleted && e.Kind == RevertAlreadyCompleted
}

const revertPrefix = "execution reverted"

// RevertClassifier maps revert reasons to revert kinds.
type RevertClassifier struct {
	replayReasons []string
}

func NewRevertClassifier(replayReasons []string) *RevertClassifier {
	return &RevertClassifier{replayReasons: replayReasons}
}

// Classify returns a *RevertError if err carries a contract revert, nil otherwise.
func (c *RevertClassifier) Classify(err error) *RevertError {
	if err == nil {
		return nil
	}
	reason, ok := revertReason(err)
	if !ok {
		return nil
	}
	return c.FromReason(reason)
}

func (c *RevertClassifier) FromReason(reason string) *RevertError {
	res := &RevertError{Kind: RevertGeneric, Reason: reason}
	for _, replay := range c.replayReasons {
		if replay != "" && strings.Contains(reason, replay) {
			res.Kind = RevertAlreadyCompleted
			break
		}
	}
	return res
}

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok {
			if raw, err2 := hexutil.Decode(data); err2 == nil {
				if reason, err3 := abi.UnpackRevert(raw); err3 == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	idx := strings.Index(msg, revertPrefix)
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimPrefix(msg[idx+len(revertPrefix):], ":")
	return strings.TrimSpace(reason), true
}
