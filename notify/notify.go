package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/logging"
)

const (
	RoutingKeyCompleted = "relay.transfer.completed"
	RoutingKeyFailed    = "relay.transfer.failed"
)

// TransferEvent is published once a transfer reaches a terminal status.
type TransferEvent struct {
	Operation        entity.Operation `json:"operation"`
	JobID            string           `json:"jobId"`
	StatusKey        string           `json:"statusKey"`
	SourceTxHash     string           `json:"sourceTxHash"`
	Status           entity.Status    `json:"status"`
	Step             string           `json:"step"`
	CompletionTxHash string           `json:"completionTxHash,omitempty"`
	Recipient        string           `json:"recipient,omitempty"`
	Amount           string           `json:"amount,omitempty"`
	LastError        string           `json:"lastError,omitempty"`
	Attempts         uint             `json:"attempts"`
	Timestamp        time.Time        `json:"timestamp"`
}

func NewTransferEvent(t *entity.Transfer) *TransferEvent {
	return &TransferEvent{
		Operation:        t.Operation,
		JobID:            t.JobID,
		StatusKey:        t.StatusKey,
		SourceTxHash:     t.SourceTxHash,
		Status:           t.Status,
		Step:             t.Step,
		CompletionTxHash: t.CompletionTxHash,
		Recipient:        t.Recipient,
		Amount:           t.Amount,
		LastError:        t.LastError,
		Attempts:         t.Attempts,
		Timestamp:        time.Now().UTC(),
	}
}

// RoutingKey returns the routing key for the event status, empty for non-terminal statuses.
func (e *TransferEvent) RoutingKey() string {
	switch e.Status {
	case entity.StatusCompleted:
		return RoutingKeyCompleted
	case entity.StatusFailed:
		return RoutingKeyFailed
	default:
		return ""
	}
}

type Publisher interface {
	PublishTransfer(ctx context.Context, event *TransferEvent) error
	Close()
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct {
	logger logging.Logger
}

func NewNopPublisher(logger logging.Logger) *NopPublisher {
	return &NopPublisher{logger: logger.WithField("component", "notify")}
}

func (p *NopPublisher) PublishTransfer(_ context.Context, event *TransferEvent) error {
	p.logger.WithFields(logrus.Fields{
		"status_key":  event.StatusKey,
		"routing_key": event.RoutingKey(),
	}).Debug("publish skipped, broker is not configured")
	return nil
}

func (p *NopPublisher) Close() {}
