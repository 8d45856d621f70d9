package entity

import (
	"context"
	"time"
)

// PaymentLogEntry is a flat recovery record kept outside the database.
type PaymentLogEntry struct {
	ID           string    `json:"id"`
	JobID        string    `json:"jobId"`
	Operation    Operation `json:"operation"`
	SourceTxHash string    `json:"sourceTxHash"`
	StatusKey    string    `json:"statusKey"`
	Status       Status    `json:"status"`
	Step         string    `json:"step"`
	Error        string    `json:"error,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

type PaymentLogRepo interface {
	Append(ctx context.Context, entry *PaymentLogEntry) error
	FindByJobID(ctx context.Context, jobID string) ([]*PaymentLogEntry, error)
	FindUnresolved(ctx context.Context) ([]*PaymentLogEntry, error)
	Close() error
}
