package presenter

import (
	"github.com/omni/cctp-relayer/entity"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type StartJobRequest struct {
	JobID  string `json:"jobId"`
	TxHash string `json:"txHash"`
}

type ReleasePaymentRequest struct {
	JobID        string `json:"jobId"`
	SourceTxHash string `json:"sourceTxHash"`
}

type LockMilestoneRequest struct {
	JobID  string `json:"jobId"`
	TxHash string `json:"txHash"`
}

type TriggerResponse struct {
	Success   bool               `json:"success"`
	Status    entity.ClaimResult `json:"status"`
	StatusKey string             `json:"statusKey,omitempty"`
}

// StatusResponse is a transfer record annotated with where it was read from.
type StatusResponse struct {
	*entity.Transfer
	FromDatabase     bool   `json:"fromDatabase"`
	SourceTxLink     string `json:"sourceTxLink,omitempty"`
	CompletionTxLink string `json:"completionTxLink,omitempty"`
}

type CCTPStatusResponse struct {
	Found        bool          `json:"found"`
	Status       entity.Status `json:"status,omitempty"`
	Step         string        `json:"step,omitempty"`
	StatusKey    string        `json:"statusKey,omitempty"`
	FromDatabase bool          `json:"fromDatabase,omitempty"`
}

type PaymentLogResponse struct {
	Count   int                       `json:"count"`
	Entries []*entity.PaymentLogEntry `json:"entries"`
}
