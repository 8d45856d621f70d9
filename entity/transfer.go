package entity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var ErrStatusRegression = errors.New("transfer status regression")

type Operation string

const (
	OperationStartJob       Operation = "start_job"
	OperationReleasePayment Operation = "release_payment"
	OperationLockMilestone  Operation = "lock_milestone"
	OperationRefund         Operation = "refund"
)

var Operations = []Operation{
	OperationStartJob,
	OperationReleasePayment,
	OperationLockMilestone,
	OperationRefund,
}

func ParseOperation(s string) (Operation, bool) {
	for _, op := range Operations {
		if string(op) == s {
			return op, true
		}
	}
	return "", false
}

// StatusKey returns the caller-facing lookup key of a transfer.
// Operations that may repeat for the same job embed the source tx hash.
func (op Operation) StatusKey(jobID, sourceTxHash string) string {
	sourceTxHash = NormalizeTxHash(sourceTxHash)
	switch op {
	case OperationStartJob:
		return jobID
	case OperationReleasePayment:
		return fmt.Sprintf("%s-%s", jobID, sourceTxHash)
	case OperationLockMilestone:
		return fmt.Sprintf("lock-%s-%s", jobID, sourceTxHash)
	default:
		return fmt.Sprintf("%s-%s-%s", op, jobID, sourceTxHash)
	}
}

// NormalizeTxHash lowercases 0x-prefixed hex hashes so that differently cased
// submissions of the same transaction share one natural key. Other values are only trimmed.
func NormalizeTxHash(txHash string) string {
	txHash = strings.TrimSpace(txHash)
	if len(txHash) < 3 || (txHash[:2] != "0x" && txHash[:2] != "0X") {
		return txHash
	}
	if strings.TrimLeft(txHash[2:], "0123456789abcdefABCDEF") != "" {
		return txHash
	}
	return "0x" + strings.ToLower(txHash[2:])
}

type Status string

const (
	StatusPending            Status = "pending"
	StatusPollingAttestation Status = "polling_attestation"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// Rank orders statuses. Completed and Failed share the terminal rank,
// so neither can replace the other.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusPollingAttestation:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) IsPending() bool {
	return s == StatusPending || s == StatusPollingAttestation
}

func (s Status) CanTransitionTo(next Status) bool {
	if next.Rank() < 0 {
		return false
	}
	return s == next || s.Rank() < next.Rank()
}

const (
	StepInitiated          = "initiated"
	StepRetriggered        = "retriggered"
	StepWaitingEvent       = "waiting_event"
	StepEventConfirmed     = "event_confirmed"
	StepPollingAttestation = "polling_attestation"
	StepAttestationReady   = "attestation_ready"
	StepSubmitted          = "submitted"
	StepRelayed            = "relayed"
	StepAlreadyRelayed     = "already_relayed"
	StepEventNotFound      = "event_not_found"
	StepAttestationTimeout = "attestation_timeout"
	StepReverted           = "reverted"
	StepBalanceMismatch    = "balance_mismatch"
	StepError              = "error"
)

type Transfer struct {
	Operation         Operation  `db:"operation" json:"operation"`
	SourceTxHash      string     `db:"source_tx_hash" json:"sourceTxHash"`
	JobID             string     `db:"job_id" json:"jobId"`
	StatusKey         string     `db:"status_key" json:"statusKey"`
	SourceChain       string     `db:"source_chain" json:"sourceChain,omitempty"`
	SourceDomain      uint32     `db:"source_domain" json:"sourceDomain"`
	DestinationChain  string     `db:"dest_chain" json:"destinationChain,omitempty"`
	DestinationDomain uint32     `db:"dest_domain" json:"destinationDomain"`
	Status            Status     `db:"status" json:"status"`
	StatusRank        int        `db:"status_rank" json:"-"`
	Step              string     `db:"step" json:"step"`
	BurnTxHash        string     `db:"burn_tx_hash" json:"burnTxHash,omitempty"`
	Recipient         string     `db:"recipient" json:"recipient,omitempty"`
	Amount            string     `db:"amount" json:"amount,omitempty"`
	MilestoneIndex    *int64     `db:"milestone_index" json:"milestoneIndex,omitempty"`
	Message           string     `db:"message" json:"attestationMessage,omitempty"`
	Attestation       string     `db:"attestation" json:"attestationSignature,omitempty"`
	SubmittedTxHash   string     `db:"submitted_tx_hash" json:"submittedTxHash,omitempty"`
	CompletionTxHash  string     `db:"completion_tx" json:"completionTxHash,omitempty"`
	GasUsed           uint64     `db:"gas_used" json:"gasUsed,omitempty"`
	LastError         string     `db:"last_error" json:"lastError,omitempty"`
	Attempts          uint       `db:"attempts" json:"attempts"`
	CreatedAt         *time.Time `db:"created_at" json:"createdAt,omitempty"`
	UpdatedAt         *time.Time `db:"updated_at" json:"updatedAt,omitempty"`
}

func NewTransfer(op Operation, jobID, sourceTxHash string) *Transfer {
	sourceTxHash = NormalizeTxHash(sourceTxHash)
	return &Transfer{
		Operation:    op,
		JobID:        jobID,
		SourceTxHash: sourceTxHash,
		StatusKey:    op.StatusKey(jobID, sourceTxHash),
		Status:       StatusPending,
		Step:         StepInitiated,
		Attempts:     1,
	}
}

func (t *Transfer) Key() string {
	return fmt.Sprintf("%s:%s", t.Operation, t.SourceTxHash)
}

func (t *Transfer) Clone() *Transfer {
	c := *t
	if t.MilestoneIndex != nil {
		idx := *t.MilestoneIndex
		c.MilestoneIndex = &idx
	}
	return &c
}

// AmountInt returns the parsed burn amount, nil if unknown.
func (t *Transfer) AmountInt() *big.Int {
	if t.Amount == "" {
		return nil
	}
	amount, ok := new(big.Int).SetString(t.Amount, 10)
	if !ok {
		return nil
	}
	return amount
}

type ClaimResult string

const (
	ClaimProcessing        ClaimResult = "processing"
	ClaimAlreadyProcessing ClaimResult = "already_processing"
)

type TransfersRepo interface {
	Upsert(ctx context.Context, transfer *Transfer) (*Transfer, error)
	Claim(ctx context.Context, transfer *Transfer) (*Transfer, bool, error)
	GetBySourceTxHash(ctx context.Context, op Operation, sourceTxHash string) (*Transfer, error)
	GetByStatusKey(ctx context.Context, op Operation, statusKey string) (*Transfer, error)
	GetLatestByJobID(ctx context.Context, op Operation, jobID string) (*Transfer, error)
	FindByStatuses(ctx context.Context, statuses ...Status) ([]*Transfer, error)
}
