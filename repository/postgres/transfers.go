package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/omni/cctp-relayer/db"
	"github.com/omni/cctp-relayer/entity"
)

var transferColumns = []string{
	"operation", "source_tx_hash", "job_id", "status_key",
	"source_chain", "source_domain", "dest_chain", "dest_domain",
	"status", "status_rank", "step", "burn_tx_hash", "recipient", "amount", "milestone_index",
	"message", "attestation", "submitted_tx_hash", "completion_tx", "gas_used", "last_error", "attempts",
}

// Payload columns keep their stored value when the incoming write leaves them empty.
var keepNonEmptyColumns = []string{
	"source_chain", "dest_chain", "burn_tx_hash", "recipient", "amount",
	"message", "attestation", "submitted_tx_hash", "completion_tx",
}

type transfersRepo basePostgresRepo

func NewTransfersRepo(table string, db *db.DB) entity.TransfersRepo {
	return (*transfersRepo)(newBasePostgresRepo(table, db))
}

func transferValues(t *entity.Transfer) []interface{} {
	return []interface{}{
		string(t.Operation), t.SourceTxHash, t.JobID, t.StatusKey,
		t.SourceChain, t.SourceDomain, t.DestinationChain, t.DestinationDomain,
		string(t.Status), t.Status.Rank(), t.Step, t.BurnTxHash, t.Recipient, t.Amount, t.MilestoneIndex,
		t.Message, t.Attestation, t.SubmittedTxHash, t.CompletionTxHash, t.GasUsed, t.LastError, t.Attempts,
	}
}

func (r *transfersRepo) upsertSuffix() string {
	set := []string{
		"updated_at = NOW()",
		"status = EXCLUDED.status",
		"status_rank = EXCLUDED.status_rank",
		"step = EXCLUDED.step",
		"source_domain = EXCLUDED.source_domain",
		"dest_domain = EXCLUDED.dest_domain",
		"milestone_index = COALESCE(EXCLUDED.milestone_index, " + r.table + ".milestone_index)",
		"gas_used = GREATEST(EXCLUDED.gas_used, " + r.table + ".gas_used)",
		"last_error = EXCLUDED.last_error",
		"attempts = GREATEST(EXCLUDED.attempts, " + r.table + ".attempts)",
	}
	for _, col := range keepNonEmptyColumns {
		set = append(set, fmt.Sprintf("%s = COALESCE(NULLIF(EXCLUDED.%s, ''), %s.%s)", col, col, r.table, col))
	}
	return fmt.Sprintf(
		"ON CONFLICT (operation, source_tx_hash) DO UPDATE SET %s WHERE %s.status = EXCLUDED.status OR %s.status_rank < EXCLUDED.status_rank RETURNING *",
		strings.Join(set, ", "), r.table, r.table,
	)
}

// Upsert atomically inserts or advances the transfer. A write that would
// move the stored status backwards is rejected with entity.ErrStatusRegression.
func (r *transfersRepo) Upsert(ctx context.Context, transfer *entity.Transfer) (*entity.Transfer, error) {
	q, args, err := sq.Insert(r.table).
		Columns(transferColumns...).
		Values(transferValues(transfer)...).
		Suffix(r.upsertSuffix()).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	res := new(entity.Transfer)
	err = r.db.GetContext(ctx, res, q, args...)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, entity.ErrStatusRegression
		}
		return nil, fmt.Errorf("can't upsert transfer: %w", err)
	}
	return res, nil
}

// Claim inserts a new pending transfer, or reopens a failed one.
// The returned flag is false when the transfer is already being processed or is completed.
func (r *transfersRepo) Claim(ctx context.Context, transfer *entity.Transfer) (*entity.Transfer, bool, error) {
	q, args, err := sq.Insert(r.table).
		Columns(transferColumns...).
		Values(transferValues(transfer)...).
		Suffix(fmt.Sprintf(
			"ON CONFLICT (operation, source_tx_hash) DO UPDATE SET updated_at = NOW(), status = EXCLUDED.status, status_rank = EXCLUDED.status_rank, step = '%s', last_error = '', attempts = %s.attempts + 1 WHERE %s.status = '%s' RETURNING *",
			entity.StepRetriggered, r.table, r.table, entity.StatusFailed,
		)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("can't build query: %w", err)
	}
	res := new(entity.Transfer)
	err = r.db.GetContext(ctx, res, q, args...)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			existing, err2 := r.GetBySourceTxHash(ctx, transfer.Operation, transfer.SourceTxHash)
			if err2 != nil {
				return nil, false, err2
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("can't claim transfer: %w", err)
	}
	return res, true, nil
}

func (r *transfersRepo) getOne(ctx context.Context, where sq.Sqlizer) (*entity.Transfer, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(where).
		OrderBy("updated_at DESC").
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	transfer := new(entity.Transfer)
	err = r.db.GetContext(ctx, transfer, q, args...)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("can't get transfer: %w", err)
	}
	return transfer, nil
}

func (r *transfersRepo) GetBySourceTxHash(ctx context.Context, op entity.Operation, sourceTxHash string) (*entity.Transfer, error) {
	return r.getOne(ctx, sq.Eq{"operation": string(op), "source_tx_hash": sourceTxHash})
}

func (r *transfersRepo) GetByStatusKey(ctx context.Context, op entity.Operation, statusKey string) (*entity.Transfer, error) {
	return r.getOne(ctx, sq.Eq{"operation": string(op), "status_key": statusKey})
}

func (r *transfersRepo) GetLatestByJobID(ctx context.Context, op entity.Operation, jobID string) (*entity.Transfer, error) {
	return r.getOne(ctx, sq.Eq{"operation": string(op), "job_id": jobID})
}

func (r *transfersRepo) FindByStatuses(ctx context.Context, statuses ...entity.Status) ([]*entity.Transfer, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"status": values}).
		OrderBy("created_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	transfers := make([]*entity.Transfer, 0, 10)
	err = r.db.SelectContext(ctx, &transfers, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find transfers by statuses: %w", err)
	}
	return transfers, nil
}
