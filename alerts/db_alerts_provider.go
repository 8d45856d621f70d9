package alerts

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/omni/cctp-relayer/db"
	"github.com/omni/cctp-relayer/entity"
)

type DBAlertsProvider struct {
	db    *db.DB
	table string
}

func NewDBAlertsProvider(db *db.DB, table string) *DBAlertsProvider {
	return &DBAlertsProvider{
		db:    db,
		table: table,
	}
}

func ageColumn(column string) string {
	return fmt.Sprintf("EXTRACT(EPOCH FROM now() - %s)::bigint AS age", column)
}

func (p *DBAlertsProvider) selectAlerts(ctx context.Context, dest interface{}, q sq.SelectBuilder) error {
	query, args, err := q.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	if err = p.db.SelectContext(ctx, dest, query, args...); err != nil {
		return fmt.Errorf("can't select alerts: %w", err)
	}
	return nil
}

type StuckTransfer struct {
	Operation    string `db:"operation" json:"operation"`
	JobID        string `db:"job_id" json:"job_id"`
	SourceTxHash string `db:"source_tx_hash" json:"source_tx_hash"`
	Status       string `db:"status" json:"status"`
	Step         string `db:"step" json:"step"`
	Age          int64  `db:"age" json:"_value,string"`
}

func (p *DBAlertsProvider) FindStuckTransfers(ctx context.Context, params *AlertJobParams) (interface{}, error) {
	q := sq.Select("operation", "job_id", "source_tx_hash", "status", "step", ageColumn("created_at")).
		From(p.table).
		Where(sq.Eq{"status": []entity.Status{entity.StatusPending, entity.StatusPollingAttestation}}).
		Where(sq.Lt{"created_at": time.Now().Add(-params.Threshold)})
	res := make([]StuckTransfer, 0, 5)
	if err := p.selectAlerts(ctx, &res, q); err != nil {
		return nil, err
	}
	return res, nil
}

type FailedTransfer struct {
	Operation    string `db:"operation" json:"operation"`
	JobID        string `db:"job_id" json:"job_id"`
	SourceTxHash string `db:"source_tx_hash" json:"source_tx_hash"`
	Step         string `db:"step" json:"step"`
	Attempts     uint   `db:"attempts" json:"attempts,string"`
	Age          int64  `db:"age" json:"_value,string"`
}

func (p *DBAlertsProvider) FindFailedTransfers(ctx context.Context, params *AlertJobParams) (interface{}, error) {
	q := sq.Select("operation", "job_id", "source_tx_hash", "step", "attempts", ageColumn("updated_at")).
		From(p.table).
		Where(sq.Eq{"status": entity.StatusFailed}).
		Where(sq.GtOrEq{"updated_at": time.Now().Add(-params.Threshold)})
	res := make([]FailedTransfer, 0, 5)
	if err := p.selectAlerts(ctx, &res, q); err != nil {
		return nil, err
	}
	return res, nil
}

type UnconfirmedSubmission struct {
	Operation       string `db:"operation" json:"operation"`
	JobID           string `db:"job_id" json:"job_id"`
	DestChain       string `db:"dest_chain" json:"dest_chain"`
	SubmittedTxHash string `db:"submitted_tx_hash" json:"submitted_tx_hash"`
	Age             int64  `db:"age" json:"_value,string"`
}

func (p *DBAlertsProvider) FindUnconfirmedSubmissions(ctx context.Context, params *AlertJobParams) (interface{}, error) {
	q := sq.Select("operation", "job_id", "dest_chain", "submitted_tx_hash", ageColumn("updated_at")).
		From(p.table).
		Where(sq.NotEq{"submitted_tx_hash": ""}).
		Where(sq.Eq{"status": []entity.Status{entity.StatusPending, entity.StatusPollingAttestation}}).
		Where(sq.Lt{"updated_at": time.Now().Add(-params.Threshold)})
	res := make([]UnconfirmedSubmission, 0, 5)
	if err := p.selectAlerts(ctx, &res, q); err != nil {
		return nil, err
	}
	return res, nil
}
