package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/omni/cctp-relayer/entity"
)

var paymentLogBucket = []byte("payment_log")

type paymentLogRepo struct {
	db *bbolt.DB
}

// NewPaymentLogRepo opens the flat recovery log file, creating it when missing.
func NewPaymentLogRepo(path string) (entity.PaymentLogRepo, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o770); err != nil {
			return nil, fmt.Errorf("can't create payment log directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o660, nil)
	if err != nil {
		return nil, fmt.Errorf("can't open payment log: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(paymentLogBucket)
		return err2
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("can't create payment log bucket: %w", err)
	}
	return &paymentLogRepo{db: db}, nil
}

func (r *paymentLogRepo) Append(_ context.Context, entry *entity.PaymentLogEntry) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(paymentLogBucket)
		key := []byte(entry.JobID)

		var entries []*entity.PaymentLogEntry
		if data := bucket.Get(key); len(data) > 0 {
			if err := json.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("can't decode payment log for job %s: %w", entry.JobID, err)
			}
		}
		entries = append(entries, entry)

		data, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("can't encode payment log: %w", err)
		}
		return bucket.Put(key, data)
	})
}

func (r *paymentLogRepo) FindByJobID(_ context.Context, jobID string) ([]*entity.PaymentLogEntry, error) {
	var entries []*entity.PaymentLogEntry
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(paymentLogBucket).Get([]byte(jobID))
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, &entries)
	})
	if err != nil {
		return nil, fmt.Errorf("can't read payment log for job %s: %w", jobID, err)
	}
	return entries, nil
}

// FindUnresolved returns the latest entry of every transfer whose latest
// recorded status is not completed.
func (r *paymentLogRepo) FindUnresolved(_ context.Context) ([]*entity.PaymentLogEntry, error) {
	latest := make(map[string]*entity.PaymentLogEntry)
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(paymentLogBucket).ForEach(func(k, v []byte) error {
			var entries []*entity.PaymentLogEntry
			if err := json.Unmarshal(v, &entries); err != nil {
				return fmt.Errorf("can't decode payment log for job %s: %w", k, err)
			}
			for _, entry := range entries {
				key := string(entry.Operation) + ":" + entry.SourceTxHash
				if prev, ok := latest[key]; !ok || !entry.RecordedAt.Before(prev.RecordedAt) {
					latest[key] = entry
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("can't read payment log: %w", err)
	}

	res := make([]*entity.PaymentLogEntry, 0, len(latest))
	for _, entry := range latest {
		if entry.Status != entity.StatusCompleted {
			res = append(res, entry)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].RecordedAt.Before(res[j].RecordedAt)
	})
	return res, nil
}

func (r *paymentLogRepo) Close() error {
	return r.db.Close()
}
