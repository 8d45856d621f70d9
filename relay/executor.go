package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/attestation"
	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/contract/cctpabi"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/gateway"
	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/notify"
	"github.com/omni/cctp-relayer/store"
	"github.com/omni/cctp-relayer/watcher"
)

const bpsDenominator = 10000

var (
	ErrUnknownOperation = errors.New("operation is not configured")
	ErrAlreadyRunning   = errors.New("transfer is already being relayed")
	ErrBalanceMismatch  = errors.New("recipient balance delta is below expected amount")
	ErrNotFailed        = errors.New("only failed transfers can be reopened")
	errSuperseded       = errors.New("transfer was advanced by another writer")
)

type EventFinder interface {
	FindAuthorizingEvent(ctx context.Context, req *watcher.Request) (*watcher.Result, error)
}

type AttestationPoller interface {
	Poll(ctx context.Context, sourceDomain uint32, txHash string, interval, timeout time.Duration) (*attestation.Attestation, error)
}

type RunOptions struct {
	// SearchWindow widens the authorizing event search, zero keeps the configured window.
	SearchWindow uint
}

// Executor drives transfers through event confirmation, attestation polling
// and destination submission. At most one run per transfer is active at a time.
type Executor struct {
	ctx         context.Context
	logger      logging.Logger
	operations  map[string]*config.OperationConfig
	store       *store.Store
	events      EventFinder
	attestation AttestationPoller
	gateways    map[string]*gateway.Gateway
	publisher   notify.Publisher

	mu       sync.Mutex
	inflight map[string]bool
	// transfers resumed while a run for the same key was active
	rerun map[string]bool
	wg    sync.WaitGroup
}

// NewExecutor creates an executor. Runs started in background are bound to ctx.
func NewExecutor(ctx context.Context, logger logging.Logger, operations map[string]*config.OperationConfig, s *store.Store, events EventFinder, poller AttestationPoller, gateways map[string]*gateway.Gateway, publisher notify.Publisher) *Executor {
	return &Executor{
		ctx:         ctx,
		logger:      logger.WithField("component", "relay_executor"),
		operations:  operations,
		store:       s,
		events:      events,
		attestation: poller,
		gateways:    gateways,
		publisher:   publisher,
		inflight:    make(map[string]bool),
		rerun:       make(map[string]bool),
	}
}

func (e *Executor) operation(op entity.Operation) (*config.OperationConfig, error) {
	cfg, ok := e.operations[string(op)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	return cfg, nil
}

// NewTransfer builds a pending transfer for the operation with its chains filled in.
func (e *Executor) NewTransfer(op entity.Operation, jobID, sourceTxHash string) (*entity.Transfer, error) {
	cfg, err := e.operation(op)
	if err != nil {
		return nil, err
	}
	t := entity.NewTransfer(op, jobID, sourceTxHash)
	t.SourceChain = cfg.SourceChain.Name
	t.SourceDomain = cfg.SourceChain.CCTPDomain
	t.DestinationChain = cfg.DestinationChain.Name
	t.DestinationDomain = cfg.DestinationChain.CCTPDomain
	return t, nil
}

// Trigger claims the transfer and starts relaying it in background.
// Repeated triggers for a transfer that is not failed report ClaimAlreadyProcessing.
func (e *Executor) Trigger(ctx context.Context, op entity.Operation, jobID, sourceTxHash string) (entity.ClaimResult, error) {
	t, err := e.NewTransfer(op, jobID, sourceTxHash)
	if err != nil {
		return "", err
	}
	claimed, res, err := e.store.Claim(ctx, t)
	if err != nil {
		return "", err
	}
	if res == entity.ClaimProcessing {
		e.Resume(claimed)
	}
	return res, nil
}

// Reopen moves a failed transfer back to pending without running it.
func (e *Executor) Reopen(ctx context.Context, op entity.Operation, sourceTxHash string) (*entity.Transfer, error) {
	lookup, err := e.store.GetBySourceTxHash(ctx, op, sourceTxHash)
	if err != nil {
		return nil, err
	}
	if lookup.Transfer.Status != entity.StatusFailed {
		return lookup.Transfer, fmt.Errorf("%w: status is %s", ErrNotFailed, lookup.Transfer.Status)
	}
	t, err := e.NewTransfer(op, lookup.Transfer.JobID, sourceTxHash)
	if err != nil {
		return nil, err
	}
	claimed, res, err := e.store.Claim(ctx, t)
	if err != nil {
		return nil, err
	}
	if res != entity.ClaimProcessing {
		return claimed, fmt.Errorf("%w: reopened concurrently, status is %s", ErrNotFailed, claimed.Status)
	}
	return claimed, nil
}

// Resume starts a background run for the transfer. If a run for the same transfer
// is active, the stored record is checked again once it finishes and resumed
// when it is still pending.
func (e *Executor) Resume(t *entity.Transfer) bool {
	if t.Status.IsTerminal() || e.ctx.Err() != nil {
		return false
	}
	if !e.acquire(t.Key(), true) {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.runAcquired(e.ctx, t, RunOptions{}); err != nil {
			e.logger.WithError(err).WithField("status_key", t.StatusKey).Error("relay run failed")
		}
	}()
	return true
}

// Wait blocks until all background runs are finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Run relays the transfer synchronously and returns its final state. Terminal
// transfers are returned as is. Pipeline failures are recorded in the transfer,
// the returned error is reserved for runs that could not be started.
func (e *Executor) Run(ctx context.Context, t *entity.Transfer, opts RunOptions) (*entity.Transfer, error) {
	if _, err := e.operation(t.Operation); err != nil {
		return nil, err
	}
	if !e.acquire(t.Key(), false) {
		return nil, ErrAlreadyRunning
	}
	return e.runAcquired(ctx, t, opts)
}

// runAcquired relays a transfer whose key is already marked in flight.
func (e *Executor) runAcquired(ctx context.Context, t *entity.Transfer, opts RunOptions) (*entity.Transfer, error) {
	InflightRelays.Inc()
	defer func() {
		InflightRelays.Dec()
		if e.release(t.Key()) {
			e.resumeStored(t)
		}
	}()
	cfg, err := e.operation(t.Operation)
	if err != nil {
		return nil, err
	}

	t = t.Clone()
	if t.Status.IsTerminal() {
		return t, nil
	}
	logger := e.logger.WithFields(logrus.Fields{
		"operation":      t.Operation,
		"job_id":         t.JobID,
		"status_key":     t.StatusKey,
		"source_tx_hash": t.SourceTxHash,
	})
	logger.WithFields(logrus.Fields{
		"status":   t.Status,
		"step":     t.Step,
		"attempts": t.Attempts,
	}).Info("relaying transfer")

	start := time.Now()
	r := &run{Executor: e, cfg: cfg, opts: opts, logger: logger, t: t}
	step, err := r.execute(ctx)
	switch {
	case errors.Is(err, errSuperseded):
		logger.WithField("status", r.t.Status).Info("transfer was advanced elsewhere, stopping")
		return r.t, nil
	case err != nil && ctx.Err() != nil:
		logger.WithError(err).Warn("relay interrupted, transfer stays pending")
		return r.t, nil
	case err != nil:
		r.fail(ctx, step, err)
	}
	RelayOutcomes.WithLabelValues(string(t.Operation), string(r.t.Status), r.t.Step).Inc()
	RelayDuration.WithLabelValues(string(t.Operation), string(r.t.Status)).Observe(time.Since(start).Seconds())
	return r.t, nil
}

// acquire marks the key in flight. When a run is already active and queue is set,
// the key is scheduled for a rerun check instead.
func (e *Executor) acquire(key string, queue bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[key] {
		if queue {
			e.rerun[key] = true
		}
		return false
	}
	e.inflight[key] = true
	return true
}

// release reports whether the transfer was resumed while the run was active.
func (e *Executor) release(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
	rerun := e.rerun[key]
	delete(e.rerun, key)
	return rerun
}

// resumeStored resumes the stored copy of the transfer if it was reopened.
func (e *Executor) resumeStored(t *entity.Transfer) {
	if e.ctx.Err() != nil {
		return
	}
	lookup, err := e.store.GetBySourceTxHash(e.ctx, t.Operation, t.SourceTxHash)
	if err != nil {
		e.logger.WithError(err).WithField("status_key", t.StatusKey).Warn("can't reload transfer after relay run")
		return
	}
	if e.Resume(lookup.Transfer) {
		e.logger.WithFields(logrus.Fields{
			"status_key": t.StatusKey,
			"attempts":   lookup.Transfer.Attempts,
		}).Info("resuming transfer reopened during relay run")
	}
}

type run struct {
	*Executor
	cfg    *config.OperationConfig
	opts   RunOptions
	logger logging.Logger
	t      *entity.Transfer
}

// save persists the transfer and adopts the stored copy.
func (r *run) save(ctx context.Context) error {
	stored, err := r.store.Upsert(context.WithoutCancel(ctx), r.t)
	if errors.Is(err, entity.ErrStatusRegression) {
		if stored != nil {
			r.t = stored
		}
		return errSuperseded
	}
	if err != nil {
		return err
	}
	r.t = stored
	return nil
}

func (r *run) setStep(ctx context.Context, status entity.Status, step string) error {
	r.t.Status = status
	r.t.Step = step
	return r.save(ctx)
}

func (r *run) fail(ctx context.Context, step string, cause error) {
	r.logger.WithError(cause).WithField("step", step).Error("transfer failed")
	r.t.Status = entity.StatusFailed
	r.t.Step = step
	r.t.LastError = cause.Error()
	if err := r.save(ctx); err != nil {
		r.logger.WithError(err).Warn("failed to record transfer failure")
		return
	}
	r.publish(ctx)
}

func (r *run) complete(ctx context.Context, step string) error {
	r.t.Status = entity.StatusCompleted
	r.t.Step = step
	r.t.LastError = ""
	if err := r.save(ctx); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"step":               step,
		"completion_tx_hash": r.t.CompletionTxHash,
		"gas_used":           r.t.GasUsed,
	}).Info("transfer completed")
	r.publish(ctx)
	return nil
}

func (r *run) publish(ctx context.Context) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishTransfer(context.WithoutCancel(ctx), notify.NewTransferEvent(r.t)); err != nil {
		r.logger.WithError(err).Warn("failed to publish transfer event")
	}
}

// execute runs the remaining steps. On failure it returns the step to record.
func (r *run) execute(ctx context.Context) (string, error) {
	if r.t.BurnTxHash == "" {
		if step, err := r.confirmEvent(ctx); err != nil {
			return step, err
		}
	}
	if r.t.Message == "" || r.t.Attestation == "" {
		if step, err := r.pollAttestation(ctx); err != nil {
			return step, err
		}
	}
	return r.submit(ctx)
}

func (r *run) confirmEvent(ctx context.Context) (string, error) {
	ev := r.cfg.AuthorizingEvent
	if ev == nil {
		r.t.BurnTxHash = r.t.SourceTxHash
		return "", nil
	}
	if err := r.setStep(ctx, entity.StatusPending, entity.StepWaitingEvent); err != nil {
		return entity.StepError, err
	}
	res, err := r.events.FindAuthorizingEvent(ctx, &watcher.Request{
		Operation:    r.t.Operation,
		JobID:        r.t.JobID,
		SearchWindow: r.opts.SearchWindow,
		Event:        ev,
	})
	if err != nil {
		if errors.Is(err, watcher.ErrEventNotFound) {
			return entity.StepEventNotFound, err
		}
		return entity.StepError, fmt.Errorf("can't find authorizing event: %w", err)
	}
	r.t.BurnTxHash = res.TxHash.Hex()
	if res.Recipient != (common.Address{}) {
		r.t.Recipient = res.Recipient.Hex()
	}
	if res.Amount != nil {
		r.t.Amount = res.Amount.String()
	}
	if res.MilestoneIndex != nil {
		r.t.MilestoneIndex = res.MilestoneIndex
	}
	r.logger.WithFields(logrus.Fields{
		"burn_tx_hash": r.t.BurnTxHash,
		"block_number": res.BlockNumber,
	}).Info("authorizing event confirmed")
	if err = r.setStep(ctx, entity.StatusPending, entity.StepEventConfirmed); err != nil {
		return entity.StepError, err
	}
	return "", nil
}

func (r *run) pollAttestation(ctx context.Context) (string, error) {
	if err := r.setStep(ctx, entity.StatusPollingAttestation, entity.StepPollingAttestation); err != nil {
		return entity.StepError, err
	}
	att, err := r.attestation.Poll(ctx, r.t.SourceDomain, r.t.BurnTxHash, r.cfg.AttestationInterval, r.cfg.AttestationTimeout)
	if err != nil {
		if errors.Is(err, attestation.ErrTimeout) {
			return entity.StepAttestationTimeout, err
		}
		return entity.StepError, fmt.Errorf("can't get attestation: %w", err)
	}
	r.t.Message = hexutil.Encode(att.Message)
	r.t.Attestation = hexutil.Encode(att.Attestation)
	if burn, err2 := attestation.DecodeBurnMessage(att.Message); err2 == nil {
		if r.t.Recipient == "" {
			r.t.Recipient = burn.MintRecipient.Hex()
		}
		if r.t.Amount == "" {
			r.t.Amount = burn.Amount.String()
		}
	}
	if err = r.setStep(ctx, entity.StatusPollingAttestation, entity.StepAttestationReady); err != nil {
		return entity.StepError, err
	}
	return "", nil
}

func (r *run) submit(ctx context.Context) (string, error) {
	gw, ok := r.gateways[r.cfg.DestinationChain.Name]
	if !ok {
		return entity.StepError, fmt.Errorf("no gateway for destination chain %s", r.cfg.DestinationChain.Name)
	}
	message, err := hexutil.Decode(r.t.Message)
	if err != nil {
		return entity.StepError, fmt.Errorf("stored attestation message is not hex: %w", err)
	}
	signature, err := hexutil.Decode(r.t.Attestation)
	if err != nil {
		return entity.StepError, fmt.Errorf("stored attestation signature is not hex: %w", err)
	}

	if r.t.SubmittedTxHash != "" {
		done, step, err2 := r.resumeSubmitted(ctx, gw)
		if done || err2 != nil {
			return step, err2
		}
	}

	burn, err := attestation.DecodeBurnMessage(message)
	if err != nil {
		r.logger.WithError(err).Warn("can't decode attested message, skipping nonce check")
	} else {
		used, err2 := gw.IsNonceUsed(ctx, burn.NonceHash())
		switch {
		case err2 != nil:
			r.logger.WithError(err2).Warn("can't check message nonce, submitting anyway")
		case used:
			r.logger.Info("message was already received on destination chain")
			return r.completeOrStep(ctx, entity.StepAlreadyRelayed)
		}
	}

	recipient, before := r.balanceBefore(ctx, gw)

	receipt, err := gw.Submit(ctx, &gateway.SubmitRequest{
		To:     r.cfg.DestinationChain.MessageTransmitter,
		ABI:    cctpabi.MessageTransmitterABI,
		Method: cctpabi.ReceiveMessageMethod,
		Args:   []interface{}{message, signature},
		OnSent: func(txHash common.Hash) {
			r.t.SubmittedTxHash = txHash.Hex()
			if err2 := r.setStep(ctx, entity.StatusPollingAttestation, entity.StepSubmitted); err2 != nil {
				r.logger.WithError(err2).Warn("failed to record submitted transaction")
			}
		},
	})
	if err != nil {
		return r.submitFailed(ctx, err)
	}
	r.t.CompletionTxHash = receipt.TxHash.Hex()
	r.t.GasUsed = receipt.GasUsed

	if before != nil {
		if err = r.verifyBalance(ctx, gw, recipient, before); err != nil {
			return entity.StepBalanceMismatch, err
		}
	}
	return r.completeOrStep(ctx, entity.StepRelayed)
}

func (r *run) completeOrStep(ctx context.Context, step string) (string, error) {
	if err := r.complete(ctx, step); err != nil {
		return entity.StepError, err
	}
	return "", nil
}

// resumeSubmitted waits for a transaction sent by a previous run instead of sending a new one.
func (r *run) resumeSubmitted(ctx context.Context, gw *gateway.Gateway) (bool, string, error) {
	txHash := common.HexToHash(r.t.SubmittedTxHash)
	logger := r.logger.WithField("submitted_tx_hash", txHash)
	logger.Info("waiting for previously submitted transaction")
	receipt, err := gw.WaitForReceipt(ctx, txHash)
	switch {
	case err == nil && receipt.Success:
		r.t.CompletionTxHash = receipt.TxHash.Hex()
		r.t.GasUsed = receipt.GasUsed
		step, err2 := r.completeOrStep(ctx, entity.StepRelayed)
		return true, step, err2
	case err == nil:
		logger.Warn("previously submitted transaction failed, checking message state")
	case errors.Is(err, gateway.ErrReceiptTimeout):
		logger.Warn("previously submitted transaction is not mined, checking message state")
	default:
		return true, entity.StepError, err
	}
	return false, "", nil
}

func (r *run) submitFailed(ctx context.Context, err error) (string, error) {
	var revertErr *gateway.RevertError
	switch {
	case errors.Is(err, gateway.ErrAlreadyCompleted):
		r.logger.WithError(err).Info("destination reports the message as already received")
		if r.t.CompletionTxHash == "" {
			r.t.CompletionTxHash = r.t.SubmittedTxHash
		}
		return r.completeOrStep(ctx, entity.StepAlreadyRelayed)
	case errors.As(err, &revertErr):
		return entity.StepReverted, err
	default:
		return entity.StepError, fmt.Errorf("can't submit destination transaction: %w", err)
	}
}

func (r *run) balanceBefore(ctx context.Context, gw *gateway.Gateway) (common.Address, *big.Int) {
	if !r.cfg.VerifyBalance || !common.IsHexAddress(r.t.Recipient) {
		return common.Address{}, nil
	}
	recipient := common.HexToAddress(r.t.Recipient)
	before, err := gw.TokenBalance(ctx, r.cfg.DestinationChain.USDCToken, recipient)
	if err != nil {
		r.logger.WithError(err).Warn("can't read recipient balance, skipping balance check")
		return recipient, nil
	}
	return recipient, before
}

func (r *run) verifyBalance(ctx context.Context, gw *gateway.Gateway, recipient common.Address, before *big.Int) error {
	after, err := gw.TokenBalance(ctx, r.cfg.DestinationChain.USDCToken, recipient)
	if err != nil {
		return fmt.Errorf("can't read recipient balance: %w", err)
	}
	delta := new(big.Int).Sub(after, before)
	expected := ExpectedAmount(r.t.AmountInt(), r.cfg.CommissionBps, r.cfg.MinExpectedAmount)
	r.logger.WithFields(logrus.Fields{
		"recipient": recipient,
		"delta":     delta,
		"expected":  expected,
	}).Info("verified recipient balance")
	if delta.Cmp(expected) < 0 {
		return fmt.Errorf("%w: got %s, expected at least %s", ErrBalanceMismatch, delta, expected)
	}
	return nil
}

// ExpectedAmount is the minimal balance increase for a relayed amount after commission.
func ExpectedAmount(amount *big.Int, commissionBps uint, minAmount uint64) *big.Int {
	expected := new(big.Int)
	if amount != nil {
		expected.Mul(amount, big.NewInt(int64(bpsDenominator-commissionBps)))
		expected.Quo(expected, big.NewInt(bpsDenominator))
	}
	if minimum := new(big.Int).SetUint64(minAmount); expected.Cmp(minimum) < 0 {
		expected = minimum
	}
	return expected
}
