package relay_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omni/cctp-relayer/attestation"
	"github.com/omni/cctp-relayer/cache"
	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/contract/cctpabi"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/ethclient"
	"github.com/omni/cctp-relayer/gateway"
	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/notify"
	"github.com/omni/cctp-relayer/relay"
	"github.com/omni/cctp-relayer/repository/memory"
	"github.com/omni/cctp-relayer/store"
	"github.com/omni/cctp-relayer/watcher"
)

const testPrivateKey = "0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	transmitter = common.HexToAddress("0x0a992d191DEeC32aFe36203Ad87D7d289a738F81")
	usdc        = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	recipient   = common.HexToAddress("0x00000000000000000000000000000000000000aa")

	usedNoncesSelector = cctpabi.MessageTransmitterABI.Methods[cctpabi.UsedNoncesMethod].ID
	balanceOfSelector  = cctpabi.ERC20ABI.Methods[cctpabi.BalanceOfMethod].ID
)

func buildBurnMessage(nonce uint64, amount int64) []byte {
	msg := make([]byte, 116+132)
	binary.BigEndian.PutUint32(msg[4:8], 6)
	binary.BigEndian.PutUint32(msg[8:12], 3)
	binary.BigEndian.PutUint64(msg[12:20], nonce)
	body := msg[116:]
	copy(body[4:36], common.LeftPadBytes(usdc.Bytes(), 32))
	copy(body[36:68], common.LeftPadBytes(recipient.Bytes(), 32))
	copy(body[68:100], common.LeftPadBytes(big.NewInt(amount).Bytes(), 32))
	return msg
}

type poller struct {
	mu    sync.Mutex
	calls []string
	res   *attestation.Attestation
	err   error
	// returned by the first call only
	errOnce error
}

func (p *poller) Poll(_ context.Context, _ uint32, txHash string, _, _ time.Duration) (*attestation.Attestation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, txHash)
	if err := p.errOnce; err != nil {
		p.errOnce = nil
		return nil, err
	}
	return p.res, p.err
}

type finder struct {
	res *watcher.Result
	err error
	req *watcher.Request
}

func (f *finder) FindAuthorizingEvent(_ context.Context, req *watcher.Request) (*watcher.Result, error) {
	f.req = req
	return f.res, f.err
}

type publisher struct {
	mu      sync.Mutex
	events  []*notify.TransferEvent
	onEvent func(event *notify.TransferEvent)
}

func (p *publisher) PublishTransfer(_ context.Context, event *notify.TransferEvent) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	onEvent := p.onEvent
	p.mu.Unlock()
	if onEvent != nil {
		onEvent(event)
	}
	return nil
}

func (p *publisher) Close() {}

type env struct {
	executor  *relay.Executor
	store     *store.Store
	repo      *memory.TransfersRepo
	client    *ethclient.ClientMock
	poller    *poller
	finder    *finder
	publisher *publisher
	operation *config.OperationConfig
}

func newEnv(t *testing.T, configure func(op *config.OperationConfig)) *env {
	t.Helper()
	src := &config.ChainConfig{Name: "base", ChainID: "8453", CCTPDomain: 6}
	dst := &config.ChainConfig{
		Name:               "arbitrum",
		ChainID:            "42161",
		CCTPDomain:         3,
		MessageTransmitter: transmitter,
		USDCToken:          usdc,
	}
	op := &config.OperationConfig{
		Name:                string(entity.OperationStartJob),
		SourceChain:         src,
		DestinationChain:    dst,
		AttestationInterval: time.Millisecond,
		AttestationTimeout:  time.Second,
	}
	if configure != nil {
		configure(op)
	}

	client := new(ethclient.ClientMock)
	gw := gateway.New(logging.New(), dst, client, gateway.Options{
		GasBufferPercent:    30,
		FallbackGasLimit:    500000,
		ReceiptTimeout:      time.Second,
		ReceiptPollInterval: 5 * time.Millisecond,
		ReplayRevertReasons: []string{"Nonce already used"},
		ReadRetries:         1,
		ReadRetryDelay:      time.Millisecond,
	})
	require.NoError(t, gw.WithSigner(testPrivateKey))

	repo := memory.NewTransfersRepo()
	s := store.New(logging.New(), repo, cache.NewMemoryCache(), nil)
	p := &poller{res: &attestation.Attestation{
		Message:     buildBurnMessage(42, 1000000),
		Attestation: []byte{0xde, 0xad},
	}}
	f := new(finder)
	pub := new(publisher)
	executor := relay.NewExecutor(context.Background(), logging.New(),
		map[string]*config.OperationConfig{op.Name: op},
		s, f, p, map[string]*gateway.Gateway{dst.Name: gw}, pub)
	return &env{
		executor:  executor,
		store:     s,
		repo:      repo,
		client:    client,
		poller:    p,
		finder:    f,
		publisher: pub,
		operation: op,
	}
}

func callTo(selector []byte) interface{} {
	return mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return len(msg.Data) >= 4 && string(msg.Data[:4]) == string(selector)
	})
}

func (e *env) expectNonceUsed(used bool) {
	value := int64(0)
	if used {
		value = 1
	}
	e.client.On("CallContract", mock.Anything, callTo(usedNoncesSelector)).
		Return(common.BigToHash(big.NewInt(value)).Bytes(), nil).Once()
}

func (e *env) expectBalance(balance int64) {
	e.client.On("CallContract", mock.Anything, callTo(balanceOfSelector)).
		Return(common.BigToHash(big.NewInt(balance)).Bytes(), nil).Once()
}

func (e *env) expectSend() {
	e.client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(1), nil).Once()
	e.client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1000000000), nil).Once()
	e.client.On("ChainID").Return(big.NewInt(42161))
	e.client.On("SendTransaction", mock.Anything, mock.Anything).Return(nil).Once()
}

func (e *env) expectReceipt(status uint64) {
	e.client.On("TransactionReceiptByHash", mock.Anything, mock.Anything).Return(&types.Receipt{
		Status:      status,
		GasUsed:     88000,
		BlockNumber: big.NewInt(100),
	}, nil).Once()
}

func (e *env) claim(t *testing.T, jobID, txHash string) *entity.Transfer {
	t.Helper()
	tr, err := e.executor.NewTransfer(entity.OperationStartJob, jobID, txHash)
	require.NoError(t, err)
	claimed, res, err := e.store.Claim(context.Background(), tr)
	require.NoError(t, err)
	require.Equal(t, entity.ClaimProcessing, res)
	return claimed
}

func TestExecutor_RelaysTransfer(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(op *config.OperationConfig) {
		op.VerifyBalance = true
		op.CommissionBps = 100
	})
	e.expectNonceUsed(false)
	e.expectBalance(5)
	e.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100000), nil).Once()
	e.expectSend()
	e.expectReceipt(types.ReceiptStatusSuccessful)
	e.expectBalance(995005)

	tr := e.claim(t, "job-1", "0xaaa1")
	res, err := e.executor.Run(context.Background(), tr, relay.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, res.Status)
	require.Equal(t, entity.StepRelayed, res.Step)
	require.NotEmpty(t, res.CompletionTxHash)
	require.Equal(t, res.SubmittedTxHash, res.CompletionTxHash)
	require.Equal(t, uint64(88000), res.GasUsed)
	require.Equal(t, recipient.Hex(), res.Recipient)
	require.Equal(t, "1000000", res.Amount)
	require.Equal(t, []string{"0xaaa1"}, e.poller.calls)
	e.client.AssertExpectations(t)

	lookup, err := e.store.GetByKey(context.Background(), entity.OperationStartJob, "job-1")
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, lookup.Transfer.Status)
	require.NotEmpty(t, lookup.Transfer.Message)

	require.Len(t, e.publisher.events, 1)
	require.Equal(t, notify.RoutingKeyCompleted, e.publisher.events[0].RoutingKey())
}

func TestExecutor_NonceAlreadyUsed(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.expectNonceUsed(true)

	res, err := e.executor.Run(context.Background(), e.claim(t, "job-1", "0xaaa1"), relay.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, res.Status)
	require.Equal(t, entity.StepAlreadyRelayed, res.Step)
	e.client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestExecutor_ReplayRevertIsSuccess(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.expectNonceUsed(false)
	e.client.On("EstimateGas", mock.Anything, mock.Anything).
		Return(uint64(0), errors.New("execution reverted: Nonce already used")).Once()

	res, err := e.executor.Run(context.Background(), e.claim(t, "job-1", "0xaaa1"), relay.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, res.Status)
	require.Equal(t, entity.StepAlreadyRelayed, res.Step)
	require.Empty(t, res.LastError)
}

func TestExecutor_GenuineRevertFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.expectNonceUsed(false)
	e.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100000), nil).Once()
	e.expectSend()
	e.expectReceipt(types.ReceiptStatusFailed)
	e.client.On("CallContract", mock.Anything, mock.Anything).
		Return(nil, errors.New("execution reverted: Invalid attestation length")).Once()

	res, err := e.executor.Run(context.Background(), e.claim(t, "job-1", "0xaaa1"), relay.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, entity.StatusFailed, res.Status)
	require.Equal(t, entity.StepReverted, res.Step)
	require.Contains(t, res.LastError, "Invalid attestation length")
	require.NotEmpty(t, res.SubmittedTxHash)
	require.Len(t, e.publisher.events, 1)
	require.Equal(t, notify.RoutingKeyFailed, e.publisher.events[0].RoutingKey())
}

func TestExecutor_BalanceMismatchFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(op *config.OperationConfig) {
		op.VerifyBalance = true
		op.CommissionBps = 100
	})
	e.expectNonceUsed(false)
	e.expectBalance(0)
	e.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100000), nil).Once()
	e.expectSend()
	e.expectReceipt(types.ReceiptStatusSuccessful)
	e.expectBalance(500000)

	res, err := e.executor.Run(context.Background(), e.claim(t, "job-1", "0xaaa1"), relay.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, entity.StatusFailed, res.Status)
	require.Equal(t, entity.StepBalanceMismatch, res.Step)
	require.Contains(t, res.LastError, relay.ErrBalanceMismatch.Error())
}

func TestExecutor_AuthorizingEvent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(op *config.OperationConfig) {
		op.AuthorizingEvent = &config.EventConfig{Event: "event PaymentReleased(string indexed jobId, uint256 amount)"}
	})
	burnTx := common.HexToHash("0xbeef")
	milestone := int64(3)
	e.finder.res = &watcher.Result{
		TxHash:         burnTx,
		BlockNumber:    10,
		Amount:         big.NewInt(1000000),
		MilestoneIndex: &milestone,
	}
	e.expectNonceUsed(true)

	res, err := e.executor.Run(context.Background(), e.claim(t, "job-7", "0xaaa7"), relay.RunOptions{SearchWindow: 9000})
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, res.Status)
	require.Equal(t, burnTx.Hex(), res.BurnTxHash)
	require.Equal(t, []string{burnTx.Hex()}, e.poller.calls)
	require.Equal(t, int64(3), *res.MilestoneIndex)
	require.Equal(t, "job-7", e.finder.req.JobID)
	require.Equal(t, uint(9000), e.finder.req.SearchWindow)
}

func TestExecutor_EventNotFound(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(op *config.OperationConfig) {
		op.AuthorizingEvent = &config.EventConfig{Event: "event PaymentReleased(string indexed jobId, uint256 amount)"}
	})
	e.finder.err = watcher.ErrEventNotFound

	res, err := e.executor.Run(context.Background(), e.claim(t, "job-1", "0xaaa1"), relay.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, entity.StatusFailed, res.Status)
	require.Equal(t, entity.StepEventNotFound, res.Step)
	require.Empty(t, e.poller.calls)
}

func TestExecutor_AttestationTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"status":"pending","message":"","attestation":"PENDING"}]}`))
	}))
	defer srv.Close()

	e := newEnv(t, func(op *config.OperationConfig) {
		op.AttestationInterval = 50 * time.Millisecond
		op.AttestationTimeout = 500 * time.Millisecond
	})
	client := attestation.NewClient(srv.URL, time.Second, logging.New())
	executor := relay.NewExecutor(context.Background(), logging.New(),
		map[string]*config.OperationConfig{e.operation.Name: e.operation},
		e.store, e.finder, client, map[string]*gateway.Gateway{}, nil)

	start := time.Now()
	res, err := executor.Run(context.Background(), e.claim(t, "job-1", "0xaaa1"), relay.RunOptions{})
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, entity.StatusFailed, res.Status)
	require.Equal(t, entity.StepAttestationTimeout, res.Step)
	require.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	require.Less(t, elapsed, 1500*time.Millisecond)
}

func TestExecutor_ResumesSubmittedTransaction(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.expectReceipt(types.ReceiptStatusSuccessful)

	tr := e.claim(t, "job-1", "0xaaa1")
	tr.Status = entity.StatusPollingAttestation
	tr.Step = entity.StepSubmitted
	tr.BurnTxHash = tr.SourceTxHash
	tr.Message = "0x" + common.Bytes2Hex(buildBurnMessage(1, 10))
	tr.Attestation = "0xdead"
	tr.SubmittedTxHash = common.HexToHash("0x5155").Hex()
	_, err := e.store.Upsert(context.Background(), tr)
	require.NoError(t, err)

	res, err := e.executor.Run(context.Background(), tr, relay.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, res.Status)
	require.Equal(t, tr.SubmittedTxHash, res.CompletionTxHash)
	require.Empty(t, e.poller.calls)
	e.client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestExecutor_IdempotentTrigger(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.client.On("CallContract", mock.Anything, callTo(usedNoncesSelector)).
		Return(common.BigToHash(big.NewInt(1)).Bytes(), nil)

	ctx := context.Background()
	res, err := e.executor.Trigger(ctx, entity.OperationStartJob, "test-3", "0xbbb")
	require.NoError(t, err)
	require.Equal(t, entity.ClaimProcessing, res)

	res, err = e.executor.Trigger(ctx, entity.OperationStartJob, "test-3", "0xbbb")
	require.NoError(t, err)
	require.Equal(t, entity.ClaimAlreadyProcessing, res)

	e.executor.Wait()
	lookup, err := e.store.GetByKey(ctx, entity.OperationStartJob, "test-3")
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, lookup.Transfer.Status)

	// completed transfers are never relayed again
	done, err := e.executor.Run(ctx, lookup.Transfer, relay.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, done.Status)
	require.Len(t, e.poller.calls, 1)

	_, err = e.executor.Trigger(ctx, "unknown", "job", "0x01")
	require.ErrorIs(t, err, relay.ErrUnknownOperation)
}

func TestExecutor_RetriggerWhileFailing(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.poller.errOnce = fmt.Errorf("%w after 1s", attestation.ErrTimeout)
	e.expectNonceUsed(true)

	ctx := context.Background()
	var (
		reply      entity.ClaimResult
		triggerErr error
	)
	e.publisher.onEvent = func(event *notify.TransferEvent) {
		if event.Status != entity.StatusFailed || reply != "" {
			return
		}
		reply, triggerErr = e.executor.Trigger(ctx, entity.OperationStartJob, "job-1", "0xaaa1")
	}

	res, err := e.executor.Trigger(ctx, entity.OperationStartJob, "job-1", "0xaaa1")
	require.NoError(t, err)
	require.Equal(t, entity.ClaimProcessing, res)
	e.executor.Wait()

	require.NoError(t, triggerErr)
	require.Equal(t, entity.ClaimProcessing, reply)
	lookup, err := e.store.GetByKey(ctx, entity.OperationStartJob, "job-1")
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, lookup.Transfer.Status)
	require.Equal(t, uint(2), lookup.Transfer.Attempts)
	require.Len(t, e.poller.calls, 2)

	require.Len(t, e.publisher.events, 2)
	require.Equal(t, notify.RoutingKeyFailed, e.publisher.events[0].RoutingKey())
	require.Equal(t, notify.RoutingKeyCompleted, e.publisher.events[1].RoutingKey())
}

func TestExecutor_Reopen(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.executor.Reopen(ctx, entity.OperationStartJob, "0xaaa1")
	require.ErrorIs(t, err, store.ErrNotFound)

	tr := e.claim(t, "job-1", "0xaaa1")
	_, err = e.executor.Reopen(ctx, entity.OperationStartJob, "0xaaa1")
	require.ErrorIs(t, err, relay.ErrNotFailed)

	tr.Status = entity.StatusFailed
	tr.Step = entity.StepAttestationTimeout
	_, err = e.store.Upsert(ctx, tr)
	require.NoError(t, err)

	reopened, err := e.executor.Reopen(ctx, entity.OperationStartJob, "0xAAA1")
	require.NoError(t, err)
	require.Equal(t, entity.StatusPending, reopened.Status)
	require.Equal(t, uint(2), reopened.Attempts)
	require.Empty(t, e.poller.calls)

	pending, err := e.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestExpectedAmount(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		Name       string
		Amount     *big.Int
		Commission uint
		Minimum    uint64
		Expected   int64
	}{
		{"no commission", big.NewInt(1000), 0, 0, 1000},
		{"one percent", big.NewInt(1000000), 100, 0, 990000},
		{"minimum wins", big.NewInt(1000), 100, 5000, 5000},
		{"unknown amount", nil, 100, 7, 7},
	} {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()
			t.Logf("Running sub-test %q", test.Name)

			require.Equal(t, big.NewInt(test.Expected), relay.ExpectedAmount(test.Amount, test.Commission, test.Minimum))
		})
	}
}
