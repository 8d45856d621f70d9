package gateway_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/contract/cctpabi"
	"github.com/omni/cctp-relayer/ethclient"
	"github.com/omni/cctp-relayer/gateway"
	"github.com/omni/cctp-relayer/logging"
)

const testPrivateKey = "0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	testTransmitter = common.HexToAddress("0x0a992d191DEeC32aFe36203Ad87D7d289a738F81")
	testToken       = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	alice           = common.HexToAddress("0x01")
	bob             = common.HexToAddress("0x02")
)

func testChain() *config.ChainConfig {
	return &config.ChainConfig{
		Name:               "test",
		ChainID:            "1",
		MaxBlockRangeSize:  100,
		MessageTransmitter: testTransmitter,
		USDCToken:          testToken,
	}
}

func testOptions() gateway.Options {
	return gateway.Options{
		GasBufferPercent:    30,
		FallbackGasLimit:    500000,
		ReceiptTimeout:      time.Second,
		ReceiptPollInterval: 10 * time.Millisecond,
		ReplayRevertReasons: []string{"Nonce already used"},
		ReadRetries:         2,
		ReadRetryDelay:      time.Millisecond,
	}
}

func newSigningGateway(t *testing.T, client ethclient.Client) *gateway.Gateway {
	t.Helper()
	gw := gateway.New(logging.New(), testChain(), client, testOptions())
	require.NoError(t, gw.WithSigner(testPrivateKey))
	return gw
}

func receiveMessageRequest(onSent func(common.Hash)) *gateway.SubmitRequest {
	return &gateway.SubmitRequest{
		To:     testTransmitter,
		ABI:    cctpabi.MessageTransmitterABI,
		Method: cctpabi.ReceiveMessageMethod,
		Args:   []interface{}{[]byte{1, 2, 3}, []byte{4, 5, 6}},
		OnSent: onSent,
	}
}

func expectSend(client *ethclient.ClientMock, gasLimit uint64) {
	client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(7), nil).Once()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1000000000), nil).Once()
	client.On("ChainID").Return(big.NewInt(1))
	client.On("SendTransaction", mock.Anything, mock.MatchedBy(func(tx *types.Transaction) bool {
		return tx.Gas() == gasLimit && tx.Nonce() == 7 && *tx.To() == testTransmitter
	})).Return(nil).Once()
}

func TestGateway_SubmitSuccess(t *testing.T) {
	t.Parallel()

	client := new(ethclient.ClientMock)
	client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100000), nil).Once()
	expectSend(client, 130000)
	client.On("TransactionReceiptByHash", mock.Anything, mock.Anything).Return(nil, ethereum.NotFound).Once()
	client.On("TransactionReceiptByHash", mock.Anything, mock.Anything).Return(&types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		GasUsed:     91000,
		BlockNumber: big.NewInt(12),
	}, nil).Once()

	gw := newSigningGateway(t, client)
	var sent common.Hash
	receipt, err := gw.Submit(context.Background(), receiveMessageRequest(func(h common.Hash) { sent = h }))
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.Equal(t, uint64(91000), receipt.GasUsed)
	require.Equal(t, uint64(12), receipt.BlockNumber)
	require.Equal(t, sent, receipt.TxHash)
	require.NotEqual(t, common.Hash{}, sent)
	client.AssertExpectations(t)
}

func TestGateway_SubmitAlreadyCompletedOnEstimate(t *testing.T) {
	t.Parallel()

	client := new(ethclient.ClientMock)
	client.On("EstimateGas", mock.Anything, mock.Anything).
		Return(uint64(0), errors.New("execution reverted: Nonce already used")).Once()

	gw := newSigningGateway(t, client)
	_, err := gw.Submit(context.Background(), receiveMessageRequest(nil))
	require.ErrorIs(t, err, gateway.ErrAlreadyCompleted)
	client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestGateway_SubmitFallbackGasAndReplayRevert(t *testing.T) {
	t.Parallel()

	client := new(ethclient.ClientMock)
	client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), errors.New("header not found")).Once()
	expectSend(client, 500000)
	client.On("TransactionReceiptByHash", mock.Anything, mock.Anything).Return(&types.Receipt{
		Status:      types.ReceiptStatusFailed,
		GasUsed:     40000,
		BlockNumber: big.NewInt(13),
	}, nil).Once()
	client.On("CallContract", mock.Anything, mock.Anything).
		Return(nil, errors.New("execution reverted: Nonce already used")).Once()

	gw := newSigningGateway(t, client)
	receipt, err := gw.Submit(context.Background(), receiveMessageRequest(nil))
	require.ErrorIs(t, err, gateway.ErrAlreadyCompleted)
	require.False(t, receipt.Success)
	client.AssertExpectations(t)
}

func TestGateway_SubmitGenuineRevert(t *testing.T) {
	t.Parallel()

	client := new(ethclient.ClientMock)
	client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100000), nil).Once()
	expectSend(client, 130000)
	client.On("TransactionReceiptByHash", mock.Anything, mock.Anything).Return(&types.Receipt{
		Status:      types.ReceiptStatusFailed,
		GasUsed:     40000,
		BlockNumber: big.NewInt(13),
	}, nil).Once()
	client.On("CallContract", mock.Anything, mock.Anything).
		Return(nil, errors.New("execution reverted: Invalid signature: not attester")).Once()

	gw := newSigningGateway(t, client)
	_, err := gw.Submit(context.Background(), receiveMessageRequest(nil))
	require.Error(t, err)
	require.NotErrorIs(t, err, gateway.ErrAlreadyCompleted)
	var revertErr *gateway.RevertError
	require.True(t, errors.As(err, &revertErr))
	require.Equal(t, gateway.RevertGeneric, revertErr.Kind)
	require.Equal(t, "Invalid signature: not attester", revertErr.Reason)
}

func TestGateway_SubmitWithoutSigner(t *testing.T) {
	t.Parallel()

	gw := gateway.New(logging.New(), testChain(), new(ethclient.ClientMock), testOptions())
	_, err := gw.Submit(context.Background(), receiveMessageRequest(nil))
	require.ErrorIs(t, err, gateway.ErrNoSigner)
}

func TestGateway_WaitForReceiptTimeout(t *testing.T) {
	t.Parallel()

	client := new(ethclient.ClientMock)
	client.On("TransactionReceiptByHash", mock.Anything, mock.Anything).Return(nil, ethereum.NotFound)

	opts := testOptions()
	opts.ReceiptTimeout = 50 * time.Millisecond
	gw := gateway.New(logging.New(), testChain(), client, opts)
	_, err := gw.WaitForReceipt(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, gateway.ErrReceiptTimeout)
}

func TestGateway_LatestBlockRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	client := new(ethclient.ClientMock)
	client.On("BlockNumber", mock.Anything).Return(uint(0), errors.New("429 too many requests")).Once()
	client.On("BlockNumber", mock.Anything).Return(uint(1000), nil).Once()

	chain := testChain()
	chain.BlockConfirmations = 5
	gw := gateway.New(logging.New(), chain, client, testOptions())
	head, err := gw.LatestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint(995), head)

	client.On("BlockNumber", mock.Anything).Return(uint(0), errors.New("connection refused"))
	_, err = gw.LatestBlock(context.Background())
	require.ErrorIs(t, err, gateway.ErrTransient)
}

func transferLog(block uint64, index uint, from, to common.Address, value int64) types.Log {
	return types.Log{
		Address:     testToken,
		Topics:      []common.Hash{cctpabi.ERC20ABI.Events["Transfer"].ID, from.Hash(), to.Hash()},
		Data:        common.BigToHash(big.NewInt(value)).Bytes(),
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
	}
}

func TestGateway_ScanEvents(t *testing.T) {
	t.Parallel()

	client := new(ethclient.ClientMock)
	rangeMatcher := func(from, to int64) interface{} {
		return mock.MatchedBy(func(q ethereum.FilterQuery) bool {
			return q.FromBlock.Int64() == from && q.ToBlock.Int64() == to && q.Addresses[0] == testToken
		})
	}
	client.On("FilterLogs", mock.Anything, rangeMatcher(1000, 1099)).Return([]types.Log{
		transferLog(1050, 1, alice, bob, 10),
		transferLog(1010, 0, alice, alice, 20),
	}, nil).Once()
	client.On("FilterLogs", mock.Anything, rangeMatcher(1100, 1199)).Return([]types.Log{}, nil).Once()
	client.On("FilterLogs", mock.Anything, rangeMatcher(1200, 1250)).Return([]types.Log{
		transferLog(1201, 3, bob, bob, 30),
	}, nil).Once()
	client.On("FilterLogs", mock.Anything, rangeMatcher(1251, 1300)).Return([]types.Log{
		transferLog(1290, 0, alice, bob, 40),
	}, nil).Once()

	gw := gateway.New(logging.New(), testChain(), client, testOptions())
	scanner, err := gw.ScanEvents(gateway.EventQuery{
		Address:   testToken,
		ABI:       cctpabi.ERC20ABI,
		Event:     cctpabi.Transfer,
		FromBlock: 1000,
		ToBlock:   1250,
		Filter: func(e *gateway.Event) bool {
			return e.Values["to"] == bob
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	var values []int64
	for scanner.Next(ctx) {
		values = append(values, scanner.Event().Values["value"].(*big.Int).Int64())
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []int64{10, 30}, values)
	require.Equal(t, uint(1251), scanner.Cursor())

	scanner.Extend(1300)
	require.True(t, scanner.Next(ctx))
	require.Equal(t, int64(40), scanner.Event().Values["value"].(*big.Int).Int64())
	require.Equal(t, uint(1290), scanner.Event().BlockNumber())
	require.False(t, scanner.Next(ctx))
	client.AssertExpectations(t)
}

func TestGateway_ScanEventsUnknownEvent(t *testing.T) {
	t.Parallel()

	gw := gateway.New(logging.New(), testChain(), new(ethclient.ClientMock), testOptions())
	_, err := gw.ScanEvents(gateway.EventQuery{
		Address: testToken,
		ABI:     cctpabi.ERC20ABI,
		Event:   "event Unknown(uint256 a)",
	})
	require.Error(t, err)
}
