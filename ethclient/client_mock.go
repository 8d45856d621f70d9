package ethclient

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"
)

type ClientMock struct {
	mock.Mock
}

var _ Client = (*ClientMock)(nil)

func (m *ClientMock) BlockNumber(ctx context.Context) (uint, error) {
	args := m.Called(ctx)

	return args.Get(0).(uint), args.Error(1)
}

func (m *ClientMock) HeaderByNumber(ctx context.Context, n uint) (*types.Header, error) {
	args := m.Called(ctx, n)

	header, _ := args.Get(0).(*types.Header)

	return header, args.Error(1)
}

func (m *ClientMock) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	args := m.Called(ctx, q)

	logs, _ := args.Get(0).([]types.Log)

	return logs, args.Error(1)
}

func (m *ClientMock) FilterLogsSafe(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	args := m.Called(ctx, q)

	logs, _ := args.Get(0).([]types.Log)

	return logs, args.Error(1)
}

func (m *ClientMock) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	args := m.Called(ctx, hash)

	tx, _ := args.Get(0).(*types.Transaction)

	return tx, args.Error(1)
}

func (m *ClientMock) TransactionReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, hash)

	receipt, _ := args.Get(0).(*types.Receipt)

	return receipt, args.Error(1)
}

func (m *ClientMock) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	args := m.Called(ctx, msg)

	res, _ := args.Get(0).([]byte)

	return res, args.Error(1)
}

func (m *ClientMock) TransactionSender(tx *types.Transaction) (common.Address, error) {
	args := m.Called(tx)

	return args.Get(0).(common.Address), args.Error(1)
}

func (m *ClientMock) ChainID() *big.Int {
	args := m.Called()

	return args.Get(0).(*big.Int)
}

func (m *ClientMock) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)

	return args.Get(0).(uint64), args.Error(1)
}

func (m *ClientMock) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)

	price, _ := args.Get(0).(*big.Int)

	return price, args.Error(1)
}

func (m *ClientMock) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, msg)

	return args.Get(0).(uint64), args.Error(1)
}

func (m *ClientMock) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	args := m.Called(ctx, tx)

	return args.Error(0)
}
