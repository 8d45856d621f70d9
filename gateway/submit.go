package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/contract/abi"
	"github.com/omni/cctp-relayer/utils"
)

type SubmitRequest struct {
	To     common.Address
	ABI    abi.ABI
	Method string
	Args   []interface{}
	Value  *big.Int
	// OnSent is called with the transaction hash once it is accepted by the node.
	OnSent func(txHash common.Hash)
}

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// Submit signs and sends a contract call and waits for its receipt.
// A revert recognized as replay protection is returned as a *RevertError of
// kind RevertAlreadyCompleted, other reverts as RevertGeneric.
func (g *Gateway) Submit(ctx context.Context, req *SubmitRequest) (*Receipt, error) {
	if g.key == nil {
		return nil, ErrNoSigner
	}
	data, err := req.ABI.Pack(req.Method, req.Args...)
	if err != nil {
		return nil, fmt.Errorf("can't encode %s call: %w", req.Method, err)
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	msg := ethereum.CallMsg{
		From:  g.from,
		To:    &req.To,
		Value: value,
		Data:  data,
	}
	logger := g.logger.WithFields(logrus.Fields{
		"to":     req.To,
		"method": req.Method,
	})

	gasLimit, err := g.estimateGas(ctx, msg)
	if err != nil {
		return nil, err
	}

	tx, err := g.send(ctx, msg, gasLimit)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("tx_hash", tx.Hash())
	logger.WithField("gas_limit", gasLimit).Info("submitted transaction")
	if req.OnSent != nil {
		req.OnSent(tx.Hash())
	}

	receipt, err := g.WaitForReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		revertErr := g.explainFailure(ctx, msg)
		logger.WithFields(logrus.Fields{
			"gas_used":    receipt.GasUsed,
			"revert_kind": revertErr.Kind,
			"reason":      revertErr.Reason,
		}).Warn("transaction reverted")
		return receipt, revertErr
	}
	return receipt, nil
}

func (g *Gateway) estimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	estimated, err := g.client.EstimateGas(ctx, msg)
	if err == nil {
		return estimated * (100 + g.opts.GasBufferPercent) / 100, nil
	}
	if revertErr := g.classifier.Classify(err); revertErr != nil && revertErr.Kind == RevertAlreadyCompleted {
		return 0, revertErr
	}
	g.logger.WithError(err).WithField("fallback_gas_limit", g.opts.FallbackGasLimit).
		Warn("gas estimation failed, using fallback gas limit")
	return g.opts.FallbackGasLimit, nil
}

func (g *Gateway) send(ctx context.Context, msg ethereum.CallMsg, gasLimit uint64) (*types.Transaction, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	nonce, err := g.client.PendingNonceAt(ctx, g.from)
	if err != nil {
		return nil, fmt.Errorf("can't get pending nonce: %w: %s", ErrTransient, err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't get gas price: %w: %s", ErrTransient, err)
	}
	chainID := g.client.ChainID()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       msg.To,
		Value:    msg.Value,
		Data:     msg.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), g.key)
	if err != nil {
		return nil, fmt.Errorf("can't sign transaction: %w", err)
	}
	if err = g.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(err.Error(), "already known") {
			return signed, nil
		}
		if revertErr := g.classifier.Classify(err); revertErr != nil {
			return nil, revertErr
		}
		return nil, fmt.Errorf("can't send transaction: %w: %s", ErrTransient, err)
	}
	return signed, nil
}

// explainFailure replays a failed call against the latest state to recover its revert reason.
func (g *Gateway) explainFailure(ctx context.Context, msg ethereum.CallMsg) *RevertError {
	_, err := g.client.CallContract(ctx, msg)
	if revertErr := g.classifier.Classify(err); revertErr != nil {
		return revertErr
	}
	return &RevertError{Kind: RevertGeneric, Reason: "transaction failed"}
}

// WaitForReceipt polls for the receipt of a sent transaction until the receipt timeout elapses.
func (g *Gateway) WaitForReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ReceiptTimeout)
	defer cancel()

	for {
		receipt, err := g.client.TransactionReceiptByHash(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			return &Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Success:     receipt.Status == types.ReceiptStatusSuccessful,
			}, nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil:
			g.logger.WithError(err).WithField("tx_hash", txHash).Warn("can't get transaction receipt, retrying")
		}

		if !utils.ContextSleep(ctx, g.pollInterval()) {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash)
			}
			return nil, ctx.Err()
		}
	}
}

func (g *Gateway) pollInterval() time.Duration {
	if g.opts.ReceiptPollInterval > 0 {
		return g.opts.ReceiptPollInterval
	}
	return time.Second
}
