package gateway

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/contract"
	"github.com/omni/cctp-relayer/contract/cctpabi"
	"github.com/omni/cctp-relayer/ethclient"
	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/utils"
)

const (
	defaultReadRetries    = 4
	defaultReadRetryDelay = 500 * time.Millisecond
)

type Options struct {
	GasBufferPercent    uint64
	FallbackGasLimit    uint64
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	ReplayRevertReasons []string
	ReadRetries         uint64
	ReadRetryDelay      time.Duration
}

func OptionsFromConfig(cfg *config.SignerConfig) Options {
	return Options{
		GasBufferPercent:    cfg.GasBufferPercent,
		FallbackGasLimit:    cfg.FallbackGasLimit,
		ReceiptTimeout:      cfg.ReceiptTimeout,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
		ReplayRevertReasons: cfg.ReplayRevertReasons,
		ReadRetries:         defaultReadRetries,
		ReadRetryDelay:      defaultReadRetryDelay,
	}
}

// Gateway wraps a single chain: event scanning, contract reads and signed submissions.
type Gateway struct {
	logger     logging.Logger
	chain      *config.ChainConfig
	client     ethclient.Client
	opts       Options
	classifier *RevertClassifier

	key  *ecdsa.PrivateKey
	from common.Address
	// serializes nonce allocation for this signer
	sendMu sync.Mutex
}

func New(logger logging.Logger, chain *config.ChainConfig, client ethclient.Client, opts Options) *Gateway {
	if opts.ReadRetryDelay <= 0 {
		opts.ReadRetryDelay = defaultReadRetryDelay
	}
	return &Gateway{
		logger: logger.WithFields(logrus.Fields{
			"component": "gateway",
			"chain":     chain.Name,
			"chain_id":  chain.ChainID,
		}),
		chain:      chain,
		client:     client,
		opts:       opts,
		classifier: NewRevertClassifier(opts.ReplayRevertReasons),
	}
}

// Dial connects to the chain RPC endpoint and builds a gateway for it.
func Dial(logger logging.Logger, chain *config.ChainConfig, opts Options) (*Gateway, error) {
	client, err := ethclient.NewClient(chain.RPC.Host, chain.RPC.Timeout, chain.ChainID)
	if err != nil {
		return nil, fmt.Errorf("can't connect to chain %s: %w", chain.Name, err)
	}
	return New(logger, chain, client, opts), nil
}

// DialAll connects to every configured chain. Chains that are the destination
// of an operation also get the relayer signer.
func DialAll(logger logging.Logger, cfg *config.Config) (map[string]*Gateway, error) {
	needsSigner := make(map[string]bool, len(cfg.Chains))
	for _, op := range cfg.Operations {
		needsSigner[op.DestinationChainName] = true
	}

	opts := OptionsFromConfig(cfg.Signer)
	gateways := make(map[string]*Gateway, len(cfg.Chains))
	for name, chain := range cfg.Chains {
		gw, err := Dial(logger, chain, opts)
		if err != nil {
			return nil, err
		}
		if needsSigner[name] {
			if cfg.Signer.PrivateKey == "" {
				return nil, fmt.Errorf("destination chain %s: %w", name, ErrNoSigner)
			}
			if err = gw.WithSigner(cfg.Signer.PrivateKey); err != nil {
				return nil, fmt.Errorf("destination chain %s: %w", name, err)
			}
		}
		gateways[name] = gw
	}
	return gateways, nil
}

// WithSigner enables transaction submission using the given hex private key.
func (g *Gateway) WithSigner(hexKey string) error {
	key, addr, err := utils.LoadPrivateKey(hexKey)
	if err != nil {
		return fmt.Errorf("can't load signer key: %w", err)
	}
	g.key = key
	g.from = addr
	g.logger = g.logger.WithField("signer", addr)
	return nil
}

func (g *Gateway) Chain() *config.ChainConfig {
	return g.chain
}

func (g *Gateway) Client() ethclient.Client {
	return g.client
}

func (g *Gateway) SignerAddress() common.Address {
	return g.from
}

// withReadRetry retries read-only provider calls with exponential backoff.
// Contract reverts are returned immediately.
func (g *Gateway) withReadRetry(ctx context.Context, name string, f func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(g.opts.ReadRetries, retry.NewExponential(g.opts.ReadRetryDelay))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err2 := f(ctx); err2 != nil {
			if g.classifier.Classify(err2) != nil {
				return err2
			}
			g.logger.WithError(err2).WithField("attempt", attempt).Warnf("%s failed, retrying", name)
			return retry.RetryableError(err2)
		}
		return nil
	})
	if err != nil {
		if g.classifier.Classify(err) != nil || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%s: %w: %s", name, ErrTransient, err)
	}
	return nil
}

// LatestBlock returns the latest block number minus the configured confirmations.
func (g *Gateway) LatestBlock(ctx context.Context) (uint, error) {
	var head uint
	err := g.withReadRetry(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		head, err = g.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if head < g.chain.BlockConfirmations {
		return 0, nil
	}
	return head - g.chain.BlockConfirmations, nil
}

func (g *Gateway) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := g.withReadRetry(ctx, "balanceOf", func(ctx context.Context) error {
		var err error
		balance, err = contract.BalanceOf(ctx, g.client, token, account)
		return err
	})
	return balance, err
}

// IsNonceUsed reports whether the destination message transmitter already consumed the message nonce.
func (g *Gateway) IsNonceUsed(ctx context.Context, nonceHash common.Hash) (bool, error) {
	transmitter := contract.NewContract(g.client, g.chain.MessageTransmitter, cctpabi.MessageTransmitterABI)
	var used bool
	err := g.withReadRetry(ctx, "usedNonces", func(ctx context.Context) error {
		values, err := transmitter.Call(ctx, cctpabi.UsedNoncesMethod, nonceHash)
		if err != nil {
			return err
		}
		if len(values) != 1 {
			return fmt.Errorf("unexpected usedNonces result length %d", len(values))
		}
		n, ok := values[0].(*big.Int)
		if !ok {
			return fmt.Errorf("unexpected usedNonces result type %T", values[0])
		}
		used = n.Sign() != 0
		return nil
	})
	return used, err
}
