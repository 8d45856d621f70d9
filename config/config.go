package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const (
	defaultRPCTimeout          = 30 * time.Second
	defaultBlockTime           = 5 * time.Second
	defaultMaxBlockRangeSize   = 2000
	defaultSearchWindow        = 3000
	defaultReanchorDistance    = 50
	defaultEventTimeout        = 10 * time.Minute
	defaultAttestationInterval = 15 * time.Second
	defaultAttestationTimeout  = 10 * time.Minute
	defaultAttestationRequest  = 10 * time.Second
	defaultGasBufferPercent    = 30
	defaultFallbackGasLimit    = 500000
	defaultReceiptTimeout      = 3 * time.Minute
	defaultReceiptPollInterval = 2 * time.Second
	defaultRecoverySchedule    = "@every 5m"
	defaultRecoveryMinInterval = 30 * time.Second
	defaultPaymentLogPath      = "payment_log.db"
	defaultAMQPExchange        = "relay_events"
	defaultCacheTTL            = 24 * time.Hour
)

var (
	ErrUnknownChain      = errors.New("unknown chain")
	ErrInvalidOperation  = errors.New("invalid operation config")
	ErrAttestationConfig = errors.New("attestation base url is not configured")
)

type RPCConfig struct {
	Host    string        `yaml:"host"`
	Timeout time.Duration `yaml:"timeout"`
}

type ChainConfig struct {
	Name               string         `yaml:"-"`
	RPC                *RPCConfig     `yaml:"rpc"`
	ChainID            string         `yaml:"chain_id"`
	CCTPDomain         uint32         `yaml:"cctp_domain"`
	BlockTime          time.Duration  `yaml:"block_time"`
	BlockConfirmations uint           `yaml:"block_confirmations"`
	MaxBlockRangeSize  uint           `yaml:"max_block_range_size"`
	SearchWindow       uint           `yaml:"search_window"`
	ReanchorDistance   uint           `yaml:"reanchor_distance"`
	SafeLogsRequest    bool           `yaml:"safe_logs_request"`
	MessageTransmitter common.Address `yaml:"message_transmitter"`
	USDCToken          common.Address `yaml:"usdc_token"`
	ExplorerTxURL      string         `yaml:"explorer_tx_url"`
}

type EventConfig struct {
	ChainName      string         `yaml:"chain"`
	Chain          *ChainConfig   `yaml:"-"`
	Contract       common.Address `yaml:"contract"`
	Event          string         `yaml:"event"`
	JobIDField     string         `yaml:"job_id_field"`
	RecipientField string         `yaml:"recipient_field"`
	AmountField    string         `yaml:"amount_field"`
	MilestoneField string         `yaml:"milestone_field"`
	Recipient      common.Address `yaml:"recipient"`
	SearchWindow   uint           `yaml:"search_window"`
	Timeout        time.Duration  `yaml:"timeout"`
	PollInterval   time.Duration  `yaml:"poll_interval"`
}

type TriggerConfig struct {
	Contract   common.Address `yaml:"contract"`
	Event      string         `yaml:"event"`
	JobIDField string         `yaml:"job_id_field"`
	StartBlock uint           `yaml:"start_block"`
}

type OperationConfig struct {
	Name                 string         `yaml:"-"`
	SourceChainName      string         `yaml:"source_chain"`
	DestinationChainName string         `yaml:"destination_chain"`
	SourceChain          *ChainConfig   `yaml:"-"`
	DestinationChain     *ChainConfig   `yaml:"-"`
	AuthorizingEvent     *EventConfig   `yaml:"authorizing_event"`
	AutoTrigger          *TriggerConfig `yaml:"auto_trigger"`
	AttestationInterval  time.Duration  `yaml:"attestation_interval"`
	AttestationTimeout   time.Duration  `yaml:"attestation_timeout"`
	VerifyBalance        bool           `yaml:"verify_balance"`
	CommissionBps        uint           `yaml:"commission_bps"`
	MinExpectedAmount    uint64         `yaml:"min_expected_amount"`
}

type AttestationConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Timeout        time.Duration `yaml:"timeout"`
}

type SignerConfig struct {
	PrivateKey          string        `yaml:"private_key"`
	GasBufferPercent    uint64        `yaml:"gas_buffer_percent"`
	FallbackGasLimit    uint64        `yaml:"fallback_gas_limit"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	ReplayRevertReasons []string      `yaml:"replay_revert_reasons"`
}

type DBConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       string `yaml:"database"`
}

type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

type PaymentLogConfig struct {
	Path string `yaml:"path"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type PresenterConfig struct {
	Host        string   `yaml:"host"`
	AuthSecret  string   `yaml:"auth_secret"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type AlertConfig struct {
	Threshold time.Duration `yaml:"threshold"`
	Interval  time.Duration `yaml:"interval"`
}

type RecoveryConfig struct {
	Schedule    string        `yaml:"schedule"`
	MinInterval time.Duration `yaml:"min_interval"`
}

type Config struct {
	Chains      map[string]*ChainConfig     `yaml:"chains"`
	Operations  map[string]*OperationConfig `yaml:"operations"`
	Attestation *AttestationConfig          `yaml:"attestation"`
	Signer      *SignerConfig               `yaml:"signer"`
	DBConfig    *DBConfig                   `yaml:"postgres"`
	Cache       *CacheConfig                `yaml:"cache"`
	PaymentLog  *PaymentLogConfig           `yaml:"payment_log"`
	AMQP        *AMQPConfig                 `yaml:"amqp"`
	Presenter   *PresenterConfig            `yaml:"presenter"`
	Recovery    *RecoveryConfig             `yaml:"recovery"`
	Alerts      map[string]*AlertConfig     `yaml:"alerts"`
	LogLevel    logrus.Level                `yaml:"log_level"`
}

func readYamlConfig(blob []byte) (*Config, error) {
	cfg := new(Config)
	if err := parseYaml(cfg, blob); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) init() error {
	for name, chain := range cfg.Chains {
		chain.Name = name
		if chain.RPC == nil || chain.RPC.Host == "" {
			return fmt.Errorf("chain %s has no rpc host configured", name)
		}
		if chain.RPC.Timeout == 0 {
			chain.RPC.Timeout = defaultRPCTimeout
		}
		if chain.BlockTime == 0 {
			chain.BlockTime = defaultBlockTime
		}
		if chain.MaxBlockRangeSize == 0 {
			chain.MaxBlockRangeSize = defaultMaxBlockRangeSize
		}
		if chain.SearchWindow == 0 {
			chain.SearchWindow = defaultSearchWindow
		}
		if chain.ReanchorDistance == 0 {
			chain.ReanchorDistance = defaultReanchorDistance
		}
	}

	if cfg.Attestation == nil || cfg.Attestation.BaseURL == "" {
		return ErrAttestationConfig
	}
	if cfg.Attestation.RequestTimeout == 0 {
		cfg.Attestation.RequestTimeout = defaultAttestationRequest
	}
	if cfg.Attestation.PollInterval == 0 {
		cfg.Attestation.PollInterval = defaultAttestationInterval
	}
	if cfg.Attestation.Timeout == 0 {
		cfg.Attestation.Timeout = defaultAttestationTimeout
	}

	for name, op := range cfg.Operations {
		if err := cfg.initOperation(name, op); err != nil {
			return err
		}
	}

	if cfg.Signer == nil {
		cfg.Signer = new(SignerConfig)
	}
	if cfg.Signer.GasBufferPercent == 0 {
		cfg.Signer.GasBufferPercent = defaultGasBufferPercent
	}
	if cfg.Signer.FallbackGasLimit == 0 {
		cfg.Signer.FallbackGasLimit = defaultFallbackGasLimit
	}
	if cfg.Signer.ReceiptTimeout == 0 {
		cfg.Signer.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.Signer.ReceiptPollInterval == 0 {
		cfg.Signer.ReceiptPollInterval = defaultReceiptPollInterval
	}
	if len(cfg.Signer.ReplayRevertReasons) == 0 {
		cfg.Signer.ReplayRevertReasons = []string{"Nonce already used"}
	}

	if cfg.Cache == nil {
		cfg.Cache = new(CacheConfig)
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = defaultCacheTTL
	}
	if cfg.PaymentLog == nil {
		cfg.PaymentLog = new(PaymentLogConfig)
	}
	if cfg.PaymentLog.Path == "" {
		cfg.PaymentLog.Path = defaultPaymentLogPath
	}
	if cfg.AMQP != nil && cfg.AMQP.Exchange == "" {
		cfg.AMQP.Exchange = defaultAMQPExchange
	}
	if cfg.Recovery == nil {
		cfg.Recovery = new(RecoveryConfig)
	}
	if cfg.Recovery.Schedule == "" {
		cfg.Recovery.Schedule = defaultRecoverySchedule
	}
	if cfg.Recovery.MinInterval == 0 {
		cfg.Recovery.MinInterval = defaultRecoveryMinInterval
	}
	return nil
}

func (cfg *Config) initOperation(name string, op *OperationConfig) error {
	if op == nil {
		return fmt.Errorf("operation %s is empty: %w", name, ErrInvalidOperation)
	}
	op.Name = name
	var ok bool
	if op.SourceChain, ok = cfg.Chains[op.SourceChainName]; !ok {
		return fmt.Errorf("operation %s source chain %q: %w", name, op.SourceChainName, ErrUnknownChain)
	}
	if op.DestinationChain, ok = cfg.Chains[op.DestinationChainName]; !ok {
		return fmt.Errorf("operation %s destination chain %q: %w", name, op.DestinationChainName, ErrUnknownChain)
	}
	if op.AttestationInterval == 0 {
		op.AttestationInterval = cfg.Attestation.PollInterval
	}
	if op.AttestationTimeout == 0 {
		op.AttestationTimeout = cfg.Attestation.Timeout
	}
	if op.CommissionBps >= 10000 {
		return fmt.Errorf("operation %s commission_bps must be below 10000: %w", name, ErrInvalidOperation)
	}

	if ev := op.AuthorizingEvent; ev != nil {
		if ev.ChainName == "" {
			ev.ChainName = op.SourceChainName
		}
		if ev.Chain, ok = cfg.Chains[ev.ChainName]; !ok {
			return fmt.Errorf("operation %s event chain %q: %w", name, ev.ChainName, ErrUnknownChain)
		}
		if ev.Event == "" {
			return fmt.Errorf("operation %s authorizing event signature is empty: %w", name, ErrInvalidOperation)
		}
		if ev.JobIDField == "" {
			ev.JobIDField = "jobId"
		}
		if ev.SearchWindow == 0 {
			ev.SearchWindow = ev.Chain.SearchWindow
		}
		if ev.Timeout == 0 {
			ev.Timeout = defaultEventTimeout
		}
		if ev.PollInterval == 0 {
			ev.PollInterval = ev.Chain.BlockTime
		}
	}
	if tr := op.AutoTrigger; tr != nil {
		if tr.Event == "" {
			return fmt.Errorf("operation %s auto trigger event signature is empty: %w", name, ErrInvalidOperation)
		}
		if tr.JobIDField == "" {
			tr.JobIDField = "jobId"
		}
	}
	return nil
}

func (cfg *Config) GetChainConfig(chainID string) *ChainConfig {
	for _, chain := range cfg.Chains {
		if chain.ChainID == chainID {
			return chain
		}
	}
	return nil
}

func ReadConfig(blob []byte) (*Config, error) {
	cfg, err := readYamlConfig(blob)
	if err != nil {
		return nil, err
	}
	if err = cfg.init(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func ReadConfigWithEnv(blob []byte) (*Config, error) {
	return ReadConfig([]byte(os.ExpandEnv(string(blob))))
}

func ReadConfigFromFile(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read config file: %w", err)
	}
	return ReadConfigWithEnv(blob)
}
