package cctpabi

//nolint:golint
import (
	_ "embed"

	"github.com/omni/cctp-relayer/contract/abi"
)

//go:embed message_transmitter.json
var messageTransmitterJSONABI string

//go:embed token_messenger.json
var tokenMessengerJSONABI string

//go:embed erc20.json
var erc20JSONABI string

const (
	MessageReceived = "event MessageReceived(address indexed caller, uint32 sourceDomain, uint64 indexed nonce, bytes32 sender, bytes messageBody)"
	MessageSent     = "event MessageSent(bytes message)"
	DepositForBurn  = "event DepositForBurn(uint64 indexed nonce, address indexed burnToken, uint256 amount, address indexed depositor, bytes32 mintRecipient, uint32 destinationDomain, bytes32 destinationTokenMessenger, bytes32 destinationCaller)"
	MintAndWithdraw = "event MintAndWithdraw(address indexed mintRecipient, uint256 amount, address indexed mintToken)"
	Transfer        = "event Transfer(address indexed from, address indexed to, uint256 value)"

	ReceiveMessageMethod = "receiveMessage"
	UsedNoncesMethod     = "usedNonces"
	BalanceOfMethod      = "balanceOf"
)

var (
	MessageTransmitterABI = abi.MustReadABI(messageTransmitterJSONABI)
	TokenMessengerABI     = abi.MustReadABI(tokenMessengerJSONABI)
	ERC20ABI              = abi.MustReadABI(erc20JSONABI)

	MessageReceivedEventSignature = MessageTransmitterABI.Events["MessageReceived"].ID
	DepositForBurnEventSignature  = TokenMessengerABI.Events["DepositForBurn"].ID
	ReceiveMessageSelector        = MessageTransmitterABI.Methods[ReceiveMessageMethod].ID
)
