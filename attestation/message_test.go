package attestation_test

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/omni/cctp-relayer/attestation"
)

var (
	testBurnToken     = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	testMintRecipient = common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7")
	testMessageSender = common.HexToAddress("0x0000000000000000000000000000000000000abc")
)

func buildBurnMessage(srcDomain, dstDomain uint32, nonce uint64, amount int64) []byte {
	msg := make([]byte, 0, 248)
	msg = binary.BigEndian.AppendUint32(msg, 0)
	msg = binary.BigEndian.AppendUint32(msg, srcDomain)
	msg = binary.BigEndian.AppendUint32(msg, dstDomain)
	msg = binary.BigEndian.AppendUint64(msg, nonce)
	msg = append(msg, common.HexToHash("0x01").Bytes()...)
	msg = append(msg, common.HexToHash("0x02").Bytes()...)
	msg = append(msg, make([]byte, 32)...)
	msg = binary.BigEndian.AppendUint32(msg, 0)
	msg = append(msg, common.BytesToHash(testBurnToken.Bytes()).Bytes()...)
	msg = append(msg, common.BytesToHash(testMintRecipient.Bytes()).Bytes()...)
	msg = append(msg, common.BigToHash(big.NewInt(amount)).Bytes()...)
	msg = append(msg, common.BytesToHash(testMessageSender.Bytes()).Bytes()...)
	return msg
}

func TestDecodeBurnMessage(t *testing.T) {
	t.Parallel()

	msg, err := attestation.DecodeBurnMessage(buildBurnMessage(6, 3, 42, 2500000))
	require.NoError(t, err)
	require.Equal(t, uint32(6), msg.SourceDomain)
	require.Equal(t, uint32(3), msg.DestinationDomain)
	require.Equal(t, uint64(42), msg.Nonce)
	require.Equal(t, common.HexToHash("0x01"), msg.Sender)
	require.Equal(t, common.HexToHash("0x02"), msg.Recipient)
	require.Equal(t, testBurnToken, msg.BurnToken)
	require.Equal(t, testMintRecipient, msg.MintRecipient)
	require.Equal(t, big.NewInt(2500000), msg.Amount)
	require.Equal(t, testMessageSender, msg.MessageSender)

	expectedNonceHash := crypto.Keccak256Hash([]byte{0, 0, 0, 6, 0, 0, 0, 0, 0, 0, 0, 42})
	require.Equal(t, expectedNonceHash, msg.NonceHash())

	_, err = attestation.DecodeBurnMessage(make([]byte, 200))
	require.ErrorIs(t, err, attestation.ErrInvalidMessage)
}
