package attestation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidMessage = errors.New("invalid cctp message")

const (
	headerLength   = 116
	burnBodyLength = 132
)

// BurnMessage is a decoded CCTP message carrying a token burn body.
type BurnMessage struct {
	Version           uint32
	SourceDomain      uint32
	DestinationDomain uint32
	Nonce             uint64
	Sender            common.Hash
	Recipient         common.Hash
	DestinationCaller common.Hash

	BodyVersion   uint32
	BurnToken     common.Address
	MintRecipient common.Address
	Amount        *big.Int
	MessageSender common.Address
}

func DecodeBurnMessage(data []byte) (*BurnMessage, error) {
	if len(data) < headerLength+burnBodyLength {
		return nil, fmt.Errorf("%w: length %d is less than %d", ErrInvalidMessage, len(data), headerLength+burnBodyLength)
	}
	body := data[headerLength:]
	return &BurnMessage{
		Version:           binary.BigEndian.Uint32(data[0:4]),
		SourceDomain:      binary.BigEndian.Uint32(data[4:8]),
		DestinationDomain: binary.BigEndian.Uint32(data[8:12]),
		Nonce:             binary.BigEndian.Uint64(data[12:20]),
		Sender:            common.BytesToHash(data[20:52]),
		Recipient:         common.BytesToHash(data[52:84]),
		DestinationCaller: common.BytesToHash(data[84:116]),

		BodyVersion:   binary.BigEndian.Uint32(body[0:4]),
		BurnToken:     common.BytesToAddress(body[4:36]),
		MintRecipient: common.BytesToAddress(body[36:68]),
		Amount:        new(big.Int).SetBytes(body[68:100]),
		MessageSender: common.BytesToAddress(body[100:132]),
	}, nil
}

// NonceHash is the key under which the destination message transmitter marks the message as used.
func (m *BurnMessage) NonceHash() common.Hash {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], m.SourceDomain)
	binary.BigEndian.PutUint64(buf[4:12], m.Nonce)
	return crypto.Keccak256Hash(buf)
}
