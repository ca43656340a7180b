package vaa

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// PayloadIDTransfer marks an asset-transfer attestation payload.
const PayloadIDTransfer = 1

const transferPayloadLength = 1 + 32 + 32 + 2 + 32 + 2 + 32

var ErrUnknownPayload = errors.New("unknown payload type")

// TransferPayload is the asset-transfer body carried by an attestation:
// payload id, amount, source token (32-byte form, with its chain), the
// recipient (32-byte form, with the target chain) and a relayer fee.
type TransferPayload struct {
	Amount         *big.Int
	TokenAddress   [32]byte
	TokenChain     uint16
	Recipient      [32]byte
	RecipientChain uint16
	Fee            *big.Int
}

func DecodeTransferPayload(data []byte) (*TransferPayload, error) {
	if len(data) < transferPayloadLength {
		return nil, fmt.Errorf("transfer payload of %d bytes: %w", len(data), ErrTooShort)
	}
	if data[0] != PayloadIDTransfer {
		return nil, fmt.Errorf("payload id %d: %w", data[0], ErrUnknownPayload)
	}
	p := new(TransferPayload)
	reader := bytes.NewReader(data[1:])

	amount := make([]byte, 32)
	_, _ = reader.Read(amount)
	p.Amount = new(big.Int).SetBytes(amount)
	_, _ = reader.Read(p.TokenAddress[:])
	_ = binary.Read(reader, binary.BigEndian, &p.TokenChain)
	_, _ = reader.Read(p.Recipient[:])
	_ = binary.Read(reader, binary.BigEndian, &p.RecipientChain)
	fee := make([]byte, 32)
	_, _ = reader.Read(fee)
	p.Fee = new(big.Int).SetBytes(fee)
	return p, nil
}

func (p *TransferPayload) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(PayloadIDTransfer)
	buf.Write(bigToPadded(p.Amount))
	buf.Write(p.TokenAddress[:])
	_ = binary.Write(buf, binary.BigEndian, p.TokenChain)
	buf.Write(p.Recipient[:])
	_ = binary.Write(buf, binary.BigEndian, p.RecipientChain)
	buf.Write(bigToPadded(p.Fee))
	return buf.Bytes()
}

func bigToPadded(v *big.Int) []byte {
	padded := make([]byte, 32)
	if v != nil {
		v.FillBytes(padded)
	}
	return padded
}
