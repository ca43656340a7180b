package vaa

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SupportedVersion is the only attestation format version the relayer accepts.
const SupportedVersion = 1

// SignatureLength is the byte length of a single guardian signature (r || s || v).
const SignatureLength = 65

const (
	headerLength = 1 + 4 + 1
	bodyLength   = 4 + 4 + 2 + 32 + 8 + 1
)

var (
	ErrTooShort           = errors.New("attestation bytes are too short")
	ErrUnsupportedVersion = errors.New("unsupported attestation version")
)

// Signature is a guardian signature over the attestation body digest,
// prefixed with the guardian's position in the signing set.
type Signature struct {
	GuardianIndex uint8
	Signature     [SignatureLength]byte
}

// VAA is a guardian-signed attestation of an observed bridge event. The
// serialized layout is fixed big-endian: a header (version, guardian set
// index, signature count, signatures) followed by the signed body
// (timestamp, nonce, emitter chain, emitter address, sequence, consistency
// level, payload).
type VAA struct {
	Version          uint8
	GuardianSetIndex uint32
	Signatures       []*Signature
	Timestamp        time.Time
	Nonce            uint32
	EmitterChain     uint16
	EmitterAddress   [32]byte
	Sequence         uint64
	ConsistencyLevel uint8
	Payload          []byte
}

func Unmarshal(data []byte) (*VAA, error) {
	if len(data) < headerLength+bodyLength {
		return nil, ErrTooShort
	}
	v := new(VAA)
	reader := bytes.NewReader(data)

	if err := binary.Read(reader, binary.BigEndian, &v.Version); err != nil {
		return nil, fmt.Errorf("can't read version: %w", err)
	}
	if v.Version != SupportedVersion {
		return nil, fmt.Errorf("version %d: %w", v.Version, ErrUnsupportedVersion)
	}
	if err := binary.Read(reader, binary.BigEndian, &v.GuardianSetIndex); err != nil {
		return nil, fmt.Errorf("can't read guardian set index: %w", err)
	}
	var numSignatures uint8
	if err := binary.Read(reader, binary.BigEndian, &numSignatures); err != nil {
		return nil, fmt.Errorf("can't read signature count: %w", err)
	}
	for i := 0; i < int(numSignatures); i++ {
		sig := new(Signature)
		if err := binary.Read(reader, binary.BigEndian, &sig.GuardianIndex); err != nil {
			return nil, fmt.Errorf("can't read signature %d guardian index: %w", i, err)
		}
		if n, err := reader.Read(sig.Signature[:]); err != nil || n != SignatureLength {
			return nil, fmt.Errorf("can't read signature %d: %w", i, ErrTooShort)
		}
		v.Signatures = append(v.Signatures, sig)
	}

	var timestamp uint32
	if err := binary.Read(reader, binary.BigEndian, &timestamp); err != nil {
		return nil, fmt.Errorf("can't read timestamp: %w", err)
	}
	v.Timestamp = time.Unix(int64(timestamp), 0)
	if err := binary.Read(reader, binary.BigEndian, &v.Nonce); err != nil {
		return nil, fmt.Errorf("can't read nonce: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &v.EmitterChain); err != nil {
		return nil, fmt.Errorf("can't read emitter chain: %w", err)
	}
	if n, err := reader.Read(v.EmitterAddress[:]); err != nil || n != len(v.EmitterAddress) {
		return nil, fmt.Errorf("can't read emitter address: %w", ErrTooShort)
	}
	if err := binary.Read(reader, binary.BigEndian, &v.Sequence); err != nil {
		return nil, fmt.Errorf("can't read sequence: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &v.ConsistencyLevel); err != nil {
		return nil, fmt.Errorf("can't read consistency level: %w", err)
	}
	v.Payload = make([]byte, reader.Len())
	if _, err := reader.Read(v.Payload); err != nil && reader.Len() > 0 {
		return nil, fmt.Errorf("can't read payload: %w", err)
	}
	return v, nil
}

func (v *VAA) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(v.Version)
	_ = binary.Write(buf, binary.BigEndian, v.GuardianSetIndex)
	buf.WriteByte(uint8(len(v.Signatures)))
	for _, sig := range v.Signatures {
		buf.WriteByte(sig.GuardianIndex)
		buf.Write(sig.Signature[:])
	}
	buf.Write(v.serializeBody())
	return buf.Bytes()
}

func (v *VAA) serializeBody() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(v.Timestamp.Unix()))
	_ = binary.Write(buf, binary.BigEndian, v.Nonce)
	_ = binary.Write(buf, binary.BigEndian, v.EmitterChain)
	buf.Write(v.EmitterAddress[:])
	_ = binary.Write(buf, binary.BigEndian, v.Sequence)
	buf.WriteByte(v.ConsistencyLevel)
	buf.Write(v.Payload)
	return buf.Bytes()
}

// SigningDigest returns the message guardians sign: the double keccak256 of
// the serialized attestation body.
func (v *VAA) SigningDigest() common.Hash {
	return crypto.Keccak256Hash(crypto.Keccak256(v.serializeBody()))
}

// MessageID identifies the attested message as emitterChain/emitterAddress/sequence.
func (v *VAA) MessageID() string {
	return fmt.Sprintf("%d/%s/%d", v.EmitterChain, common.Bytes2Hex(v.EmitterAddress[:]), v.Sequence)
}

// AddSignature signs the attestation body with the given key and appends the
// signature on behalf of the guardian at the given index.
func (v *VAA) AddSignature(key *ecdsa.PrivateKey, index uint8) {
	sig, err := crypto.Sign(v.SigningDigest().Bytes(), key)
	if err != nil {
		panic(err)
	}
	sigData := [SignatureLength]byte{}
	copy(sigData[:], sig)
	v.Signatures = append(v.Signatures, &Signature{
		GuardianIndex: index,
		Signature:     sigData,
	})
}

// EmitterFromAddress left-pads an EVM contract address to the 32-byte
// emitter address format.
func EmitterFromAddress(addr common.Address) [32]byte {
	var emitter [32]byte
	copy(emitter[12:], addr.Bytes())
	return emitter
}

// AddressFromPadded truncates a 32-byte emitter-format address back to the
// EVM 20-byte form.
func AddressFromPadded(padded [32]byte) common.Address {
	return common.BytesToAddress(padded[12:])
}
