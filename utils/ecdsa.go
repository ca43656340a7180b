package utils

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RestoreSignerAddress recovers the address that produced an r||s||v signature
// over the given 32-byte digest. Signatures carrying a legacy recovery id
// (27/28) are normalized first. The input slice is left untouched.
func RestoreSignerAddress(digest common.Hash, signature []byte) (common.Address, error) {
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if len(sig) >= 65 && sig[64] >= 27 {
		sig[64] -= 27
	}
	pk, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("can't recover ecdsa signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pk), nil
}
