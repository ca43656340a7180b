package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/contract/bridgeabi"
	"github.com/omni/tokenbridge-relayer/ethclient"
)

// BridgeContract is the token bridge endpoint the relayer watches for
// initiated transfers and redeems attested transfers on.
type BridgeContract struct {
	*Contract
}

func NewBridgeContract(client ethclient.Client, addr common.Address) *BridgeContract {
	return &BridgeContract{NewContract(client, addr, bridgeabi.BridgeABI)}
}

// IsTransferCompleted reports whether the attestation with the given signing
// digest was already redeemed on this side of the bridge.
func (c *BridgeContract) IsTransferCompleted(ctx context.Context, attestationDigest common.Hash) (bool, error) {
	res, err := c.Call(ctx, "isTransferCompleted", attestationDigest)
	if err != nil {
		return false, fmt.Errorf("cannot check transfer completion: %w", err)
	}
	return new(big.Int).SetBytes(res).Sign() != 0, nil
}

// CompleteTransferCalldata encodes a completeTransfer(bytes) call redeeming
// the signed attestation.
func (c *BridgeContract) CompleteTransferCalldata(encodedAttestation []byte) ([]byte, error) {
	return c.PackCalldata("completeTransfer", encodedAttestation)
}
