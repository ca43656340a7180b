package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omni/tokenbridge-relayer/utils"
	"github.com/omni/tokenbridge-relayer/vaa"
)

var (
	ErrExpiredGuardianSet     = errors.New("guardian set is expired")
	ErrInsufficientSignatures = errors.New("not enough valid guardian signatures")
)

// Verifier checks that an attestation carries a quorum of valid guardian
// signatures for the guardian set it references.
type Verifier struct {
	registry Registry
}

func NewVerifier(registry Registry) *Verifier {
	return &Verifier{registry: registry}
}

// Verify resolves the guardian set referenced by the attestation and counts
// valid signatures from distinct in-range guardian indices. A guardian index
// used twice is counted once, a signature whose recovered signer does not
// match the set is not counted. Verification succeeds iff the count reaches
// the set quorum.
func (vf *Verifier) Verify(ctx context.Context, attestation *vaa.VAA) error {
	set, err := vf.registry.GuardianSet(ctx, attestation.GuardianSetIndex)
	if err != nil {
		return fmt.Errorf("can't resolve guardian set %d: %w", attestation.GuardianSetIndex, err)
	}
	if set.IsExpired(time.Now()) {
		VerifyResults.WithLabelValues("expired_set").Inc()
		return fmt.Errorf("guardian set %d: %w", set.SetIndex, ErrExpiredGuardianSet)
	}

	quorum := set.Quorum()
	if uint(len(attestation.Signatures)) < quorum {
		VerifyResults.WithLabelValues("insufficient").Inc()
		return fmt.Errorf("%d signatures for quorum of %d: %w", len(attestation.Signatures), quorum, ErrInsufficientSignatures)
	}

	digest := attestation.SigningDigest()
	seen := make(map[uint8]bool, len(attestation.Signatures))
	valid := uint(0)
	for _, sig := range attestation.Signatures {
		if seen[sig.GuardianIndex] {
			continue
		}
		seen[sig.GuardianIndex] = true

		key, ok := set.KeyAt(sig.GuardianIndex)
		if !ok {
			continue
		}
		signer, err := utils.RestoreSignerAddress(digest, sig.Signature[:])
		if err != nil {
			continue
		}
		if signer == key {
			valid++
		}
	}
	if valid < quorum {
		VerifyResults.WithLabelValues("insufficient").Inc()
		return fmt.Errorf("%d of %d required valid signatures: %w", valid, quorum, ErrInsufficientSignatures)
	}
	VerifyResults.WithLabelValues("ok").Inc()
	return nil
}
