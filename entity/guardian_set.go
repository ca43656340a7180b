package entity

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// GuardianSet is an indexed set of guardian signer addresses published by the
// attestation network. Sets are immutable once published, an expired set is
// kept for verifying historical attestations only.
type GuardianSet struct {
	SetIndex       uint32         `db:"set_index"`
	Keys           pq.StringArray `db:"keys"`
	ExpirationTime *time.Time     `db:"expiration_time"`
	CreatedAt      *time.Time     `db:"created_at"`
	UpdatedAt      *time.Time     `db:"updated_at"`
}

// Quorum returns the minimal number of distinct guardian signatures required
// for an attestation over this set.
func (gs *GuardianSet) Quorum() uint {
	return uint(len(gs.Keys))*2/3 + 1
}

func (gs *GuardianSet) KeyAt(index uint8) (common.Address, bool) {
	if int(index) >= len(gs.Keys) {
		return common.Address{}, false
	}
	return common.HexToAddress(gs.Keys[index]), true
}

func (gs *GuardianSet) HasKey(addr common.Address) bool {
	for _, key := range gs.Keys {
		if strings.EqualFold(key, addr.Hex()) {
			return true
		}
	}
	return false
}

func (gs *GuardianSet) IsExpired(at time.Time) bool {
	return gs.ExpirationTime != nil && gs.ExpirationTime.Before(at)
}

type GuardianSetsRepo interface {
	Ensure(ctx context.Context, set *GuardianSet) error
	GetByIndex(ctx context.Context, index uint32) (*GuardianSet, error)
}
