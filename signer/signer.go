// Package signer manages the relayer's submission keys for one bridge.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/utils"
)

var (
	ErrNoStandbyKey = errors.New("no standby signing key configured")
	ErrKeyUnusable  = errors.New("signing key is unusable")
)

// Signer holds an active submission key and an optional standby key. The
// active key signs redemption transactions until a failover switches the
// roles.
type Signer struct {
	mu        sync.RWMutex
	active    *ecdsa.PrivateKey
	standby   *ecdsa.PrivateKey
	rotatedAt *time.Time
}

func NewSigner(cfg *config.KeysConfig) (*Signer, error) {
	active, err := parseKey(cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("can't parse primary key: %w", err)
	}
	s := &Signer{active: active}
	if cfg.Backup != "" {
		standby, err := parseKey(cfg.Backup)
		if err != nil {
			return nil, fmt.Errorf("can't parse backup key: %w", err)
		}
		s.standby = standby
	}
	return s, nil
}

func parseKey(rawKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
}

// Address returns the address of the currently active key.
func (s *Signer) Address() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crypto.PubkeyToAddress(s.active.PublicKey)
}

// StandbyAddress returns the standby key address, if one is configured.
func (s *Signer) StandbyAddress() (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.standby == nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(s.standby.PublicKey), true
}

// SignTx signs the transaction with the active key.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s.mu.RLock()
	key := s.active
	s.mu.RUnlock()

	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("can't sign transaction: %w", err)
	}
	return signed, nil
}

// Switch atomically swaps the active and standby keys and records the
// rotation time. It returns the new active address.
func (s *Signer) Switch() (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.standby == nil {
		return common.Address{}, ErrNoStandbyKey
	}
	s.active, s.standby = s.standby, s.active
	now := time.Now()
	s.rotatedAt = &now
	return crypto.PubkeyToAddress(s.active.PublicKey), nil
}

// RotatedAt returns the time of the last key rotation, nil if the keys were
// never switched.
func (s *Signer) RotatedAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotatedAt
}

// ProbeActive proves the active key material is usable by signing a probe
// digest and recovering the expected address from the signature.
func (s *Signer) ProbeActive() error {
	s.mu.RLock()
	key := s.active
	s.mu.RUnlock()
	return probe(key)
}

func (s *Signer) ProbeStandby() error {
	s.mu.RLock()
	key := s.standby
	s.mu.RUnlock()
	if key == nil {
		return ErrNoStandbyKey
	}
	return probe(key)
}

func probe(key *ecdsa.PrivateKey) error {
	digest := crypto.Keccak256Hash([]byte("signing key probe"))
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return fmt.Errorf("can't sign probe digest: %w", err)
	}
	signer, err := utils.RestoreSignerAddress(digest, sig)
	if err != nil {
		return fmt.Errorf("can't recover probe signer: %w", err)
	}
	if signer != crypto.PubkeyToAddress(key.PublicKey) {
		return fmt.Errorf("probe signer %s does not match the key address: %w", signer, ErrKeyUnusable)
	}
	return nil
}
