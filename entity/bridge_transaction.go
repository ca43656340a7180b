package entity

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidStatusTransition = errors.New("invalid status transition")

type TransferType string

const (
	TransferTypeDeposit    TransferType = "deposit"
	TransferTypeWithdrawal TransferType = "withdrawal"
)

type TxStatus string

const (
	TxStatusInitiated  TxStatus = "initiated"
	TxStatusPending    TxStatus = "pending"
	TxStatusProcessing TxStatus = "processing"
	TxStatusCompleted  TxStatus = "completed"
	TxStatusFailed     TxStatus = "failed"
	TxStatusAborted    TxStatus = "aborted"
)

// CanTransitionTo tells if the status machine allows moving to the next status.
// Completed transactions are immutable.
func (s TxStatus) CanTransitionTo(next TxStatus) bool {
	switch s {
	case TxStatusInitiated:
		return next == TxStatusPending
	case TxStatusPending:
		return next == TxStatusProcessing || next == TxStatusAborted
	case TxStatusProcessing:
		return next == TxStatusPending || next == TxStatusCompleted || next == TxStatusFailed || next == TxStatusAborted
	case TxStatusFailed, TxStatusAborted:
		return next == TxStatusPending
	case TxStatusCompleted:
		return false
	}
	return false
}

func (s TxStatus) IsFinal() bool {
	return s == TxStatusCompleted
}

type BridgeTransaction struct {
	ID            common.Hash    `db:"id"`
	BridgeID      string         `db:"bridge_id"`
	TransferType  TransferType   `db:"transfer_type"`
	Status        TxStatus       `db:"status"`
	SourceChainID string         `db:"source_chain_id"`
	TargetChainID string         `db:"target_chain_id"`
	SourceToken   common.Address `db:"source_token"`
	TargetToken   common.Address `db:"target_token"`
	Amount        string         `db:"amount"`
	Sender        common.Address `db:"sender"`
	Recipient     common.Address `db:"recipient"`
	SourceTxHash  common.Hash    `db:"source_tx_hash"`
	TargetTxHash  *common.Hash   `db:"target_tx_hash"`
	Sequence      uint64         `db:"sequence"`
	Attestation   []byte         `db:"attestation"`
	ErrorMsg      *string        `db:"error_msg"`
	RetryCount    uint           `db:"retry_count"`
	CreatedAt     *time.Time     `db:"created_at"`
	UpdatedAt     *time.Time     `db:"updated_at"`
	CompletedAt   *time.Time     `db:"completed_at"`
}

// SetStatus enforces the status machine on in-place updates.
func (tx *BridgeTransaction) SetStatus(next TxStatus) error {
	if !tx.Status.CanTransitionTo(next) {
		return fmt.Errorf("can't move transaction %s from %s to %s: %w", tx.ID, tx.Status, next, ErrInvalidStatusTransition)
	}
	tx.Status = next
	return nil
}

func (tx *BridgeTransaction) SetError(err error) {
	msg := err.Error()
	tx.ErrorMsg = &msg
}

// TransactionID derives the deterministic transaction identifier from the
// source-chain coordinates of the transfer. Re-discovering the same event
// always yields the same ID.
func TransactionID(sourceChainID string, sourceTxHash common.Hash, logIndex uint, sequence uint64) common.Hash {
	var idx, seq [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(logIndex))
	binary.BigEndian.PutUint64(seq[:], sequence)
	return crypto.Keccak256Hash([]byte(sourceChainID), sourceTxHash.Bytes(), idx[:], seq[:])
}

type BridgeTransactionsRepo interface {
	Ensure(ctx context.Context, tx *BridgeTransaction) error
	Update(ctx context.Context, tx *BridgeTransaction) error
	GetByID(ctx context.Context, bridgeID string, id common.Hash) (*BridgeTransaction, error)
	FindByStatus(ctx context.Context, bridgeID string, status TxStatus, limit uint) ([]*BridgeTransaction, error)
	FindBySourceTxHash(ctx context.Context, bridgeID string, txHash common.Hash) ([]*BridgeTransaction, error)
	FindStuck(ctx context.Context, bridgeID string, olderThan time.Time) ([]*BridgeTransaction, error)
	FindUnfinished(ctx context.Context, bridgeID string, chainID string) ([]*BridgeTransaction, error)
	CountByStatus(ctx context.Context, bridgeID string) (map[TxStatus]uint, error)
}
