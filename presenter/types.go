package presenter

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/entity"
)

type HealthResult struct {
	Status  string
	Bridges []string
}

// TransactionInfo is the HTTP view of one bridge transaction. Explorer links
// are derived from the chain ids when a known explorer exists.
type TransactionInfo struct {
	ID            common.Hash
	TransferType  entity.TransferType
	Status        entity.TxStatus
	SourceChainID string
	TargetChainID string
	SourceToken   common.Address
	TargetToken   common.Address
	Amount        string
	Sender        common.Address
	Recipient     common.Address
	Sequence      uint64
	SourceTx      *TxInfo
	TargetTx      *TxInfo    `json:",omitempty"`
	RetryCount    uint       `json:",omitempty"`
	Error         *string    `json:",omitempty"`
	CreatedAt     *time.Time `json:",omitempty"`
	UpdatedAt     *time.Time `json:",omitempty"`
	CompletedAt   *time.Time `json:",omitempty"`
}

type TxInfo struct {
	Hash common.Hash
	Link string
}

type TransactionListResult struct {
	Status       entity.TxStatus
	Transactions []*TransactionInfo
}

type RecoverResult struct {
	Recovered bool
}
