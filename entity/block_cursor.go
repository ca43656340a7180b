package entity

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlockCursor tracks the last source-chain block whose bridge events were
// fully processed. Discovery resumes right after it, so a crash between
// event processing and cursor advancement replays the affected range.
type BlockCursor struct {
	ChainID            string         `db:"chain_id"`
	Address            common.Address `db:"address"`
	LastProcessedBlock uint           `db:"last_processed_block"`
	CreatedAt          *time.Time     `db:"created_at"`
	UpdatedAt          *time.Time     `db:"updated_at"`
}

type BlockCursorsRepo interface {
	Ensure(ctx context.Context, cursor *BlockCursor) error
	GetByChainIDAndAddress(ctx context.Context, chainID string, addr common.Address) (*BlockCursor, error)
}
