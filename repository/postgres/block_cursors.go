package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
)

type blockCursorsRepo basePostgresRepo

func NewBlockCursorsRepo(table string, db *db.DB) entity.BlockCursorsRepo {
	return (*blockCursorsRepo)(newBasePostgresRepo(table, db))
}

func (r *blockCursorsRepo) Ensure(ctx context.Context, cursor *entity.BlockCursor) error {
	q, args, err := sq.Insert(r.table).
		Columns("chain_id", "address", "last_processed_block").
		Values(cursor.ChainID, cursor.Address, cursor.LastProcessedBlock).
		Suffix("ON CONFLICT (chain_id, address) DO UPDATE SET updated_at = NOW(), last_processed_block = EXCLUDED.last_processed_block").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert block cursor: %w", err)
	}
	return nil
}

func (r *blockCursorsRepo) GetByChainIDAndAddress(ctx context.Context, chainID string, addr common.Address) (*entity.BlockCursor, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"chain_id": chainID, "address": addr}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	cursor := new(entity.BlockCursor)
	err = r.db.GetContext(ctx, cursor, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't get block cursor by chain_id and address: %w", err)
	}
	return cursor, nil
}
