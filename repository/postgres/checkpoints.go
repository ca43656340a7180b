package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
)

type checkpointsRepo basePostgresRepo

func NewCheckpointsRepo(table string, db *db.DB) entity.CheckpointsRepo {
	return (*checkpointsRepo)(newBasePostgresRepo(table, db))
}

func (r *checkpointsRepo) Ensure(ctx context.Context, cp *entity.Checkpoint) error {
	q, args, err := sq.Insert(r.table).
		Columns("id", "bridge_id", "data").
		Values(cp.ID, cp.BridgeID, cp.Data).
		Suffix("ON CONFLICT (id) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert checkpoint: %w", err)
	}
	return nil
}

func (r *checkpointsRepo) GetLatest(ctx context.Context, bridgeID string) (*entity.Checkpoint, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"bridge_id": bridgeID}).
		OrderBy("created_at DESC").
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	cp := new(entity.Checkpoint)
	err = r.db.GetContext(ctx, cp, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't get latest checkpoint: %w", err)
	}
	return cp, nil
}
