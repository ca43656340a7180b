package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
)

type guardianSetsRepo basePostgresRepo

func NewGuardianSetsRepo(table string, db *db.DB) entity.GuardianSetsRepo {
	return (*guardianSetsRepo)(newBasePostgresRepo(table, db))
}

func (r *guardianSetsRepo) Ensure(ctx context.Context, set *entity.GuardianSet) error {
	q, args, err := sq.Insert(r.table).
		Columns("set_index", "keys", "expiration_time").
		Values(set.SetIndex, set.Keys, set.ExpirationTime).
		Suffix("ON CONFLICT (set_index) DO UPDATE SET updated_at = NOW(), expiration_time = EXCLUDED.expiration_time").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert guardian set: %w", err)
	}
	return nil
}

func (r *guardianSetsRepo) GetByIndex(ctx context.Context, index uint32) (*entity.GuardianSet, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"set_index": index}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	set := new(entity.GuardianSet)
	err = r.db.GetContext(ctx, set, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't get guardian set by index: %w", err)
	}
	return set, nil
}
