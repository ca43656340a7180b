package postgres

import (
	"github.com/omni/tokenbridge-relayer/db"
)

// basePostgresRepo carries the table name and db handle shared by every
// repository. Concrete repos are type conversions of it.
type basePostgresRepo struct {
	table string
	db    *db.DB
}

func newBasePostgresRepo(table string, db *db.DB) *basePostgresRepo {
	return &basePostgresRepo{table: table, db: db}
}
