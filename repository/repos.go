package repository

import (
	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/repository/postgres"
)

type Repo struct {
	BridgeTransactions entity.BridgeTransactionsRepo
	BlockCursors       entity.BlockCursorsRepo
	GuardianSets       entity.GuardianSetsRepo
	Checkpoints        entity.CheckpointsRepo
}

func NewRepo(db *db.DB) *Repo {
	return &Repo{
		BridgeTransactions: postgres.NewBridgeTransactionsRepo("bridge_transactions", db),
		BlockCursors:       postgres.NewBlockCursorsRepo("block_cursors", db),
		GuardianSets:       postgres.NewGuardianSetsRepo("guardian_sets", db),
		Checkpoints:        postgres.NewCheckpointsRepo("checkpoints", db),
	}
}
