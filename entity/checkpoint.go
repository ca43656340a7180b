package entity

import (
	"context"
	"time"
)

// Checkpoint is the audit record of a written state snapshot. The snapshot
// content itself is an opaque JSON blob produced by the recovery manager.
type Checkpoint struct {
	ID        string     `db:"id"`
	BridgeID  string     `db:"bridge_id"`
	Data      []byte     `db:"data"`
	CreatedAt *time.Time `db:"created_at"`
}

type CheckpointsRepo interface {
	Ensure(ctx context.Context, cp *Checkpoint) error
	GetLatest(ctx context.Context, bridgeID string) (*Checkpoint, error)
}
