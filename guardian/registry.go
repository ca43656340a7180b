// Package guardian resolves guardian sets published by the attestation
// network and verifies guardian quorum signatures on attestations.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/guardianrpc"
	"github.com/omni/tokenbridge-relayer/logging"
)

// Registry resolves guardian sets by index. A published set never changes, so
// resolved sets are cached for the process lifetime and persisted for the
// next run.
type Registry interface {
	GuardianSet(ctx context.Context, index uint32) (*entity.GuardianSet, error)
	CurrentGuardianSet(ctx context.Context) (*entity.GuardianSet, error)
	QuorumSize(ctx context.Context, index uint32) (uint, error)
	IsExpired(ctx context.Context, index uint32, at time.Time) (bool, error)
}

type registry struct {
	logger logging.Logger
	client guardianrpc.Client
	repo   entity.GuardianSetsRepo

	mu   sync.RWMutex
	sets map[uint32]*entity.GuardianSet
}

func NewRegistry(logger logging.Logger, client guardianrpc.Client, repo entity.GuardianSetsRepo) Registry {
	return &registry{
		logger: logger,
		client: client,
		repo:   repo,
		sets:   make(map[uint32]*entity.GuardianSet),
	}
}

func (r *registry) GuardianSet(ctx context.Context, index uint32) (*entity.GuardianSet, error) {
	r.mu.RLock()
	set, ok := r.sets[index]
	r.mu.RUnlock()
	if ok {
		SetCacheResults.WithLabelValues("hit").Inc()
		return set, nil
	}

	set, err := r.repo.GetByIndex(ctx, index)
	if err == nil {
		SetCacheResults.WithLabelValues("db").Inc()
		r.store(set)
		return set, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("can't get guardian set %d from db: %w", index, err)
	}

	set, err = r.client.GetGuardianSet(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("can't fetch guardian set %d: %w", index, err)
	}
	SetCacheResults.WithLabelValues("api").Inc()
	r.persist(ctx, set)
	return set, nil
}

func (r *registry) CurrentGuardianSet(ctx context.Context) (*entity.GuardianSet, error) {
	set, err := r.client.GetCurrentGuardianSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't fetch current guardian set: %w", err)
	}
	r.persist(ctx, set)
	return set, nil
}

func (r *registry) QuorumSize(ctx context.Context, index uint32) (uint, error) {
	set, err := r.GuardianSet(ctx, index)
	if err != nil {
		return 0, err
	}
	return set.Quorum(), nil
}

func (r *registry) IsExpired(ctx context.Context, index uint32, at time.Time) (bool, error) {
	set, err := r.GuardianSet(ctx, index)
	if err != nil {
		return false, err
	}
	return set.IsExpired(at), nil
}

func (r *registry) store(set *entity.GuardianSet) {
	r.mu.Lock()
	r.sets[set.SetIndex] = set
	r.mu.Unlock()
}

// persist caches the set and writes it through to the db. A failed write is
// not fatal, the set is still served from memory.
func (r *registry) persist(ctx context.Context, set *entity.GuardianSet) {
	r.store(set)
	if err := r.repo.Ensure(ctx, set); err != nil {
		r.logger.WithError(err).WithField("set_index", set.SetIndex).Warn("can't persist guardian set")
	}
}
