package cache

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/jellydator/ttlcache/v3"
)

// SeenCache is a bounded set of recently observed transaction ids. The block
// watcher re-scans a confirmation window on every tick, this set keeps the
// overlap from reaching the database. Oldest entries are evicted once the
// capacity is reached, dropping an entry is safe since inserts are idempotent.
type SeenCache struct {
	cache *ttlcache.Cache[common.Hash, struct{}]
}

func NewSeenCache(capacity uint64) *SeenCache {
	return &SeenCache{
		cache: ttlcache.New(
			ttlcache.WithCapacity[common.Hash, struct{}](capacity),
		),
	}
}

func (c *SeenCache) Add(id common.Hash) {
	c.cache.Set(id, struct{}{}, ttlcache.DefaultTTL)
}

func (c *SeenCache) Has(id common.Hash) bool {
	return c.cache.Has(id)
}
