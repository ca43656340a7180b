// Package cache provides process-local expiring caches used by the relayer
// processing loops.
package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/omni/tokenbridge-relayer/vaa"
)

// AttestationCache keeps fetched signed attestations keyed by message id, so
// that transaction retries within the ttl window don't hit the guardian api
// again.
type AttestationCache struct {
	cache *ttlcache.Cache[string, *vaa.VAA]
}

func NewAttestationCache(ttl time.Duration) *AttestationCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *vaa.VAA](ttl),
	)
	go cache.Start()
	return &AttestationCache{cache: cache}
}

// Get returns the cached attestation or nil.
func (c *AttestationCache) Get(id string) *vaa.VAA {
	item := c.cache.Get(id)
	if item == nil {
		return nil
	}
	return item.Value()
}

func (c *AttestationCache) Set(id string, attestation *vaa.VAA) {
	c.cache.Set(id, attestation, ttlcache.DefaultTTL)
}

func (c *AttestationCache) Stop() {
	c.cache.Stop()
}
