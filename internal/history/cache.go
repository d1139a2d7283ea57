package history

import (
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

type cacheKey struct {
	Document uuid.UUID
	Version  string
}

// blobCache keeps the most recently loaded snapshot versions. Versions are
// immutable, so entries never expire and only leave on capacity eviction.
type blobCache struct {
	items *ttlcache.Cache[cacheKey, []byte]
}

func newBlobCache(capacity int) *blobCache {
	if capacity < 1 {
		capacity = 1
	}
	return &blobCache{
		items: ttlcache.New[cacheKey, []byte](
			ttlcache.WithTTL[cacheKey, []byte](ttlcache.NoTTL),
			ttlcache.WithCapacity[cacheKey, []byte](uint64(capacity)),
		),
	}
}

// Get returns a copy of the cached blob and marks it recently used.
func (c *blobCache) Get(key cacheKey) ([]byte, bool) {
	item := c.items.Get(key)
	if item == nil {
		return nil, false
	}
	return append([]byte(nil), item.Value()...), true
}

func (c *blobCache) Put(key cacheKey, data []byte) {
	c.items.Set(key, append([]byte(nil), data...), ttlcache.NoTTL)
}

func (c *blobCache) Len() int {
	return c.items.Len()
}
