package btcrpc

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// cache is a small size-bounded cache for block hashes, adapted from the
// teacher's mempool.space client cache: block hashes never change once
// mined, so the only eviction pressure is memory, not staleness.
type cache struct {
	mu         sync.RWMutex
	blockHash  map[int64]chainhash.Hash
	maxEntries int
}

func newCache() *cache {
	return &cache{
		blockHash:  make(map[int64]chainhash.Hash, 256),
		maxEntries: 4096,
	}
}

func (c *cache) getBlockHash(height int64) (chainhash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.blockHash[height]
	return h, ok
}

func (c *cache) setBlockHash(height int64, hash chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.blockHash) >= c.maxEntries {
		// Evict an arbitrary entry; correctness doesn't depend on
		// which one since stale heights are simply refetched.
		for k := range c.blockHash {
			delete(c.blockHash, k)
			break
		}
	}

	c.blockHash[height] = hash
}

func (c *cache) invalidateFrom(height int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for h := range c.blockHash {
		if h >= height {
			delete(c.blockHash, h)
		}
	}
}
