// signature_cache_lru.go implements an LRU cache for verified BIP-340
// Schnorr signature results, keyed by (digest, pubkey, sig). This avoids
// redundant schnorr.Verify work when the same gossip message is seen
// multiple times (duty executor poll retries, relay rebroadcast).
//
// The cache uses a doubly-linked list for LRU eviction and a map for O(1)
// lookups. All operations are thread-safe via sync.RWMutex.
package crypto

import (
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/basinrollup/basin/primitives"
)

// SigCacheStats holds hit/miss statistics for a SigLRUCache.
type SigCacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries uint64
}

type sigCacheKey struct {
	digest [32]byte
	pubkey primitives.Buf32
	sig    primitives.Buf64
}

// sigLRUNode is a doubly-linked list node for the LRU eviction list.
type sigLRUNode struct {
	key   sigCacheKey
	valid bool
	prev  *sigLRUNode
	next  *sigLRUNode
}

// SigLRUCache is a thread-safe LRU cache for verified Schnorr signature
// results.
type SigLRUCache struct {
	mu       sync.RWMutex
	capacity int
	items    map[sigCacheKey]*sigLRUNode

	// Doubly-linked list: head is MRU, tail is LRU.
	head *sigLRUNode
	tail *sigLRUNode

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewSigLRUCache creates a signature LRU cache with the given capacity.
// If capacity is <= 0, a default of 4096 is used.
func NewSigLRUCache(capacity int) *SigLRUCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &SigLRUCache{
		capacity: capacity,
		items:    make(map[sigCacheKey]*sigLRUNode, capacity),
	}
}

// Lookup checks the cache for a previously verified (digest, pubkey, sig)
// triple. A hit promotes the entry to MRU position.
func (c *SigLRUCache) Lookup(digest [32]byte, pubkey primitives.Buf32, sig primitives.Buf64) (valid, found bool) {
	key := sigCacheKey{digest: digest, pubkey: pubkey, sig: sig}

	c.mu.Lock()
	node, ok := c.items[key]
	if ok {
		c.moveToHead(node)
		valid = node.valid
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return false, false
	}

	c.hits.Add(1)
	return valid, true
}

// Add inserts a verification result into the cache, evicting the least
// recently used entry if the cache is at capacity.
func (c *SigLRUCache) Add(digest [32]byte, pubkey primitives.Buf32, sig primitives.Buf64, valid bool) {
	key := sigCacheKey{digest: digest, pubkey: pubkey, sig: sig}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		existing.valid = valid
		c.moveToHead(existing)
		return
	}

	node := &sigLRUNode{key: key, valid: valid}
	c.items[key] = node
	c.pushHead(node)

	if len(c.items) > c.capacity {
		c.evictTail()
	}
}

// VerifyCached checks the cache before falling back to schnorr.Verify, and
// populates the cache on a miss. digest is the 32-byte message digest; pubkey
// is the operator's BIP-340 x-only pubkey; sig is the Schnorr signature.
func (c *SigLRUCache) VerifyCached(digest [32]byte, pubkey primitives.Buf32, sig primitives.Buf64) (bool, error) {
	if valid, found := c.Lookup(digest, pubkey, sig); found {
		return valid, nil
	}

	pub, err := schnorr.ParsePubKey(pubkey[:])
	if err != nil {
		return false, err
	}
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false, err
	}
	valid := parsed.Verify(digest[:], pub)
	c.Add(digest, pubkey, sig, valid)
	return valid, nil
}

// Len returns the number of entries currently in the cache.
func (c *SigLRUCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all entries and resets hit/miss counters.
func (c *SigLRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[sigCacheKey]*sigLRUNode, c.capacity)
	c.head = nil
	c.tail = nil
	c.hits.Store(0)
	c.misses.Store(0)
}

// HitRate returns the cache hit percentage as a value in [0, 1].
func (c *SigLRUCache) HitRate() float64 {
	h := c.hits.Load()
	m := c.misses.Load()
	total := h + m
	if total == 0 {
		return 0
	}
	return float64(h) / float64(total)
}

// Stats returns a snapshot of the cache statistics.
func (c *SigLRUCache) Stats() *SigCacheStats {
	c.mu.RLock()
	entries := uint64(len(c.items))
	c.mu.RUnlock()
	return &SigCacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: entries}
}

// --- internal linked-list operations (caller must hold c.mu write lock) ---

func (c *SigLRUCache) pushHead(node *sigLRUNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *SigLRUCache) removeNode(node *sigLRUNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev = nil
	node.next = nil
}

func (c *SigLRUCache) moveToHead(node *sigLRUNode) {
	if c.head == node {
		return
	}
	c.removeNode(node)
	c.pushHead(node)
}

func (c *SigLRUCache) evictTail() {
	if c.tail == nil {
		return
	}
	evicted := c.tail
	c.removeNode(evicted)
	delete(c.items, evicted.key)
}
