package broker

import (
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/nugget/loom/internal/loomevent"
)

// idemShards is the number of cache shards. Spreading the idempotency
// cache across independent mutexes keeps a TTL sweep or a burst of
// concurrent invokes for unrelated capabilities from serializing on a
// single lock (spec §5: "concurrent map with TTL sweep").
const idemShards = 16

type idemEntry struct {
	result    loomevent.Result
	firstSeen time.Time
	expiresAt time.Time
}

// idemCache is the Broker's idempotency cache, keyed by
// (capability name, call id). TTL is sliding on hit, capped at
// firstSeen+maxTTL (spec §4.2 "Idempotency cache policy").
type idemCache struct {
	ttl    time.Duration
	maxTTL time.Duration

	shards [idemShards]struct {
		mu sync.Mutex
		m  map[string]*idemEntry
	}

	hits struct {
		mu sync.Mutex
		n  int64
	}
}

func newIdemCache(ttl, maxTTL time.Duration) *idemCache {
	c := &idemCache{ttl: ttl, maxTTL: maxTTL}
	for i := range c.shards {
		c.shards[i].m = make(map[string]*idemEntry)
	}
	return c
}

// shardKey derives both the shard index and the map key from a
// blake2b-256 digest of capability and callID joined by a NUL byte, avoiding a second string
// concatenation+lookup pass for sharding versus keying.
func (c *idemCache) shardKey(capability, callID string) (int, string) {
	sum := blake2b.Sum256([]byte(capability + "\x00" + callID))
	idx := int(sum[0]) % idemShards
	return idx, string(sum[:])
}

func (c *idemCache) get(capability, callID string) (loomevent.Result, bool) {
	idx, key := c.shardKey(capability, callID)
	shard := &c.shards[idx]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.m[key]
	if !ok {
		return loomevent.Result{}, false
	}
	now := time.Now()
	if now.After(e.expiresAt) {
		delete(shard.m, key)
		return loomevent.Result{}, false
	}
	// Sliding TTL, capped at the hard max from first insertion.
	next := now.Add(c.ttl)
	hardMax := e.firstSeen.Add(c.maxTTL)
	if next.After(hardMax) {
		next = hardMax
	}
	e.expiresAt = next

	c.hits.mu.Lock()
	c.hits.n++
	c.hits.mu.Unlock()

	return e.result, true
}

func (c *idemCache) put(capability, callID string, result loomevent.Result) {
	idx, key := c.shardKey(capability, callID)
	shard := &c.shards[idx]
	now := time.Now()

	shard.mu.Lock()
	shard.m[key] = &idemEntry{
		result:    result,
		firstSeen: now,
		expiresAt: now.Add(c.ttl),
	}
	shard.mu.Unlock()
}

func (c *idemCache) cacheHits() int64 {
	c.hits.mu.Lock()
	defer c.hits.mu.Unlock()
	return c.hits.n
}

// sweep removes expired entries across all shards. Intended to run
// periodically from a background goroutine owned by the Broker.
func (c *idemCache) sweep(now time.Time) {
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for k, e := range shard.m {
			if now.After(e.expiresAt) {
				delete(shard.m, k)
			}
		}
		shard.mu.Unlock()
	}
}
