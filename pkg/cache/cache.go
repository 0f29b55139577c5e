// Package cache implements the hash-indexed LRU response cache: a
// fixed-size hash bucket array with singly-linked collision chains,
// cross-linked with a doubly-linked LRU list, fronting TTL expiry and a
// byte-budget eviction policy.
//
// Grounded on the canonical ("optimized") cache in
// original_source/src/components/cache.c: djb2 hashing, hash-chain plus
// doubly-linked LRU, lazy expiry on Get, tail eviction on Insert. The
// legacy singly-linked draft in the same source tree is not reproduced
// (spec.md §9).
package cache

import (
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	// fixedOverhead approximates the per-entry bookkeeping cost counted
	// against the byte budget alongside key and payload length.
	fixedOverhead = 64

	// defaultBucketCount matches spec.md §4.1's "power of two or >=1024
	// prime" guidance.
	defaultBucketCount = 1024

	// DefaultTTL is used by callers that don't specify one explicitly.
	DefaultTTL = 3600 * time.Second
)

// entry is one cached response. It lives simultaneously in a hash bucket
// chain (via chainNext) and the LRU list (via lruPrev/lruNext) — spec.md §3's
// invariant that an entry is either fully linked into both structures or
// unreachable and about to be freed.
type entry struct {
	key        string
	payload    []byte // zstd-compressed at rest, see SPEC_FULL.md §4.1a
	size       int64  // accounted size: len(compressed payload)+len(key)+fixedOverhead
	createdAt  time.Time
	lastAccess time.Time
	ttl        time.Duration

	// hash chain
	chainNext *entry

	// LRU list (doubly linked, head = most recently used)
	lruPrev *entry
	lruNext *entry
}

// Metrics is the subset of counters the cache reports; a no-op
// implementation is used when New is given nil metrics, so the cache
// never depends on Prometheus directly.
type Metrics interface {
	CacheHit()
	CacheMiss()
	CacheInsertRejected()
	CacheEviction()
}

type noopMetrics struct{}

func (noopMetrics) CacheHit()            {}
func (noopMetrics) CacheMiss()           {}
func (noopMetrics) CacheInsertRejected() {}
func (noopMetrics) CacheEviction()       {}

// Cache is the hash-indexed LRU response cache described in spec.md §4.1.
// All fields are protected by mu. Insert compresses before taking mu;
// Get decompresses while holding it. mu is never held across network
// I/O (the cache does none).
type Cache struct {
	mu sync.Mutex

	buckets     []*entry
	bucketCount uint64

	lruHead *entry // most recently used
	lruTail *entry // least recently used

	byteSize   int64
	entryCount int

	maxBytes        int64
	maxElementBytes int64
	defaultTTL      time.Duration

	enc *zstd.Encoder
	dec *zstd.Decoder

	metrics Metrics
}

// New builds a Cache with the given byte budgets. A background caller is
// expected to invoke SweepExpired periodically; the cache itself starts
// no goroutines.
func New(maxBytes, maxElementBytes int64, defaultTTL time.Duration, metrics Metrics) *Cache {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	dec, _ := zstd.NewReader(nil)
	return &Cache{
		buckets:         make([]*entry, defaultBucketCount),
		bucketCount:     defaultBucketCount,
		maxBytes:        maxBytes,
		maxElementBytes: maxElementBytes,
		defaultTTL:      defaultTTL,
		enc:             enc,
		dec:             dec,
		metrics:         metrics,
	}
}

// djb2 hashes key bytes per spec.md §4.1's stated algorithm.
func djb2(key string) uint64 {
	var h uint64 = 5381
	for i := 0; i < len(key); i++ {
		h = h*33 + uint64(key[i])
	}
	return h
}

func (c *Cache) bucketIndex(key string) uint64 {
	return djb2(key) % c.bucketCount
}

// Get returns the cached payload for key, or (nil, false) on miss or
// expiry. A hit promotes the entry to the LRU head and refreshes
// lastAccess. Expiry is checked lazily here; an expired-but-still-linked
// entry is treated as a miss without being removed (removal happens via
// SweepExpired), matching spec.md §4.1.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.find(key)
	if e == nil {
		c.metrics.CacheMiss()
		return nil, false
	}
	if time.Since(e.createdAt) > e.ttl {
		c.metrics.CacheMiss()
		return nil, false
	}

	e.lastAccess = time.Now()
	c.moveToFront(e)
	c.metrics.CacheHit()

	payload, err := c.dec.DecodeAll(e.payload, nil)
	if err != nil {
		// Corrupt at-rest payload is treated as a miss, never a panic —
		// this is not a reachable path for our own encoder, but nothing
		// downstream should trust unchecked decode output.
		c.metrics.CacheMiss()
		return nil, false
	}
	return payload, true
}

func (c *Cache) find(key string) *entry {
	idx := c.bucketIndex(key)
	for e := c.buckets[idx]; e != nil; e = e.chainNext {
		if e.key == key {
			return e
		}
	}
	return nil
}

// Insert adds a new entry for key if one does not already exist
// (first-writer-wins, spec.md §4.1). Returns false if the entry was
// rejected (oversize, after attempted eviction still doesn't fit).
func (c *Cache) Insert(key string, payload []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	compressed := c.enc.EncodeAll(payload, nil)
	size := int64(len(compressed)) + int64(len(key)) + fixedOverhead

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.find(key) != nil {
		return true // first-writer-wins: existing entry stands, not an error
	}
	if size > c.maxElementBytes || size > c.maxBytes {
		c.metrics.CacheInsertRejected()
		return false
	}

	for c.byteSize+size > c.maxBytes && c.lruTail != nil {
		c.evictTail()
	}
	if c.byteSize+size > c.maxBytes {
		c.metrics.CacheInsertRejected()
		return false
	}

	e := &entry{
		key:        key,
		payload:    compressed,
		size:       size,
		createdAt:  time.Now(),
		lastAccess: time.Now(),
		ttl:        ttl,
	}

	idx := c.bucketIndex(key)
	e.chainNext = c.buckets[idx]
	c.buckets[idx] = e

	c.pushFront(e)
	c.byteSize += size
	c.entryCount++
	return true
}

// SweepExpired removes every entry past created_at+ttl. Safe to call
// periodically from a background goroutine.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := time.Now()
	e := c.lruHead
	for e != nil {
		next := e.lruNext
		if now.Sub(e.createdAt) > e.ttl {
			c.unlinkAll(e)
			removed++
		}
		e = next
	}
	return removed
}

// Destroy drops every entry and releases the cache's structures.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buckets {
		c.buckets[i] = nil
	}
	c.lruHead = nil
	c.lruTail = nil
	c.byteSize = 0
	c.entryCount = 0
}

// Stats returns the current byte usage and entry count.
func (c *Cache) Stats() (byteSize int64, entryCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byteSize, c.entryCount
}

// evictTail removes the least-recently-used entry. Caller holds mu.
func (c *Cache) evictTail() {
	if c.lruTail == nil {
		return
	}
	c.unlinkAll(c.lruTail)
	c.metrics.CacheEviction()
}

// unlinkAll removes e from both the hash chain and the LRU list, and
// subtracts its accounted size. Caller holds mu.
func (c *Cache) unlinkAll(e *entry) {
	idx := c.bucketIndex(e.key)
	if c.buckets[idx] == e {
		c.buckets[idx] = e.chainNext
	} else {
		for p := c.buckets[idx]; p != nil; p = p.chainNext {
			if p.chainNext == e {
				p.chainNext = e.chainNext
				break
			}
		}
	}
	e.chainNext = nil

	c.unlinkLRU(e)

	c.byteSize -= e.size
	c.entryCount--
}

func (c *Cache) unlinkLRU(e *entry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else if c.lruHead == e {
		c.lruHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else if c.lruTail == e {
		c.lruTail = e.lruPrev
	}
	e.lruPrev = nil
	e.lruNext = nil
}

func (c *Cache) pushFront(e *entry) {
	e.lruPrev = nil
	e.lruNext = c.lruHead
	if c.lruHead != nil {
		c.lruHead.lruPrev = e
	}
	c.lruHead = e
	if c.lruTail == nil {
		c.lruTail = e
	}
}

func (c *Cache) moveToFront(e *entry) {
	if c.lruHead == e {
		return
	}
	c.unlinkLRU(e)
	c.pushFront(e)
}
