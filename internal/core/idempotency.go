package core

import (
	"container/list"
	"fmt"

	"Percolator/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of request ids
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	log     zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(tag string, requestID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, log zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		log:       log,
	}
}

// CompositeKey is the LRU key of a request: "<tag>:<request id>".
func CompositeKey(tag, requestID string) string {
	return fmt.Sprintf("%s:%s", tag, requestID)
}

// IsDuplicate checks if a request has been committed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(tag string, requestID string) bool {
	compositeKey := CompositeKey(tag, requestID)

	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(compositeKey) {
		ic.recordDuplicate(tag, "lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(tag, requestID)
		if err != nil {
			// assume not duplicate; a DB outage must not stall the market
			ic.log.Warn().Err(err).Str("tag", tag).Str("request_id", requestID).Msg("tier-2 idempotency lookup failed")
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}

		if isDup {
			ic.recordDuplicate(tag, "postgres")
			ic.lru.Add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(tag string, requestID string) {
	ic.lru.Add(CompositeKey(tag, requestID))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Warm loads composite keys recorded before a restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) recordDuplicate(tag, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tag, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe: only accessed from the single-threaded controller.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU, oldest first,
// so the most recent keys survive eviction.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
