// Package cache memoizes query results for a bounded time.
package cache

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/jonboulle/clockwork"
)

// DefaultCapacity is the number of entries kept when New is given zero.
const DefaultCapacity = 4096

// Key identifies one query of one connection of one job by position within a
// configuration snapshot.
type Key struct {
	Job        int
	Connection int
	Query      int
}

func hashKey(k Key) uint32 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(k.Job))
	binary.LittleEndian.PutUint64(buf[8:], uint64(k.Connection))
	binary.LittleEndian.PutUint64(buf[16:], uint64(k.Query))
	return uint32(xxhash.Sum64(buf[:]))
}

// Entry is a stored result. It is never modified after it is added.
type Entry[V any] struct {
	SampleTime time.Time
	Value      V
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	lru   *freelru.SyncedLRU[Key, Entry[V]]
	clock clockwork.Clock
}

// New creates a cache holding at most capacity entries. A nil clock uses the
// real clock.
func New[V any](capacity uint32, clock clockwork.Clock) (*Cache[V], error) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lru, err := freelru.NewSynced[Key, Entry[V]](capacity, hashKey)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{lru: lru, clock: clock}, nil
}

// Get returns the entry for key if now is before its sample time plus ttl.
func (c *Cache[V]) Get(key Key, ttl time.Duration) (Entry[V], bool) {
	e, ok := c.lru.Get(key)
	if !ok || !c.clock.Now().Before(e.SampleTime.Add(ttl)) {
		return Entry[V]{}, false
	}
	return e, true
}

// GetOrCompute returns a fresh cached value for key, or calls compute. The
// result of a successful compute is stored only when ttl is positive. The
// boolean reports whether the value came from the cache.
func (c *Cache[V]) GetOrCompute(key Key, ttl time.Duration, compute func() (V, error)) (V, bool, error) {
	if ttl > 0 {
		if e, ok := c.Get(key, ttl); ok {
			return e.Value, true, nil
		}
	}
	v, err := compute()
	if err != nil {
		return v, false, err
	}
	if ttl > 0 {
		// The lifetime only bounds memory; freshness is judged in Get.
		c.lru.AddWithLifetime(key, Entry[V]{SampleTime: c.clock.Now(), Value: v}, ttl+time.Minute)
	}
	return v, false, nil
}
