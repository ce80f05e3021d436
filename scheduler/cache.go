package scheduler

import (
	"container/list"
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/effective-security/toolflow/tools"
)

// CacheKey returns a deterministic key for (name, arguments): keys are
// sorted before serialization so argument insertion order never affects
// cache identity.
func CacheKey(call *tools.ToolCall) string {
	keys := make([]string, 0, call.Arguments.Len())
	byKey := make(map[string]any, call.Arguments.Len())
	for pair := call.Arguments.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
		byKey[pair.Key] = pair.Value
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(call.Name)
	for _, key := range keys {
		value, _ := json.Marshal(byKey[key])
		sb.WriteByte(0)
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.Write(value)
	}
	return call.Name + "@" + strconv.FormatUint(xxhash.Sum64String(sb.String()), 10)
}

// CacheStats reports size and the access counters backing the hit rate.
type CacheStats struct {
	Size     int
	Accesses uint64
	Hits     uint64
}

// HitRate is re-accesses beyond the first divided by total accesses.
func (s CacheStats) HitRate() float64 {
	if s.Accesses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Accesses)
}

// Cache stores successful tool results by canonical call key. Failed
// results are never stored.
type Cache interface {
	Get(ctx context.Context, key string) (*tools.ToolResult, bool)
	Set(ctx context.Context, key string, res *tools.ToolResult)
	Stats(ctx context.Context) CacheStats
	// Close halts the expiry sweep and releases resources.
	Close()
}

type memoryCacheEntry struct {
	result      tools.ToolResult
	insertedAt  time.Time
	accessCount uint64
	elem        *list.Element
}

type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*memoryCacheEntry
	order    *list.List
	ttl      time.Duration
	capacity int
	accesses uint64
	hits     uint64

	nowFn     func() time.Time
	sweepStop chan struct{}
	closeOnce sync.Once
}

// DefaultSweepInterval is how often the memory cache drops expired entries.
const DefaultSweepInterval = 30 * time.Second

// NewMemoryCache creates an in-memory cache with the given TTL and
// capacity. When full, the entry with the oldest insertion time is
// evicted. A background sweep drops expired entries until Close.
func NewMemoryCache(ttl time.Duration, capacity int) Cache {
	c := &memoryCache{
		entries:   make(map[string]*memoryCacheEntry),
		order:     list.New(),
		ttl:       ttl,
		capacity:  capacity,
		nowFn:     time.Now,
		sweepStop: make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *memoryCache) Get(ctx context.Context, key string) (*tools.ToolResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.nowFn().Sub(entry.insertedAt) >= c.ttl {
		c.removeLocked(key, entry)
		return nil, false
	}

	entry.accessCount++
	c.accesses++
	c.hits++
	res := entry.result
	return &res, true
}

func (c *memoryCache) Set(ctx context.Context, key string, res *tools.ToolResult) {
	if res == nil || !res.Success {
		// Invariant: the cache never stores failed results.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
	}
	for c.capacity > 0 && len(c.entries) >= c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(string), c.entries[oldest.Value.(string)])
	}

	entry := &memoryCacheEntry{
		result:      *res,
		insertedAt:  c.nowFn(),
		accessCount: 1,
	}
	entry.elem = c.order.PushBack(key)
	c.entries[key] = entry
	c.accesses++
}

func (c *memoryCache) removeLocked(key string, entry *memoryCacheEntry) {
	delete(c.entries, key)
	if entry.elem != nil {
		c.order.Remove(entry.elem)
		entry.elem = nil
	}
}

func (c *memoryCache) Stats(ctx context.Context) CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:     len(c.entries),
		Accesses: c.accesses,
		Hits:     c.hits,
	}
}

func (c *memoryCache) sweep() {
	interval := c.ttl / 2
	if interval <= 0 || interval > DefaultSweepInterval {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.nowFn()
			for key, entry := range c.entries {
				if now.Sub(entry.insertedAt) >= c.ttl {
					c.removeLocked(key, entry)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *memoryCache) Close() {
	c.closeOnce.Do(func() {
		close(c.sweepStop)
	})
}
