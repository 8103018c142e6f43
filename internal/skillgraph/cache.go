// Package skillgraph holds the execution result cache and the advisory tool
// relationship metrics. Cache identity is the tuple (tool name, canonical
// inputs, tool version): any code change makes old entries unreachable
// without explicit invalidation.
package skillgraph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"toolforge/internal/logging"
	"toolforge/internal/policy"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

const shardCount = 16

// entry is one cached result.
type entry struct {
	toolName  string
	output    string
	hitCount  int
	expiresAt time.Time
}

// cacheShard is one lock domain of the cache.
type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Cache is the sharded in-memory result cache with best-effort durable
// write-through.
type Cache struct {
	shards   [shardCount]*cacheShard
	policies *policy.Store
	db       *store.LocalStore // optional; nil disables persistence

	// persistence is async so cache writes never block the request path
	persistCh chan store.CacheRow
	done      chan struct{}
	closeOnce sync.Once
}

// NewCache creates the cache. db may be nil; entries are then purely
// in-memory.
func NewCache(policies *policy.Store, db *store.LocalStore) *Cache {
	c := &Cache{
		policies:  policies,
		db:        db,
		persistCh: make(chan store.CacheRow, 256),
		done:      make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[string]*entry)}
	}
	go c.persistLoop()
	return c
}

// Warm loads live durable entries into memory, typically at startup.
func (c *Cache) Warm() int {
	if c.db == nil {
		return 0
	}
	rows, err := c.db.LoadLiveCacheEntries()
	if err != nil {
		logging.Get(logging.CategoryCache).Warn("Cache warm failed: %v", err)
		return 0
	}
	for _, row := range rows {
		shard := c.shardFor(row.Key)
		shard.mu.Lock()
		shard.entries[row.Key] = &entry{
			toolName:  row.ToolName,
			output:    row.Output,
			hitCount:  row.HitCount,
			expiresAt: row.ExpiresAt,
		}
		shard.mu.Unlock()
	}
	logging.Cache("Warmed cache with %d entries", len(rows))
	return len(rows)
}

// Close stops the persistence worker.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Cache) persistLoop() {
	for {
		select {
		case row := <-c.persistCh:
			if c.db != nil {
				if err := c.db.SaveCacheEntry(&row); err != nil {
					logging.CacheDebug("Durable cache write failed: %v", err)
				}
			}
		case <-c.done:
			return
		}
	}
}

// Key computes the cache key for an invocation. Inputs are canonicalized to
// JSON with lexicographically sorted keys, so semantically equal inputs in
// any order produce the same key.
func Key(toolName string, inputs map[string]any, toolVersion int) string {
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalJSON(inputs)))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", toolVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON renders a map as JSON with sorted keys at every level.
func CanonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			b.Write(kj)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		data, err := json.Marshal(val)
		if err != nil {
			data, _ = json.Marshal(fmt.Sprintf("%v", val))
		}
		b.Write(data)
	}
}

func (c *Cache) shardFor(key string) *cacheShard {
	// Keys are hex SHA-256; the first byte is already uniform.
	if len(key) == 0 {
		return c.shards[0]
	}
	return c.shards[key[0]%shardCount]
}

// enabled reports whether caching is on per policy.
func (c *Cache) enabled() bool {
	return c.policies.Value(policy.PolicyCacheTTL).Bool("enabled", true)
}

// ttl returns the policy TTL.
func (c *Cache) ttl() time.Duration {
	secs := c.policies.Value(policy.PolicyCacheTTL).Float("ttl_seconds", 3600)
	return time.Duration(secs * float64(time.Second))
}

// Check looks up a cached result. Expired entries are removed on the spot.
func (c *Cache) Check(toolName string, inputs map[string]any, toolVersion int) (string, bool) {
	if !c.enabled() {
		return "", false
	}

	key := Key(toolName, inputs, toolVersion)
	shard := c.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(shard.entries, key)
		logging.CacheDebug("Cache entry for %s expired", toolName)
		return "", false
	}

	e.hitCount++
	logging.CacheDebug("Cache hit for %s (hits=%d)", toolName, e.hitCount)
	return e.output, true
}

// Put stores a result under the policy TTL.
func (c *Cache) Put(toolName string, inputs map[string]any, toolVersion int, output string) {
	if !c.enabled() {
		return
	}

	key := Key(toolName, inputs, toolVersion)
	expires := time.Now().Add(c.ttl())
	shard := c.shardFor(key)

	shard.mu.Lock()
	shard.entries[key] = &entry{toolName: toolName, output: output, expiresAt: expires}
	shard.mu.Unlock()

	// Best effort: a full channel drops the durable copy, never blocks.
	select {
	case c.persistCh <- store.CacheRow{Key: key, ToolName: toolName, Output: output, ExpiresAt: expires}:
	default:
	}
}

// InvalidateTool drops every entry for a tool, in memory and durable. Called
// when a tool's version is bumped.
func (c *Cache) InvalidateTool(toolName string) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, e := range shard.entries {
			if e.toolName == toolName {
				delete(shard.entries, key)
			}
		}
		shard.mu.Unlock()
	}
	if c.db != nil {
		if err := c.db.DeleteCacheEntriesForTool(toolName); err != nil {
			logging.CacheDebug("Durable cache invalidation failed for %s: %v", toolName, err)
		}
	}
	logging.Cache("Invalidated cache for tool %s", toolName)
}

// Len returns the number of live in-memory entries.
func (c *Cache) Len() int {
	n := 0
	now := time.Now()
	for _, shard := range c.shards {
		shard.mu.RLock()
		for _, e := range shard.entries {
			if now.Before(e.expiresAt) {
				n++
			}
		}
		shard.mu.RUnlock()
	}
	return n
}

// =============================================================================
// EDGE METRICS
// =============================================================================

// EMA smoothing for observed edge success/quality.
const emaAlpha = 0.2

// Graph maintains advisory tool transition weights, kept apart from the
// mined relationship table so the two never overwrite each other. Weights
// influence ranking only; they never gate correctness.
type Graph struct {
	db *store.LocalStore
}

// NewGraph creates the edge metric view over the store.
func NewGraph(db *store.LocalStore) *Graph {
	return &Graph{db: db}
}

// ObserveEdge folds one observed transition into the edge metrics.
// success and quality are in [0,1]; weight = 0.7*successEMA + 0.3*quality.
func (g *Graph) ObserveEdge(fromTool, toTool string, success, quality float64) error {
	edge, err := g.db.GetSkillEdge(fromTool, toTool)
	if err != nil {
		return err
	}
	if edge == nil {
		edge = &types.SkillEdge{
			FromTool:   fromTool,
			ToTool:     toTool,
			Frequency:  1,
			SuccessEMA: success,
		}
	} else {
		edge.Frequency++
		edge.SuccessEMA = emaAlpha*success + (1-emaAlpha)*edge.SuccessEMA
	}
	edge.Weight = 0.7*edge.SuccessEMA + 0.3*quality

	return g.db.UpsertSkillEdge(edge)
}

// Neighbors returns a tool's outgoing edges at or above a weight floor,
// heaviest first.
func (g *Graph) Neighbors(fromTool string, minWeight float64) ([]*types.SkillEdge, error) {
	return g.db.ListSkillEdges(fromTool, minWeight)
}
