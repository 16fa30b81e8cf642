package persistence

import (
	"context"
	"time"

	"github.com/developer-mesh/boardsync/pkg/models"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheConfig sizes the board snapshot cache
type CacheConfig struct {
	Size int           `mapstructure:"size" yaml:"size" json:"size"`
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
}

// DefaultCacheConfig caches 128 boards for 30s
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Size: 128, TTL: 30 * time.Second}
}

// CachedStore serves LoadAll from an LRU of board snapshots. A write through
// the cache drops the board's snapshot; the TTL bounds how stale a snapshot
// can be when another process writes the same board.
type CachedStore struct {
	store   Store
	cache   *expirable.LRU[string, []*models.Object]
	metrics observability.MetricsClient
}

// NewCachedStore wraps store
func NewCachedStore(store Store, config CacheConfig, metrics observability.MetricsClient) *CachedStore {
	defaults := DefaultCacheConfig()
	if config.Size <= 0 {
		config.Size = defaults.Size
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	return &CachedStore{
		store:   store,
		cache:   expirable.NewLRU[string, []*models.Object](config.Size, nil, config.TTL),
		metrics: observability.MetricsOrNoop(metrics),
	}
}

// LoadAll returns a copy of the cached snapshot or loads and caches it
func (c *CachedStore) LoadAll(ctx context.Context, boardID string) ([]*models.Object, error) {
	if objects, ok := c.cache.Get(boardID); ok {
		c.metrics.IncrementCounterWithLabels("snapshot_cache_total", 1, map[string]string{"result": "hit"})
		return cloneAll(objects), nil
	}
	c.metrics.IncrementCounterWithLabels("snapshot_cache_total", 1, map[string]string{"result": "miss"})

	objects, err := c.store.LoadAll(ctx, boardID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(boardID, cloneAll(objects))
	return objects, nil
}

// Write passes through and invalidates the board
func (c *CachedStore) Write(ctx context.Context, boardID, objectID string, patch models.Patch, clocks models.FieldClocks) error {
	defer c.cache.Remove(boardID)
	return c.store.Write(ctx, boardID, objectID, patch, clocks)
}

// PurgeTombstones passes through when the wrapped store can purge
func (c *CachedStore) PurgeTombstones(ctx context.Context, boardID string, olderThan time.Time) (int64, error) {
	purger, ok := c.store.(Purger)
	if !ok {
		return 0, nil
	}
	defer c.cache.Remove(boardID)
	return purger.PurgeTombstones(ctx, boardID, olderThan)
}

// Invalidate drops the cached snapshot of a board
func (c *CachedStore) Invalidate(boardID string) {
	c.cache.Remove(boardID)
}

// Len returns the number of cached boards
func (c *CachedStore) Len() int {
	return c.cache.Len()
}

func cloneAll(objects []*models.Object) []*models.Object {
	out := make([]*models.Object, len(objects))
	for i, obj := range objects {
		out[i] = obj.Clone()
	}
	return out
}
