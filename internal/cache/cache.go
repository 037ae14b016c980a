// Package cache provides caching for raw storage tiles and composited tiles.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/minerva-story/server/internal/channel"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB    int
	TileTTL            time.Duration
	MaxTileBytes       int
	CompositeCacheSize int
}

// Manager holds the raw tile cache shared by every fetcher and the composite
// cache shared by every session.
type Manager struct {
	tileCache      *bigcache.BigCache
	compositeCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileCacheSizeMB <= 0 {
		cfg.TileCacheSizeMB = 256
	}
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.MaxTileBytes <= 0 {
		cfg.MaxTileBytes = 2 << 20
	}
	if cfg.CompositeCacheSize <= 0 {
		cfg.CompositeCacheSize = 512
	}

	// Stored tiles are 16-bit PNGs, far larger than rendered map tiles.
	tileCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 4096,
		MaxEntrySize:       cfg.MaxTileBytes,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	compositeCache, err := lru.New[string, []byte](cfg.CompositeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create composite cache: %w", err)
	}

	return &Manager{
		tileCache:      tileCache,
		compositeCache: compositeCache,
	}, nil
}

// GetTile retrieves raw tile bytes by object key.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores raw tile bytes.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetComposite retrieves an encoded composite tile.
func (m *Manager) GetComposite(key string) ([]byte, bool) {
	return m.compositeCache.Get(key)
}

// SetComposite stores an encoded composite tile.
func (m *Manager) SetComposite(key string, data []byte) {
	m.compositeCache.Add(key, data)
}

// PurgeComposites drops every composite tile.
func (m *Manager) PurgeComposites() {
	m.compositeCache.Purge()
}

// StateHash fingerprints the render parameters of a channel set. Sets that
// render identically hash identically regardless of map order.
func StateHash(imageID string, channels channel.Set) string {
	h := sha256.New()
	h.Write([]byte(imageID))
	for _, id := range channels.IDs() {
		c := channels[id]
		fmt.Fprintf(h, "|%d:%d,%d,%d:%g,%g:%t", id, c.Color[0], c.Color[1], c.Color[2], c.Range.Min, c.Range.Max, c.Visible)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// CompositeKey generates a cache key for a composited tile.
func CompositeKey(stateHash string, level, x, y int, waypoint string, size int) string {
	key := fmt.Sprintf("comp:%s:%d/%d/%d", stateHash, level, x, y)
	if waypoint != "" {
		key += ":wp=" + waypoint
	}
	if size > 0 {
		key += ":s=" + strconv.Itoa(size)
	}
	return key
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	tileStats := m.tileCache.Stats()
	return map[string]interface{}{
		"tile_cache_len":      m.tileCache.Len(),
		"tile_cache_cap":      m.tileCache.Capacity(),
		"tile_cache_hits":     tileStats.Hits,
		"tile_cache_misses":   tileStats.Misses,
		"composite_cache_len": m.compositeCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
