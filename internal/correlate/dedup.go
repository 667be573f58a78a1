package correlate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
)

// DedupCache suppresses duplicate incident formations. Reserve is
// atomic: the first caller for a key within the TTL wins and stores
// its incident id; later callers get the winning id back.
//
// The default backend is in-memory, which means suppression state does
// not survive a correlator restart; deployments that need
// restart-proof dedup select the redis backend in configuration.
type DedupCache interface {
	Reserve(ctx context.Context, key models.SuppressKey, incidentID string, ttl time.Duration) (winner string, dup bool, err error)
}

// memoryDedup is the default process-local cache. A single rwlock
// suffices: entries are small and the hot path is one map lookup.
type memoryDedup struct {
	clock pipeline.Clock

	mu      sync.RWMutex
	entries map[models.SuppressKey]dedupEntry
}

type dedupEntry struct {
	incidentID string
	expiresAt  time.Time
}

// NewMemoryDedup returns an in-memory dedup cache.
func NewMemoryDedup(clock pipeline.Clock) DedupCache {
	return &memoryDedup{clock: clock, entries: make(map[models.SuppressKey]dedupEntry)}
}

func (m *memoryDedup) Reserve(_ context.Context, key models.SuppressKey, incidentID string, ttl time.Duration) (string, bool, error) {
	now := m.clock.Now()

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		monitoring.RecordCacheOperation("dedup", "hit")
		return entry.incidentID, true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the write lock; another worker may have won.
	if entry, ok := m.entries[key]; ok && now.Before(entry.expiresAt) {
		monitoring.RecordCacheOperation("dedup", "hit")
		return entry.incidentID, true, nil
	}
	m.entries[key] = dedupEntry{incidentID: incidentID, expiresAt: now.Add(ttl)}
	m.sweepLocked(now)
	monitoring.RecordCacheOperation("dedup", "miss")
	return incidentID, false, nil
}

// sweepLocked drops expired entries opportunistically on writes.
func (m *memoryDedup) sweepLocked(now time.Time) {
	for key, entry := range m.entries {
		if now.After(entry.expiresAt) {
			delete(m.entries, key)
		}
	}
}

// redisDedup is the restart-proof backend, selected via
// correlator.dedup_backend=redis. SET NX carries the atomicity.
type redisDedup struct {
	client *redis.Client
}

// NewRedisDedup wraps a redis client as a dedup cache.
func NewRedisDedup(client *redis.Client) DedupCache {
	return &redisDedup{client: client}
}

func (r *redisDedup) Reserve(ctx context.Context, key models.SuppressKey, incidentID string, ttl time.Duration) (string, bool, error) {
	set, err := r.client.SetNX(ctx, "dedup:"+string(key), incidentID, ttl).Result()
	if err != nil {
		monitoring.RecordCacheOperation("dedup", "error")
		return "", false, fmt.Errorf("dedup reserve %s: %w", key, err)
	}
	if set {
		monitoring.RecordCacheOperation("dedup", "miss")
		return incidentID, false, nil
	}
	winner, err := r.client.Get(ctx, "dedup:"+string(key)).Result()
	if err != nil && err != redis.Nil {
		monitoring.RecordCacheOperation("dedup", "error")
		return "", false, fmt.Errorf("dedup lookup %s: %w", key, err)
	}
	monitoring.RecordCacheOperation("dedup", "hit")
	return winner, true, nil
}
