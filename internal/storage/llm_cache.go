package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marinops/fleetcore/internal/monitoring"
)

// LLMCacheGet returns the cached response for key, or nil when the key
// is missing or expired. Expiry is evaluated against now so a stale row
// is never served even before the cleanup sweep removes it.
func (s *Store) LLMCacheGet(ctx context.Context, key string, now time.Time) ([]byte, error) {
	start := time.Now()
	var response []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT response FROM llm_cache
		WHERE cache_key = ? AND expires_at > ?`,
		key, now.UTC()).Scan(&response)
	if err == sql.ErrNoRows {
		monitoring.RecordCacheOperation("llm_get", "miss")
		return nil, nil
	}
	monitoring.RecordDBOperation("select", "llm_cache", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("llm cache get %s: %w", key, err)
	}
	monitoring.RecordCacheOperation("llm_get", "hit")
	return response, nil
}

// LLMCachePut upserts a cached response with the given TTL.
func (s *Store) LLMCachePut(ctx context.Context, key string, response []byte, ttl time.Duration, now time.Time) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_cache (cache_key, response, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			response = VALUES(response),
			created_at = VALUES(created_at),
			expires_at = VALUES(expires_at)`,
		key, response, now.UTC(), now.Add(ttl).UTC())
	monitoring.RecordDBOperation("insert", "llm_cache", time.Since(start), err == nil)
	if err != nil {
		monitoring.RecordCacheOperation("llm_put", "error")
		return fmt.Errorf("llm cache put %s: %w", key, err)
	}
	monitoring.RecordCacheOperation("llm_put", "success")
	return nil
}
