package store

import (
	"time"

	"toolforge/internal/logging"
)

// =============================================================================
// CACHE PERSISTENCE
// =============================================================================
// The authoritative cache lives in memory (internal/skillgraph). These rows
// are a best-effort durable copy used to warm the cache at startup.

// CacheRow is the durable form of one cache entry.
type CacheRow struct {
	Key       string
	ToolName  string
	Output    string
	HitCount  int
	ExpiresAt time.Time
}

// SaveCacheEntry writes or replaces one durable cache entry.
func (s *LocalStore) SaveCacheEntry(row *CacheRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cache_entries (key, tool_name, output, hit_count, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			output = excluded.output,
			hit_count = excluded.hit_count,
			expires_at = excluded.expires_at`,
		row.Key, row.ToolName, row.Output, row.HitCount, row.ExpiresAt.UTC())
	return err
}

// LoadLiveCacheEntries returns all entries that have not expired.
func (s *LocalStore) LoadLiveCacheEntries() ([]*CacheRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT key, tool_name, output, hit_count, expires_at
		FROM cache_entries WHERE expires_at > ?`, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*CacheRow
	for rows.Next() {
		var row CacheRow
		if err := rows.Scan(&row.Key, &row.ToolName, &row.Output, &row.HitCount, &row.ExpiresAt); err != nil {
			continue
		}
		entries = append(entries, &row)
	}
	return entries, rows.Err()
}

// PurgeExpiredCacheEntries deletes dead rows and returns how many were
// removed.
func (s *LocalStore) PurgeExpiredCacheEntries() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM cache_entries WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("Purged %d expired cache entries", n)
	}
	return int(n), nil
}

// DeleteCacheEntriesForTool removes all durable entries for one tool, used
// when a tool version changes.
func (s *LocalStore) DeleteCacheEntriesForTool(toolName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM cache_entries WHERE tool_name = ?", toolName)
	return err
}
