package offgate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CachedResponse is a stored upstream response.
type CachedResponse struct {
	Status  int
	Headers Headers
	Body    []byte
}

// CacheManager stores versioned response caches. Every generation has a
// shell cache (preloaded at install) and a dynamic cache (filled
// opportunistically); renaming the version orphans the previous generation,
// which CleanupStale removes on activation.
type CacheManager struct {
	db      *sql.DB
	version string
}

// Caches returns a cache manager for the given version tag, sharing the
// store's database.
func (s *SQLStore) Caches(version string) *CacheManager {
	return &CacheManager{db: s.db, version: version}
}

// ShellCache is the name of the preloaded app shell cache.
func (m *CacheManager) ShellCache() string {
	return "appShell_" + m.version
}

// DynamicCache is the name of the opportunistic response cache.
func (m *CacheManager) DynamicCache() string {
	return "dynamic_" + m.version
}

// Put upserts a response under (cache, method, url).
func (m *CacheManager) Put(cache, method, url string, resp *CachedResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("marshal cached headers: %w", err)
	}
	_, err = m.db.Exec(
		`INSERT INTO cached_responses (cache_name, method, url, status, headers, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_name, method, url) DO UPDATE SET
		   status = excluded.status, headers = excluded.headers,
		   body = excluded.body, stored_at = excluded.stored_at`,
		cache, method, url, resp.Status, string(headers), resp.Body, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put cached response: %w", err)
	}
	return nil
}

// Match looks up a response in one cache, returning ErrNotFound on a miss.
func (m *CacheManager) Match(cache, method, url string) (*CachedResponse, error) {
	var resp CachedResponse
	var headers string
	err := m.db.QueryRow(
		`SELECT status, headers, body FROM cached_responses
		 WHERE cache_name = ? AND method = ? AND url = ?`,
		cache, method, url,
	).Scan(&resp.Status, &headers, &resp.Body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match cached response: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &resp.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal cached headers: %w", err)
	}
	return &resp, nil
}

// MatchAny checks the shell cache first, then the dynamic cache.
func (m *CacheManager) MatchAny(method, url string) (*CachedResponse, error) {
	resp, err := m.Match(m.ShellCache(), method, url)
	if err == nil {
		return resp, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	return m.Match(m.DynamicCache(), method, url)
}

// Delete removes one entry. Missing entries are a no-op.
func (m *CacheManager) Delete(cache, method, url string) error {
	_, err := m.db.Exec(
		`DELETE FROM cached_responses WHERE cache_name = ? AND method = ? AND url = ?`,
		cache, method, url,
	)
	if err != nil {
		return fmt.Errorf("delete cached response: %w", err)
	}
	return nil
}

// Names lists every cache name present in the store.
func (m *CacheManager) Names() ([]string, error) {
	rows, err := m.db.Query(`SELECT DISTINCT cache_name FROM cached_responses ORDER BY cache_name`)
	if err != nil {
		return nil, fmt.Errorf("list cache names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropCache removes every entry in one cache.
func (m *CacheManager) DropCache(name string) error {
	_, err := m.db.Exec(`DELETE FROM cached_responses WHERE cache_name = ?`, name)
	if err != nil {
		return fmt.Errorf("drop cache %s: %w", name, err)
	}
	return nil
}

// CleanupStale drops every cache that belongs to a different version and
// returns the dropped names.
func (m *CacheManager) CleanupStale() ([]string, error) {
	names, err := m.Names()
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, name := range names {
		if name == m.ShellCache() || name == m.DynamicCache() {
			continue
		}
		if err := m.DropCache(name); err != nil {
			return dropped, err
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}

// Clear removes every cached response across all generations.
func (m *CacheManager) Clear() error {
	_, err := m.db.Exec(`DELETE FROM cached_responses`)
	if err != nil {
		return fmt.Errorf("clear caches: %w", err)
	}
	return nil
}
