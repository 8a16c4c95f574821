package offgate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Collection identifies one of the two task queues.
type Collection string

const (
	CollectionRegistrations Collection = "registrations"
	CollectionImages        Collection = "images"
)

// Store is the durable backend for queued tasks and per-user image
// snapshots. Tasks come back in insertion order; DeleteTask on a missing id
// is a no-op.
type Store interface {
	AddTask(c Collection, t *PendingTask) (int64, error)
	Tasks(c Collection) ([]*PendingTask, error)
	DeleteTask(c Collection, id int64) error
	SetRetryCount(c Collection, id int64, n int) error

	PutSnapshot(userID string, images []json.RawMessage) error
	Snapshot(userID string) ([]json.RawMessage, error)
	RemoveSnapshotImage(userID, imageID string) error

	Close() error
}

// ============================================================================
// SQLStore
// ============================================================================

const sqlSchema = `
CREATE TABLE IF NOT EXISTS pending_tasks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	collection  TEXT    NOT NULL,
	url         TEXT    NOT NULL,
	method      TEXT    NOT NULL,
	headers     TEXT    NOT NULL DEFAULT '[]',
	body        TEXT    NOT NULL DEFAULT '{}',
	user_id     TEXT    NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 5,
	ttl_ms      INTEGER NOT NULL DEFAULT 86400000
);
CREATE INDEX IF NOT EXISTS idx_pending_tasks_collection ON pending_tasks(collection, created_at);
CREATE INDEX IF NOT EXISTS idx_pending_tasks_user ON pending_tasks(user_id);

CREATE TABLE IF NOT EXISTS saved_images (
	user_id      TEXT PRIMARY KEY,
	images       TEXT    NOT NULL DEFAULT '[]',
	last_updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_responses (
	cache_name TEXT NOT NULL,
	method     TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	headers    TEXT NOT NULL DEFAULT '[]',
	body       BLOB,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (cache_name, method, url)
);
`

// SQLStore persists tasks, snapshots, and response caches in a single SQLite
// database.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) the database at path and applies the
// schema. The connection is limited to a single writer, which is how SQLite
// behaves well under concurrent use.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) AddTask(c Collection, t *PendingTask) (int64, error) {
	headers, err := json.Marshal(t.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}
	body, err := json.Marshal(t.Body)
	if err != nil {
		return 0, fmt.Errorf("marshal body: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO pending_tasks (collection, url, method, headers, body, user_id, created_at, retry_count, max_retries, ttl_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c), t.URL, t.Method, string(headers), string(body),
		t.UserID, t.CreatedAt, t.RetryCount, t.MaxRetries, t.TTLMs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("task id: %w", err)
	}
	t.ID = id
	return id, nil
}

func (s *SQLStore) Tasks(c Collection) ([]*PendingTask, error) {
	rows, err := s.db.Query(
		`SELECT id, url, method, headers, body, user_id, created_at, retry_count, max_retries, ttl_ms
		 FROM pending_tasks WHERE collection = ? ORDER BY id`,
		string(c),
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*PendingTask
	for rows.Next() {
		var t PendingTask
		var headers, body string
		if err := rows.Scan(&t.ID, &t.URL, &t.Method, &headers, &body,
			&t.UserID, &t.CreatedAt, &t.RetryCount, &t.MaxRetries, &t.TTLMs); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &t.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers for task %d: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(body), &t.Body); err != nil {
			return nil, fmt.Errorf("unmarshal body for task %d: %w", t.ID, err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *SQLStore) DeleteTask(c Collection, id int64) error {
	_, err := s.db.Exec(`DELETE FROM pending_tasks WHERE collection = ? AND id = ?`, string(c), id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

func (s *SQLStore) SetRetryCount(c Collection, id int64, n int) error {
	_, err := s.db.Exec(`UPDATE pending_tasks SET retry_count = ? WHERE collection = ? AND id = ?`,
		n, string(c), id)
	if err != nil {
		return fmt.Errorf("update retry count for task %d: %w", id, err)
	}
	return nil
}

func (s *SQLStore) PutSnapshot(userID string, images []json.RawMessage) error {
	data, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO saved_images (user_id, images, last_updated) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET images = excluded.images, last_updated = excluded.last_updated`,
		userID, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) Snapshot(userID string) ([]json.RawMessage, error) {
	var data string
	err := s.db.QueryRow(`SELECT images FROM saved_images WHERE user_id = ?`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	var images []json.RawMessage
	if err := json.Unmarshal([]byte(data), &images); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return images, nil
}

func (s *SQLStore) RemoveSnapshotImage(userID, imageID string) error {
	images, err := s.Snapshot(userID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	filtered := filterSnapshotImages(images, imageID)
	if len(filtered) == len(images) {
		return nil
	}
	return s.PutSnapshot(userID, filtered)
}

// filterSnapshotImages drops every image whose _id matches.
func filterSnapshotImages(images []json.RawMessage, imageID string) []json.RawMessage {
	filtered := make([]json.RawMessage, 0, len(images))
	for _, raw := range images {
		var img struct {
			ID string `json:"_id"`
		}
		if json.Unmarshal(raw, &img) == nil && img.ID == imageID {
			continue
		}
		filtered = append(filtered, raw)
	}
	return filtered
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store, for ephemeral deployments
// and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	tasks     map[Collection]map[int64]*PendingTask
	snapshots map[string][]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: map[Collection]map[int64]*PendingTask{
			CollectionRegistrations: {},
			CollectionImages:        {},
		},
		snapshots: make(map[string][]json.RawMessage),
	}
}

func (s *MemoryStore) AddTask(c Collection, t *PendingTask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	stored := *t
	stored.ID = s.nextID
	s.tasks[c][stored.ID] = &stored
	t.ID = stored.ID
	return stored.ID, nil
}

func (s *MemoryStore) Tasks(c Collection) ([]*PendingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*PendingTask
	for _, t := range s.tasks[c] {
		cp := *t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *MemoryStore) DeleteTask(c Collection, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks[c], id)
	return nil
}

func (s *MemoryStore) SetRetryCount(c Collection, id int64, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[c][id]; ok {
		t.RetryCount = n
	}
	return nil
}

func (s *MemoryStore) PutSnapshot(userID string, images []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[userID] = append([]json.RawMessage{}, images...)
	return nil
}

func (s *MemoryStore) Snapshot(userID string) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	images, ok := s.snapshots[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]json.RawMessage{}, images...), nil
}

func (s *MemoryStore) RemoveSnapshotImage(userID, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	images, ok := s.snapshots[userID]
	if !ok {
		return nil
	}
	s.snapshots[userID] = filterSnapshotImages(images, imageID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
