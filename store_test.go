package offgate

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(filepath.Join(t.TempDir(), "offgate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeTestTask(url string) *PendingTask {
	return &PendingTask{
		URL:        url,
		Method:     http.MethodPost,
		Headers:    Headers{{"Content-Type", "application/json"}},
		Body:       Body{Type: BodyJSON, JSON: json.RawMessage(`{"k":"v"}`)},
		CreatedAt:  time.Now().UnixMilli(),
		MaxRetries: DefaultMaxRetries,
		TTLMs:      DefaultTaskTTL.Milliseconds(),
	}
}

// storeUnderTest lets the same suite run against both implementations.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	if name == "sql" {
		return openTestStore(t)
	}
	return NewMemoryStore()
}

// ============================================================================
// Task queue CRUD
// ============================================================================

func TestStoreTasks(t *testing.T) {
	for _, impl := range []string{"sql", "memory"} {
		t.Run(impl, func(t *testing.T) {
			t.Run("add assigns id and preserves fields", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				task := makeTestTask("https://api.example.com/api/auth/registro")
				task.UserID = "u1"

				id, err := store.AddTask(CollectionImages, task)
				if err != nil {
					t.Fatalf("add: %v", err)
				}
				if id == 0 {
					t.Fatal("expected non-zero id")
				}

				tasks, err := store.Tasks(CollectionImages)
				if err != nil {
					t.Fatalf("tasks: %v", err)
				}
				if len(tasks) != 1 {
					t.Fatalf("len = %d", len(tasks))
				}
				got := tasks[0]
				if got.ID != id || got.URL != task.URL || got.UserID != "u1" {
					t.Fatalf("task = %+v", got)
				}
				if got.Body.Type != BodyJSON || string(got.Body.JSON) != `{"k":"v"}` {
					t.Fatalf("body = %+v", got.Body)
				}
				if got.Headers.Get("Content-Type") != "application/json" {
					t.Fatalf("headers = %+v", got.Headers)
				}
			})

			t.Run("collections are separate", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				store.AddTask(CollectionRegistrations, makeTestTask("https://x/reg"))
				store.AddTask(CollectionImages, makeTestTask("https://x/img"))

				regs, _ := store.Tasks(CollectionRegistrations)
				imgs, _ := store.Tasks(CollectionImages)
				if len(regs) != 1 || len(imgs) != 1 {
					t.Fatalf("regs = %d, imgs = %d", len(regs), len(imgs))
				}
				if regs[0].URL != "https://x/reg" || imgs[0].URL != "https://x/img" {
					t.Fatal("tasks crossed collections")
				}
			})

			t.Run("insertion order preserved", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				for _, u := range []string{"https://x/1", "https://x/2", "https://x/3"} {
					store.AddTask(CollectionRegistrations, makeTestTask(u))
				}
				tasks, _ := store.Tasks(CollectionRegistrations)
				if len(tasks) != 3 {
					t.Fatalf("len = %d", len(tasks))
				}
				for i, want := range []string{"https://x/1", "https://x/2", "https://x/3"} {
					if tasks[i].URL != want {
						t.Fatalf("tasks[%d].URL = %q, want %q", i, tasks[i].URL, want)
					}
				}
			})

			t.Run("delete removes task", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				id, _ := store.AddTask(CollectionImages, makeTestTask("https://x/a"))
				if err := store.DeleteTask(CollectionImages, id); err != nil {
					t.Fatalf("delete: %v", err)
				}
				tasks, _ := store.Tasks(CollectionImages)
				if len(tasks) != 0 {
					t.Fatalf("len = %d after delete", len(tasks))
				}
			})

			t.Run("delete missing is a no-op", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				if err := store.DeleteTask(CollectionImages, 999); err != nil {
					t.Fatalf("delete missing: %v", err)
				}
			})

			t.Run("set retry count", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				id, _ := store.AddTask(CollectionRegistrations, makeTestTask("https://x/a"))
				if err := store.SetRetryCount(CollectionRegistrations, id, 3); err != nil {
					t.Fatalf("set retry: %v", err)
				}
				tasks, _ := store.Tasks(CollectionRegistrations)
				if tasks[0].RetryCount != 3 {
					t.Fatalf("retryCount = %d", tasks[0].RetryCount)
				}
			})
		})
	}
}

// ============================================================================
// Saved-image snapshots
// ============================================================================

func TestStoreSnapshots(t *testing.T) {
	for _, impl := range []string{"sql", "memory"} {
		t.Run(impl, func(t *testing.T) {
			t.Run("missing snapshot returns ErrNotFound", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				if _, err := store.Snapshot("nobody"); !errors.Is(err, ErrNotFound) {
					t.Fatalf("err = %v, want ErrNotFound", err)
				}
			})

			t.Run("put replaces previous snapshot", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				first := []json.RawMessage{json.RawMessage(`{"_id":"a"}`)}
				second := []json.RawMessage{json.RawMessage(`{"_id":"b"}`), json.RawMessage(`{"_id":"c"}`)}

				if err := store.PutSnapshot("u1", first); err != nil {
					t.Fatalf("put: %v", err)
				}
				if err := store.PutSnapshot("u1", second); err != nil {
					t.Fatalf("put again: %v", err)
				}

				images, err := store.Snapshot("u1")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if len(images) != 2 || string(images[0]) != `{"_id":"b"}` {
					t.Fatalf("images = %v", images)
				}
			})

			t.Run("remove drops matching image", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				store.PutSnapshot("u1", []json.RawMessage{
					json.RawMessage(`{"_id":"keep","titulo":"one"}`),
					json.RawMessage(`{"_id":"drop","titulo":"two"}`),
				})

				if err := store.RemoveSnapshotImage("u1", "drop"); err != nil {
					t.Fatalf("remove: %v", err)
				}
				images, _ := store.Snapshot("u1")
				if len(images) != 1 || string(images[0]) != `{"_id":"keep","titulo":"one"}` {
					t.Fatalf("images = %v", images)
				}
			})

			t.Run("remove unknown image leaves snapshot intact", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				store.PutSnapshot("u1", []json.RawMessage{json.RawMessage(`{"_id":"a"}`)})
				if err := store.RemoveSnapshotImage("u1", "zzz"); err != nil {
					t.Fatalf("remove: %v", err)
				}
				images, _ := store.Snapshot("u1")
				if len(images) != 1 {
					t.Fatalf("len = %d", len(images))
				}
			})

			t.Run("remove for missing user is a no-op", func(t *testing.T) {
				store := storeUnderTest(t, impl)
				if err := store.RemoveSnapshotImage("nobody", "x"); err != nil {
					t.Fatalf("remove: %v", err)
				}
			})
		})
	}
}
