package offgate

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects broadcast messages for assertions.
type recorder struct {
	mu   sync.Mutex
	msgs []ClientMessage
}

func (r *recorder) Broadcast(msg ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

func (r *recorder) has(msgType string) bool {
	for _, t := range r.types() {
		if t == msgType {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T, upstream string) (*Engine, Store, *recorder) {
	t.Helper()
	store := NewMemoryStore()
	rec := &recorder{}
	engine := NewEngine(store, NewFetcher(upstream), rec, testLogger())
	return engine, store, rec
}

// ============================================================================
// Replay dispositions
// ============================================================================

func TestEngineProcess(t *testing.T) {
	t.Run("success deletes task and broadcasts", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"nombre":"Ana"}` {
				t.Errorf("body = %s", body)
			}
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		engine, store, rec := newTestEngine(t, srv.URL)
		task := makeTestTask(srv.URL + "/api/auth/registro")
		task.Body.JSON = []byte(`{"nombre":"Ana"}`)
		store.AddTask(CollectionRegistrations, task)

		if err := engine.ProcessRegistrations(context.Background()); err != nil {
			t.Fatalf("process: %v", err)
		}
		if hits.Load() != 1 {
			t.Fatalf("hits = %d", hits.Load())
		}
		tasks, _ := store.Tasks(CollectionRegistrations)
		if len(tasks) != 0 {
			t.Fatalf("task should be deleted, got %d", len(tasks))
		}
		if !rec.has(MsgAsyncTaskProcessed) {
			t.Fatalf("broadcasts = %v", rec.types())
		}
	})

	t.Run("expired task deleted without a network attempt", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		defer srv.Close()

		engine, store, rec := newTestEngine(t, srv.URL)
		task := makeTestTask(srv.URL + "/api/auth/registro")
		task.CreatedAt = time.Now().Add(-48 * time.Hour).UnixMilli()
		store.AddTask(CollectionRegistrations, task)

		if err := engine.ProcessRegistrations(context.Background()); err != nil {
			t.Fatalf("process: %v", err)
		}
		if hits.Load() != 0 {
			t.Fatal("expired task must not reach the network")
		}
		tasks, _ := store.Tasks(CollectionRegistrations)
		if len(tasks) != 0 {
			t.Fatal("expired task should be deleted")
		}
		if rec.has(MsgAsyncTaskProcessed) {
			t.Fatal("expired task must not broadcast success")
		}
	})

	t.Run("client error discards without retry bump", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}))
		defer srv.Close()

		engine, store, _ := newTestEngine(t, srv.URL)
		store.AddTask(CollectionRegistrations, makeTestTask(srv.URL+"/api/auth/registro"))

		if err := engine.ProcessRegistrations(context.Background()); err != nil {
			t.Fatalf("process: %v", err)
		}
		tasks, _ := store.Tasks(CollectionRegistrations)
		if len(tasks) != 0 {
			t.Fatal("rejected task should be discarded")
		}
	})

	t.Run("server error increments retry count", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		engine, store, _ := newTestEngine(t, srv.URL)
		store.AddTask(CollectionRegistrations, makeTestTask(srv.URL+"/api/auth/registro"))

		engine.ProcessRegistrations(context.Background())
		tasks, _ := store.Tasks(CollectionRegistrations)
		if len(tasks) != 1 {
			t.Fatalf("len = %d, task should be kept", len(tasks))
		}
		if tasks[0].RetryCount != 1 {
			t.Fatalf("retryCount = %d", tasks[0].RetryCount)
		}
	})

	t.Run("retry ceiling discards task", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		engine, store, _ := newTestEngine(t, srv.URL)
		task := makeTestTask(srv.URL + "/api/auth/registro")
		task.RetryCount = task.MaxRetries
		store.AddTask(CollectionRegistrations, task)

		engine.ProcessRegistrations(context.Background())
		tasks, _ := store.Tasks(CollectionRegistrations)
		if len(tasks) != 0 {
			t.Fatal("task past retry ceiling should be discarded")
		}
	})

	t.Run("transport error keeps remaining tasks processing", func(t *testing.T) {
		var saved atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			saved.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		engine, store, _ := newTestEngine(t, srv.URL)
		bad := makeTestTask("http://127.0.0.1:1/unreachable")
		good := makeTestTask(srv.URL + "/api/images/save")
		store.AddTask(CollectionImages, bad)
		store.AddTask(CollectionImages, good)

		if err := engine.ProcessImages(context.Background()); err != nil {
			t.Fatalf("process: %v", err)
		}
		if saved.Load() != 1 {
			t.Fatal("reachable task should still be replayed")
		}
		tasks, _ := store.Tasks(CollectionImages)
		if len(tasks) != 1 || tasks[0].RetryCount != 1 {
			t.Fatalf("tasks = %+v", tasks)
		}
	})

	t.Run("image replay keeps stored method", func(t *testing.T) {
		var method string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		engine, store, rec := newTestEngine(t, srv.URL)
		task := makeTestTask(srv.URL + "/api/images/abc")
		task.Method = http.MethodDelete
		task.Body = Body{Type: BodyNone}
		task.UserID = "u1"
		store.AddTask(CollectionImages, task)

		engine.ProcessImages(context.Background())
		if method != http.MethodDelete {
			t.Fatalf("method = %q, want DELETE", method)
		}
		if !rec.has(MsgAsyncImageTaskProcessed) {
			t.Fatalf("broadcasts = %v", rec.types())
		}
	})

	t.Run("registration replay forces POST", func(t *testing.T) {
		var method string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		engine, store, _ := newTestEngine(t, srv.URL)
		task := makeTestTask(srv.URL + "/api/auth/registro")
		task.Method = http.MethodPut
		store.AddTask(CollectionRegistrations, task)

		engine.ProcessRegistrations(context.Background())
		if method != http.MethodPost {
			t.Fatalf("method = %q, want POST", method)
		}
	})

	t.Run("empty queue is a no-op", func(t *testing.T) {
		engine, _, rec := newTestEngine(t, "http://127.0.0.1:1")
		if err := engine.ProcessRegistrations(context.Background()); err != nil {
			t.Fatalf("process: %v", err)
		}
		if len(rec.types()) != 0 {
			t.Fatalf("broadcasts = %v", rec.types())
		}
	})
}

// ============================================================================
// Clearing and counting
// ============================================================================

func TestEngineClearAndPending(t *testing.T) {
	engine, store, _ := newTestEngine(t, "http://127.0.0.1:1")
	store.AddTask(CollectionRegistrations, makeTestTask("http://x/reg"))
	store.AddTask(CollectionImages, makeTestTask("http://x/img1"))
	store.AddTask(CollectionImages, makeTestTask("http://x/img2"))

	regs, imgs, err := engine.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if regs != 1 || imgs != 2 {
		t.Fatalf("pending = %d/%d", regs, imgs)
	}

	if err := engine.ClearImages(); err != nil {
		t.Fatalf("clear images: %v", err)
	}
	regs, imgs, _ = engine.Pending()
	if regs != 1 || imgs != 0 {
		t.Fatalf("after clear images: %d/%d", regs, imgs)
	}

	if err := engine.ClearRegistrations(); err != nil {
		t.Fatalf("clear registrations: %v", err)
	}
	regs, imgs, _ = engine.Pending()
	if regs != 0 || imgs != 0 {
		t.Fatalf("after clear all: %d/%d", regs, imgs)
	}
}
