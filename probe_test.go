package offgate

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func newTestProber(t *testing.T, upstream string, floor, ceiling time.Duration) (*Prober, Store, *recorder) {
	t.Helper()
	store := NewMemoryStore()
	rec := &recorder{}
	engine := NewEngine(store, NewFetcher(upstream), rec, testLogger())
	prober := NewProber(store, engine, rec, &http.Client{Timeout: time.Second}, floor, ceiling, testLogger())
	t.Cleanup(prober.Stop)
	return prober, store, rec
}

// ============================================================================
// Probe lifecycle
// ============================================================================

func TestProber(t *testing.T) {
	t.Run("success drains queues and resets delay", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		prober, store, rec := newTestProber(t, srv.URL, 10*time.Millisecond, 100*time.Millisecond)
		store.AddTask(CollectionRegistrations, makeTestTask(srv.URL+"/api/auth/registro"))
		store.AddTask(CollectionImages, makeTestTask(srv.URL+"/api/images/save"))

		prober.Ensure()

		ok := waitFor(t, 2*time.Second, func() bool {
			regs, _ := store.Tasks(CollectionRegistrations)
			imgs, _ := store.Tasks(CollectionImages)
			return len(regs) == 0 && len(imgs) == 0
		})
		if !ok {
			t.Fatal("queues were not drained")
		}
		if !waitFor(t, time.Second, func() bool { return rec.has(MsgConnectivityOK) }) {
			t.Fatalf("broadcasts = %v", rec.types())
		}
		if !rec.has(MsgAsyncTaskProcessed) || !rec.has(MsgAsyncImageTaskProcessed) {
			t.Fatalf("broadcasts = %v", rec.types())
		}
		if prober.Delay() != 10*time.Millisecond {
			t.Fatalf("delay = %v, want floor", prober.Delay())
		}
	})

	t.Run("failure doubles delay up to ceiling", func(t *testing.T) {
		prober, store, _ := newTestProber(t, "http://127.0.0.1:1", 10*time.Millisecond, 40*time.Millisecond)
		store.AddTask(CollectionRegistrations, makeTestTask("http://127.0.0.1:1/api/auth/registro"))

		prober.Ensure()

		if !waitFor(t, 2*time.Second, func() bool { return prober.Delay() == 40*time.Millisecond }) {
			t.Fatalf("delay = %v, want ceiling 40ms", prober.Delay())
		}
	})

	t.Run("idle with empty queues", func(t *testing.T) {
		prober, _, rec := newTestProber(t, "http://127.0.0.1:1", 10*time.Millisecond, 40*time.Millisecond)

		prober.Ensure()
		time.Sleep(50 * time.Millisecond)

		if prober.Delay() != 10*time.Millisecond {
			t.Fatalf("delay = %v, prober should not have fired", prober.Delay())
		}
		if len(rec.types()) != 0 {
			t.Fatalf("broadcasts = %v", rec.types())
		}
	})

	t.Run("non-2xx ping counts as failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		prober, store, rec := newTestProber(t, srv.URL, 10*time.Millisecond, 20*time.Millisecond)
		store.AddTask(CollectionImages, makeTestTask(srv.URL+"/api/images/save"))

		prober.Ensure()

		if !waitFor(t, 2*time.Second, func() bool { return prober.Delay() == 20*time.Millisecond }) {
			t.Fatalf("delay = %v, want backoff", prober.Delay())
		}
		if rec.has(MsgConnectivityOK) {
			t.Fatal("unhealthy origin must not announce connectivity")
		}
	})

	t.Run("stop cancels pending probe", func(t *testing.T) {
		var hit bool
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hit = true
		}))
		defer srv.Close()

		prober, store, _ := newTestProber(t, srv.URL, 30*time.Millisecond, 100*time.Millisecond)
		store.AddTask(CollectionRegistrations, makeTestTask(srv.URL+"/x"))

		prober.Ensure()
		prober.Stop()
		time.Sleep(60 * time.Millisecond)

		if hit {
			t.Fatal("stopped prober must not fire")
		}
	})
}
