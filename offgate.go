// Package offgate is an offline-support gateway that sits between web
// clients and an upstream API. It intercepts requests, serves cached
// responses while the upstream is unreachable, queues mutations for
// deferred replay, and notifies connected clients over a WebSocket
// channel when connectivity returns.
package offgate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultFlushDebounce limits how often successful static fetches trigger
// a queue flush attempt.
const DefaultFlushDebounce = 15 * time.Second

// Options configures a Worker. Upstream is required, everything else has
// a sensible default.
type Options struct {
	// Upstream is the base URL of the origin API, e.g. "https://api.example.com".
	Upstream string

	// DBPath is the SQLite file backing queues, caches and snapshots.
	DBPath string

	// CacheVersion names the current cache generation. Bumping it and
	// calling Activate drops all previous generations.
	CacheVersion string

	// ShellManifest lists the paths precached during Install.
	ShellManifest []string

	MaxRetries    int
	TaskTTL       time.Duration
	ProbeFloor    time.Duration
	ProbeCeiling  time.Duration
	FlushDebounce time.Duration

	// PushSecret enables HMAC verification of push webhook payloads when
	// non-empty.
	PushSecret string

	Notifier   Notifier
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.DBPath == "" {
		o.DBPath = "offgate.db"
	}
	if o.CacheVersion == "" {
		o.CacheVersion = "v1"
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.TaskTTL == 0 {
		o.TaskTTL = DefaultTaskTTL
	}
	if o.FlushDebounce == 0 {
		o.FlushDebounce = DefaultFlushDebounce
	}
	if o.Notifier == nil {
		o.Notifier = &LogNotifier{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Worker is the offline gateway. Create one with New, run Install and
// Activate once at startup, then serve Handler.
type Worker struct {
	opts   Options
	log    *slog.Logger
	store  *SQLStore
	caches *CacheManager
	fetch  *Fetcher
	engine *Engine
	prober *Prober
	hub    *Hub
	push   *PushWebhook
	router *Router

	lastFlush atomic.Int64
}

// New wires up a Worker from opts.
func New(opts Options) (*Worker, error) {
	if opts.Upstream == "" {
		return nil, fmt.Errorf("offgate: Upstream is required")
	}
	opts.defaults()

	store, err := OpenSQLStore(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	w := &Worker{
		opts:   opts,
		log:    opts.Logger,
		store:  store,
		caches: store.Caches(opts.CacheVersion),
	}

	var fetchOpts []FetcherOption
	if opts.HTTPClient != nil {
		fetchOpts = append(fetchOpts, WithHTTPClient(opts.HTTPClient))
	}
	w.fetch = NewFetcher(opts.Upstream, fetchOpts...)

	w.hub = NewHub(w.log)
	w.engine = NewEngine(store, w.fetch, w.hub, w.log)
	w.prober = NewProber(store, w.engine, w.hub, opts.HTTPClient, opts.ProbeFloor, opts.ProbeCeiling, w.log)
	w.push = NewPushWebhook(opts.PushSecret, opts.Notifier, w.hub, w.log)
	w.hub.HandleCommands(w.HandleCommand)
	w.router = newRouter(w)
	return w, nil
}

// Install precaches the shell manifest. Individual fetch failures are
// logged and skipped so one missing asset never blocks installation.
func (w *Worker) Install(ctx context.Context) error {
	shell := w.caches.ShellCache()
	var cached, failed int
	for _, path := range w.opts.ShellManifest {
		resp, err := w.fetch.Do(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			w.log.Warn("shell asset fetch failed", "path", path, "error", err)
			failed++
			continue
		}
		body, err := readAndClose(resp)
		if err != nil || resp.StatusCode != http.StatusOK {
			w.log.Warn("shell asset unusable", "path", path, "status", resp.StatusCode, "error", err)
			failed++
			continue
		}
		err = w.caches.Put(shell, http.MethodGet, path, &CachedResponse{
			Status:  resp.StatusCode,
			Headers: HeadersFrom(resp.Header),
			Body:    body,
		})
		if err != nil {
			w.log.Error("shell cache write", "path", path, "error", err)
			failed++
			continue
		}
		cached++
	}
	w.log.Info("install complete", "cache", shell, "cached", cached, "failed", failed)
	return nil
}

// Activate drops stale cache generations, replays any queued tasks and
// arms the connectivity prober for whatever remains.
func (w *Worker) Activate(ctx context.Context) error {
	dropped, err := w.caches.CleanupStale()
	if err != nil {
		w.log.Error("stale cache cleanup", "error", err)
	} else if len(dropped) > 0 {
		w.log.Info("dropped stale caches", "names", dropped)
	}

	if err := w.engine.ProcessRegistrations(ctx); err != nil {
		w.log.Error("process registrations on activate", "error", err)
	}
	if err := w.engine.ProcessImages(ctx); err != nil {
		w.log.Error("process images on activate", "error", err)
	}
	w.prober.Ensure()
	return nil
}

// HandleCommand reacts to control messages sent by connected clients.
func (w *Worker) HandleCommand(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgFlushQueue:
		if err := w.engine.ProcessRegistrations(ctx); err != nil {
			w.log.Error("flush registrations", "error", err)
		}
		if err := w.engine.ProcessImages(ctx); err != nil {
			w.log.Error("flush images", "error", err)
		}
		w.hub.Broadcast(ClientMessage{Type: MsgQueueFlushed, Message: "Queues processed on demand."})

	case MsgFlushImageQueue:
		if err := w.engine.ProcessImages(ctx); err != nil {
			w.log.Error("flush images", "error", err)
		}
		w.hub.Broadcast(ClientMessage{Type: MsgImageQueueFlushed, Message: "Image queue processed on demand."})

	case MsgClearQueue:
		if err := w.engine.ClearRegistrations(); err != nil {
			w.log.Error("clear registrations", "error", err)
		}
		if err := w.engine.ClearImages(); err != nil {
			w.log.Error("clear images", "error", err)
		}
		w.hub.Broadcast(ClientMessage{Type: MsgQueueCleared, Message: "All queued tasks discarded."})

	case MsgClearImageQueue:
		if err := w.engine.ClearImages(); err != nil {
			w.log.Error("clear images", "error", err)
		}
		w.hub.Broadcast(ClientMessage{Type: MsgImageQueueCleared, Message: "Queued image tasks discarded."})

	case MsgStartConnectivityProbe:
		w.prober.Ensure()

	default:
		w.log.Debug("ignoring unknown client command", "type", msg.Type)
	}
}

// maybeFlush processes the queues in the background if no flush ran within
// the debounce window. Called after successful upstream fetches, which
// indicate the origin is reachable again.
func (w *Worker) maybeFlush() {
	now := time.Now().UnixMilli()
	last := w.lastFlush.Load()
	if now-last < w.opts.FlushDebounce.Milliseconds() {
		return
	}
	if !w.lastFlush.CompareAndSwap(last, now) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := w.engine.ProcessRegistrations(ctx); err != nil {
			w.log.Error("debounced flush registrations", "error", err)
		}
		if err := w.engine.ProcessImages(ctx); err != nil {
			w.log.Error("debounced flush images", "error", err)
		}
	}()
}

// Handler returns the full HTTP surface: the WebSocket endpoint, the push
// webhook, and the intercepting proxy for everything else.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/offgate/ws", w.hub)
	mux.Handle("/offgate/push", w.push.HTTPHandler())
	mux.Handle("/", w.router)
	return mux
}

// Hub exposes the client broadcast channel, mainly for embedding callers
// that want to push their own messages.
func (w *Worker) Hub() *Hub { return w.hub }

// Close shuts down the prober, disconnects clients and closes the store.
func (w *Worker) Close() error {
	w.prober.Stop()
	w.hub.Close()
	return w.store.Close()
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
