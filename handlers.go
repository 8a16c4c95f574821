package offgate

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Relay helpers
// ============================================================================

// relay copies an upstream response to the client and returns the body
// bytes for opportunistic caching.
func relay(w http.ResponseWriter, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
	return body, nil
}

func writeCached(w http.ResponseWriter, cached *CachedResponse) {
	for _, pair := range cached.Headers {
		w.Header().Add(pair[0], pair[1])
	}
	w.WriteHeader(cached.Status)
	w.Write(cached.Body)
}

// forward replays the incoming request upstream with a pre-read body.
func (w *Worker) forward(r *http.Request, body []byte) (*http.Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	return w.fetch.Do(r.Context(), r.Method, r.URL.RequestURI(), HeadersFrom(r.Header), reader)
}

// proxyThrough forwards without any offline handling.
func (w *Worker) proxyThrough(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "failed to read request body", http.StatusBadRequest)
		return
	}
	resp, err := w.forward(r, body)
	if err != nil {
		w.log.Warn("passthrough failed", "path", r.URL.Path, "error", err)
		http.Error(rw, "upstream unreachable", http.StatusBadGateway)
		return
	}
	relay(rw, resp)
}

// cacheDynamic stores a response in the dynamic cache, detached from the
// request so a slow write never delays the client.
func (w *Worker) cacheDynamic(method, key string, status int, header http.Header, body []byte) {
	err := w.caches.Put(w.caches.DynamicCache(), method, key, &CachedResponse{
		Status:  status,
		Headers: HeadersFrom(header),
		Body:    body,
	})
	if err != nil {
		w.log.Error("dynamic cache write", "key", key, "error", err)
	}
}

// ============================================================================
// Auth
// ============================================================================

func (w *Worker) handleAuth(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.proxyThrough(rw, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeEnvelope(rw, http.StatusInternalServerError, Envelope{
			Success: false, Message: "Failed to read request body.",
		})
		return
	}

	resp, err := w.forward(r, body)
	if err == nil {
		relay(rw, resp)
		return
	}
	w.log.Info("auth request failed upstream, using offline fallback", "path", r.URL.Path)

	switch {
	case strings.Contains(r.URL.Path, "/login"):
		// A placeholder identity keeps the app usable until connectivity
		// returns.
		writeEnvelope(rw, http.StatusOK, Envelope{
			Success: true,
			Message: "Session restored from offline cache.",
			Data: map[string]any{
				"id":      "offline_user",
				"nombre":  "Usuario Offline",
				"correo":  "offline@example.com",
				"offline": true,
			},
		})

	case strings.Contains(r.URL.Path, "/registro"):
		w.queueRegistration(rw, r, body)

	default:
		writeEnvelope(rw, http.StatusServiceUnavailable, Envelope{
			Success: false, Message: "Authentication unavailable offline.",
		})
	}
}

func (w *Worker) queueRegistration(rw http.ResponseWriter, r *http.Request, raw []byte) {
	body, err := CaptureBody(r.Header.Get("Content-Type"), bytes.NewReader(raw))
	if err != nil {
		w.log.Error("capture registration body", "error", err)
		writeEnvelope(rw, http.StatusInternalServerError, Envelope{
			Success: false, Message: "Could not queue the registration offline.",
		})
		return
	}

	task := &PendingTask{
		URL:        w.fetch.Resolve(r.URL.RequestURI()),
		Method:     http.MethodPost,
		Headers:    HeadersFrom(r.Header),
		Body:       body,
		CreatedAt:  time.Now().UnixMilli(),
		MaxRetries: w.opts.MaxRetries,
		TTLMs:      w.opts.TaskTTL.Milliseconds(),
	}
	if _, err := w.store.AddTask(CollectionRegistrations, task); err != nil {
		w.log.Error("enqueue registration", "error", err)
		writeEnvelope(rw, http.StatusInternalServerError, Envelope{
			Success: false, Message: "Could not queue the registration offline.",
		})
		return
	}

	w.prober.Ensure()
	w.hub.Broadcast(ClientMessage{
		Type:    MsgAsyncTaskCreated,
		Message: "Registration task queued. It will be delivered once connectivity returns.",
	})
	writeEnvelope(rw, http.StatusAccepted, Envelope{
		Success: true, Queued: true,
		Message: "Offline. Registration queued and will be delivered automatically.",
	})
}

// ============================================================================
// Images
// ============================================================================

func (w *Worker) handleImages(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeEnvelope(rw, http.StatusInternalServerError, Envelope{
			Success: false, Message: "Failed to read request body.",
		})
		return
	}

	resp, err := w.forward(r, body)
	if err == nil {
		key := r.URL.RequestURI()
		status, header := resp.StatusCode, resp.Header
		respBody, relayErr := relay(rw, resp)
		if relayErr == nil && r.Method == http.MethodGet && status == http.StatusOK {
			go w.cacheDynamic(r.Method, key, status, header, respBody)
			if strings.Contains(r.URL.Path, "/saved") {
				w.snapshotSaved(r.Header.Get("x-user-id"), respBody)
			}
		}
		return
	}
	w.log.Info("image request failed upstream, using offline fallback",
		"method", r.Method, "path", r.URL.Path)

	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/save"):
		w.queueImageSave(rw, r, body)

	case r.Method == http.MethodDelete:
		w.queueImageDelete(rw, r, body)

	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/saved"):
		w.serveSnapshot(rw, r)

	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/check"):
		writeEnvelope(rw, http.StatusOK, Envelope{
			Success: true,
			Data:    map[string]any{"isSaved": false, "imageId": nil},
		})

	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/stats"):
		writeEnvelope(rw, http.StatusOK, Envelope{
			Success: true,
			Data: map[string]any{
				"totalImagenes":            0,
				"estadisticasPorCategoria": []any{},
				"imagenReciente":           nil,
			},
		})

	default:
		writeEnvelope(rw, http.StatusServiceUnavailable, Envelope{
			Success: false, Message: "Image service unavailable offline.",
		})
	}
}

// snapshotSaved persists the user's saved-image list from a live backend
// response so it can be served while offline.
func (w *Worker) snapshotSaved(userID string, respBody []byte) {
	if userID == "" {
		return
	}
	var parsed struct {
		Success bool `json:"success"`
		Data    struct {
			Imagenes []json.RawMessage `json:"imagenes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || !parsed.Success || parsed.Data.Imagenes == nil {
		return
	}
	if err := w.store.PutSnapshot(userID, parsed.Data.Imagenes); err != nil {
		w.log.Error("persist saved-image snapshot", "user", userID, "error", err)
		return
	}
	w.log.Debug("saved-image snapshot updated", "user", userID, "images", len(parsed.Data.Imagenes))
}

func imageUserID(r *http.Request) string {
	if id := r.Header.Get("x-user-id"); id != "" {
		return id
	}
	return "unknown"
}

func (w *Worker) queueImageSave(rw http.ResponseWriter, r *http.Request, raw []byte) {
	body, err := CaptureBody(r.Header.Get("Content-Type"), bytes.NewReader(raw))
	if err != nil {
		w.log.Error("capture image body", "error", err)
		writeEnvelope(rw, http.StatusInternalServerError, Envelope{
			Success: false, Message: "Could not queue the image offline.",
		})
		return
	}

	task := &PendingTask{
		URL:        w.fetch.Resolve(r.URL.RequestURI()),
		Method:     http.MethodPost,
		Headers:    HeadersFrom(r.Header),
		Body:       body,
		UserID:     imageUserID(r),
		CreatedAt:  time.Now().UnixMilli(),
		MaxRetries: w.opts.MaxRetries,
		TTLMs:      w.opts.TaskTTL.Milliseconds(),
	}
	if _, err := w.store.AddTask(CollectionImages, task); err != nil {
		w.log.Error("enqueue image save", "error", err)
		writeEnvelope(rw, http.StatusInternalServerError, Envelope{
			Success: false, Message: "Could not queue the image offline.",
		})
		return
	}

	w.prober.Ensure()
	w.hub.Broadcast(ClientMessage{
		Type:    MsgAsyncImageTaskCreated,
		Message: "Image task queued. It will be sent once connectivity returns.",
	})
	writeEnvelope(rw, http.StatusAccepted, Envelope{
		Success: true, Queued: true,
		Message: "Offline. Image queued and will be saved automatically.",
	})
}

func (w *Worker) queueImageDelete(rw http.ResponseWriter, r *http.Request, raw []byte) {
	userID := imageUserID(r)
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	imageID := segments[len(segments)-1]

	body := Body{Type: BodyNone}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var err error
		body, err = CaptureOptionalJSON(bytes.NewReader(raw))
		if err != nil {
			w.log.Error("capture delete body", "error", err)
			writeEnvelope(rw, http.StatusInternalServerError, Envelope{
				Success: false, Message: "Could not queue the image deletion offline.",
			})
			return
		}
	}

	// Drop the image from the local snapshot right away so offline reads
	// reflect the deletion.
	if userID != "unknown" && imageID != "" {
		if err := w.store.RemoveSnapshotImage(userID, imageID); err != nil {
			w.log.Error("remove snapshot image", "user", userID, "image", imageID, "error", err)
		}
	}

	task := &PendingTask{
		URL:        w.fetch.Resolve(r.URL.RequestURI()),
		Method:     http.MethodDelete,
		Headers:    HeadersFrom(r.Header),
		Body:       body,
		UserID:     userID,
		CreatedAt:  time.Now().UnixMilli(),
		MaxRetries: w.opts.MaxRetries,
		TTLMs:      w.opts.TaskTTL.Milliseconds(),
	}
	if _, err := w.store.AddTask(CollectionImages, task); err != nil {
		w.log.Error("enqueue image delete", "error", err)
		writeEnvelope(rw, http.StatusInternalServerError, Envelope{
			Success: false, Message: "Could not queue the image deletion offline.",
		})
		return
	}

	w.prober.Ensure()
	w.hub.Broadcast(ClientMessage{
		Type:    MsgAsyncImageTaskCreated,
		Message: "Image deletion task queued. It will run once connectivity returns.",
	})
	writeEnvelope(rw, http.StatusAccepted, Envelope{
		Success: true, Queued: true,
		Message: "Offline. Image deletion queued and will run automatically.",
	})
}

func (w *Worker) serveSnapshot(rw http.ResponseWriter, r *http.Request) {
	if userID := r.Header.Get("x-user-id"); userID != "" {
		images, err := w.store.Snapshot(userID)
		if err == nil {
			writeEnvelope(rw, http.StatusOK, Envelope{
				Success: true,
				Data: map[string]any{
					"imagenes": images,
					"pagination": Pagination{
						CurrentPage: 1,
						TotalPages:  1,
						TotalImages: len(images),
					},
				},
			})
			return
		}
		if err != ErrNotFound {
			w.log.Error("read saved-image snapshot", "user", userID, "error", err)
		}
	}

	writeEnvelope(rw, http.StatusOK, Envelope{
		Success: true,
		Data: map[string]any{
			"imagenes":   []any{},
			"pagination": Pagination{CurrentPage: 1},
		},
	})
}

// ============================================================================
// Generic API
// ============================================================================

func (w *Worker) handleGenericAPI(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeEnvelope(rw, http.StatusInternalServerError, Envelope{
			Success: false, Message: "Failed to read request body.",
		})
		return
	}

	resp, err := w.forward(r, body)
	if err != nil {
		w.log.Info("generic api request failed upstream", "path", r.URL.Path)
		writeEnvelope(rw, http.StatusServiceUnavailable, Envelope{
			Success: false,
			Message: "Service unavailable offline.",
			Offline: true,
		})
		return
	}
	relay(rw, resp)
}

// ============================================================================
// Static
// ============================================================================

const offlinePage = `<!DOCTYPE html>
<html>
<head>
<title>Offline</title>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body>
<h1>No internet connection</h1>
<p>The application is running in offline mode. Some pages may be unavailable.</p>
<button onclick="window.location.reload()">Retry</button>
</body>
</html>
`

func (w *Worker) handleStatic(rw http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()

	if cached, err := w.caches.MatchAny(r.Method, key); err == nil {
		w.log.Debug("serving from cache", "key", key)
		writeCached(rw, cached)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "failed to read request body", http.StatusBadRequest)
		return
	}
	resp, err := w.forward(r, body)
	if err != nil {
		w.staticFallback(rw, r, key)
		return
	}

	status, header := resp.StatusCode, resp.Header
	body, relayErr := relay(rw, resp)
	if relayErr == nil && status == http.StatusOK {
		if r.Method == http.MethodGet {
			go w.cacheDynamic(r.Method, key, status, header, body)
		}
		// A successful fetch means the upstream is reachable, so queued
		// tasks may be deliverable.
		w.maybeFlush()
	}
}

func (w *Worker) staticFallback(rw http.ResponseWriter, r *http.Request, key string) {
	switch requestDestination(r) {
	case "document":
		if cached, err := w.caches.MatchAny(http.MethodGet, "/"); err == nil {
			w.log.Debug("serving shell root for offline navigation", "key", key)
			writeCached(rw, cached)
			return
		}
		rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, offlinePage)

	case "script":
		if cached, err := w.caches.MatchAny(http.MethodGet, key); err == nil {
			writeCached(rw, cached)
			return
		}
		rw.Header().Set("Content-Type", "application/javascript")
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, "// resource unavailable offline\n")

	case "style":
		if cached, err := w.caches.MatchAny(http.MethodGet, key); err == nil {
			writeCached(rw, cached)
			return
		}
		rw.Header().Set("Content-Type", "text/css")
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, "/* resource unavailable offline */\n")

	default:
		http.Error(rw, "resource unavailable offline", http.StatusServiceUnavailable)
	}
}
