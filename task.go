package offgate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// Replay defaults for queued tasks.
const (
	DefaultMaxRetries = 5
	DefaultTaskTTL    = 24 * time.Hour
)

// ============================================================================
// Headers
// ============================================================================

// Headers is an ordered list of name/value pairs. Unlike http.Header it
// preserves insertion order and serializes deterministically, so two tasks
// captured from the same request persist byte-identical.
type Headers [][2]string

// HeadersFrom snapshots an http.Header into deterministic order. Names are
// sorted canonically, values keep their original order. Hop-by-hop headers
// are dropped.
func HeadersFrom(src http.Header) Headers {
	names := make([]string, 0, len(src))
	for name := range src {
		if isHopByHop(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var h Headers
	for _, name := range names {
		for _, v := range src[name] {
			h = append(h, [2]string{name, v})
		}
	}
	return h
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHop[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// Get returns the first value for name, matching case-insensitively.
func (h Headers) Get(name string) string {
	for _, pair := range h {
		if strings.EqualFold(pair[0], name) {
			return pair[1]
		}
	}
	return ""
}

// Set replaces every value for name with a single pair, or appends one.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	*h = append(*h, [2]string{name, value})
}

// Del removes every pair whose name matches case-insensitively.
func (h *Headers) Del(name string) {
	filtered := (*h)[:0]
	for _, pair := range *h {
		if !strings.EqualFold(pair[0], name) {
			filtered = append(filtered, pair)
		}
	}
	*h = filtered
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// HTTP converts back to an http.Header for the outgoing request.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, pair := range h {
		out.Add(pair[0], pair[1])
	}
	return out
}

// ============================================================================
// Body capture and rebuild
// ============================================================================

// BodyType classifies how a request body was captured and how it must be
// rebuilt for replay.
type BodyType string

const (
	BodyJSON       BodyType = "json"
	BodyURLEncoded BodyType = "urlencoded"
	BodyMultipart  BodyType = "multipart"
	BodyText       BodyType = "text"
	BodyNone       BodyType = "none"
)

// FormField is one multipart form entry, order preserved.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Body is the stored request payload. Exactly one of JSON, Text, or Fields
// is populated depending on Type.
type Body struct {
	Type   BodyType        `json:"type"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Text   string          `json:"text,omitempty"`
	Fields []FormField     `json:"fields,omitempty"`
}

// CaptureBody classifies and stores a request body by its Content-Type.
// Unknown content types are kept verbatim as text.
func CaptureBody(contentType string, r io.Reader) (Body, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)

	switch {
	case strings.Contains(mediaType, "application/json"):
		raw, err := io.ReadAll(r)
		if err != nil {
			return Body{}, fmt.Errorf("read json body: %w", err)
		}
		if !json.Valid(raw) {
			return Body{}, fmt.Errorf("invalid json body")
		}
		return Body{Type: BodyJSON, JSON: raw}, nil

	case strings.Contains(mediaType, "application/x-www-form-urlencoded"):
		raw, err := io.ReadAll(r)
		if err != nil {
			return Body{}, fmt.Errorf("read form body: %w", err)
		}
		return Body{Type: BodyURLEncoded, Text: string(raw)}, nil

	case strings.Contains(mediaType, "multipart/form-data"):
		boundary := params["boundary"]
		if boundary == "" {
			return Body{}, fmt.Errorf("multipart body without boundary")
		}
		mr := multipart.NewReader(r, boundary)
		var fields []FormField
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return Body{}, fmt.Errorf("read multipart part: %w", err)
			}
			value, err := io.ReadAll(part)
			if err != nil {
				return Body{}, fmt.Errorf("read multipart value: %w", err)
			}
			fields = append(fields, FormField{Name: part.FormName(), Value: string(value)})
		}
		return Body{Type: BodyMultipart, Fields: fields}, nil

	default:
		raw, err := io.ReadAll(r)
		if err != nil {
			return Body{}, fmt.Errorf("read body: %w", err)
		}
		return Body{Type: BodyText, Text: string(raw)}, nil
	}
}

// CaptureOptionalJSON reads a body that may legitimately be empty, as DELETE
// requests often are. Empty or whitespace-only input yields BodyNone, and a
// present but malformed payload also degrades to BodyNone rather than
// failing the capture.
func CaptureOptionalJSON(r io.Reader) (Body, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Body{}, fmt.Errorf("read body: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return Body{Type: BodyNone}, nil
	}
	return Body{Type: BodyJSON, JSON: trimmed}, nil
}

// Build renders the payload bytes for replay plus the Content-Type the
// outgoing request must carry. An empty contentType means the stored headers
// already say everything needed. Multipart bodies get a fresh boundary, so
// callers must drop any stale Content-Type header first.
func (b Body) Build() (payload []byte, contentType string, err error) {
	switch b.Type {
	case BodyJSON:
		return b.JSON, "application/json", nil

	case BodyURLEncoded:
		return []byte(b.Text), "application/x-www-form-urlencoded", nil

	case BodyMultipart:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, f := range b.Fields {
			if err := w.WriteField(f.Name, f.Value); err != nil {
				return nil, "", fmt.Errorf("write multipart field %q: %w", f.Name, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("close multipart writer: %w", err)
		}
		return buf.Bytes(), w.FormDataContentType(), nil

	case BodyNone:
		return nil, "", nil

	default:
		return []byte(b.Text), "", nil
	}
}

// ============================================================================
// PendingTask
// ============================================================================

// PendingTask is a mutating request captured while the upstream was
// unreachable, waiting for replay. UserID is set only on image tasks.
type PendingTask struct {
	ID         int64   `json:"id,omitempty"`
	URL        string  `json:"url"`
	Method     string  `json:"method"`
	Headers    Headers `json:"headers,omitempty"`
	Body       Body    `json:"body"`
	UserID     string  `json:"userId,omitempty"`
	CreatedAt  int64   `json:"createdAt"`
	RetryCount int     `json:"retryCount"`
	MaxRetries int     `json:"maxRetries"`
	TTLMs      int64   `json:"ttlMs"`
}

// Expired reports whether the task's TTL has elapsed.
func (t *PendingTask) Expired(now time.Time) bool {
	if t.TTLMs <= 0 {
		return false
	}
	return now.UnixMilli()-t.CreatedAt > t.TTLMs
}
