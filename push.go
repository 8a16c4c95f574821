package offgate

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrPermissionDenied is returned by a Notifier when the user has not
// granted notification permission.
var ErrPermissionDenied = errors.New("notification permission denied")

// Notifier displays a notification to the user.
type Notifier interface {
	Show(n *PushNotification) error
}

// NotificationAction is one button on a displayed notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// PushNotification is a parsed push payload ready for display.
type PushNotification struct {
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Icon      string               `json:"icon,omitempty"`
	Badge     string               `json:"badge,omitempty"`
	URL       string               `json:"url"`
	Tag       string               `json:"tag"`
	Timestamp int64                `json:"timestamp"`
	Actions   []NotificationAction `json:"actions"`
}

// defaultActions are attached to every displayed notification.
func defaultActions() []NotificationAction {
	return []NotificationAction{
		{Action: "open", Title: "Open", Icon: "/icon.svg"},
		{Action: "close", Title: "Close", Icon: "/icon.svg"},
	}
}

// ParsePushPayload turns a raw push body into a notification. JSON is tried
// first, then a plain-text scan, then a synthesized default, so a malformed
// payload still surfaces something to the user.
func ParsePushPayload(data []byte) *PushNotification {
	n := &PushNotification{
		Title: "New notification",
		Body:  "You have a new notification",
		Icon:  "/icon.svg",
		URL:   "/",
	}

	var parsed struct {
		Title     string `json:"title"`
		Body      string `json:"body"`
		Icon      string `json:"icon"`
		Badge     string `json:"badge"`
		URL       string `json:"url"`
		Timestamp int64  `json:"timestamp"`
	}
	if len(data) > 0 && json.Unmarshal(data, &parsed) == nil && (parsed.Title != "" || parsed.Body != "") {
		if parsed.Title != "" {
			n.Title = parsed.Title
		}
		if parsed.Body != "" {
			n.Body = parsed.Body
		}
		if parsed.Icon != "" {
			n.Icon = parsed.Icon
		}
		n.Badge = parsed.Badge
		if parsed.URL != "" {
			n.URL = parsed.URL
		}
		n.Timestamp = parsed.Timestamp
	} else if text := strings.TrimSpace(string(data)); text != "" {
		if strings.Contains(text, "Test push message") {
			n.Title = "Test message"
		}
		n.Body = text
	}

	if n.Badge == "" {
		n.Badge = n.Icon
	}
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	// Stable tag so repeated pushes replace each other instead of piling up.
	n.Tag = "offgate-notification"
	n.Actions = defaultActions()
	return n
}

// VerifyPushSignature verifies an HMAC-SHA256 push signature in constant
// time. A "sha256=" prefix on the signature is tolerated.
func VerifyPushSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// PushWebhook
// ============================================================================

// PushWebhook receives push messages from the push service, verifies them,
// and hands them to the notifier. A permission failure is announced to
// clients instead of being dropped silently.
type PushWebhook struct {
	secret   string
	notifier Notifier
	notify   Broadcaster
	log      *slog.Logger
}

// NewPushWebhook creates a push intake. An empty secret disables signature
// verification; notifier may be nil to only broadcast.
func NewPushWebhook(secret string, notifier Notifier, notify Broadcaster, log *slog.Logger) *PushWebhook {
	if log == nil {
		log = slog.Default()
	}
	return &PushWebhook{
		secret:   secret,
		notifier: notifier,
		notify:   notify,
		log:      log,
	}
}

// Handle processes one raw push body. Returns the status code and response
// body for the caller to write.
func (p *PushWebhook) Handle(body []byte, signature string) (int, any) {
	if p.secret != "" && !VerifyPushSignature(body, signature, p.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	n := ParsePushPayload(body)
	p.log.Info("push received", "title", n.Title)

	if p.notifier != nil {
		if err := p.notifier.Show(n); err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				p.log.Warn("notification permission denied")
				if p.notify != nil {
					p.notify.Broadcast(ClientMessage{
						Type:    MsgNotificationPermissionDenied,
						Message: "Notification permission not granted. Please enable notifications.",
					})
				}
				return http.StatusOK, map[string]bool{"ok": true}
			}
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
	}

	if p.notify != nil {
		p.notify.Broadcast(ClientMessage{Type: MsgPushNotification, Data: n})
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler for the push intake endpoint.
func (p *PushWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(w).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		status, data := p.Handle(body, r.Header.Get("X-Push-Signature"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(data)
	})
}

// ============================================================================
// Notification interaction
// ============================================================================

// LogNotifier records notifications in the log. It stands in where no real
// display surface exists.
type LogNotifier struct {
	Log *slog.Logger
}

func (l *LogNotifier) Show(n *PushNotification) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification", "title", n.Title, "body", n.Body, "url", n.URL)
	return nil
}

// NotificationClick reacts to a user clicking a notification action. The
// close action does nothing; anything else asks clients to focus and
// navigate to the notification's URL.
func NotificationClick(notify Broadcaster, action, targetURL string) {
	if action == "close" {
		return
	}
	if targetURL == "" {
		targetURL = "/"
	}
	if notify != nil {
		notify.Broadcast(ClientMessage{
			Type: MsgFocusWindow,
			Data: map[string]string{"url": targetURL},
		})
	}
}

var _ Notifier = (*LogNotifier)(nil)
