package offgate

import (
	"encoding/json"
	"net/http"
)

// ============================================================================
// Response envelope
// ============================================================================

// Envelope is the JSON body shape shared by the upstream backend and the
// synthesized offline responses. Data keys follow the backend contract.
type Envelope struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued,omitempty"`
	Message string `json:"message,omitempty"`
	Offline bool   `json:"offline,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Pagination mirrors the backend's image list pagination block.
type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	TotalImages int  `json:"totalImages"`
	HasNext     bool `json:"hasNext"`
	HasPrev     bool `json:"hasPrev"`
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// ============================================================================
// Client channel messages
// ============================================================================

// ClientMessage is exchanged with connected app instances over the
// notification channel, in both directions.
type ClientMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Commands accepted from the foreground app.
const (
	MsgFlushQueue             = "FLUSH_QUEUE"
	MsgFlushImageQueue        = "FLUSH_IMAGE_QUEUE"
	MsgClearQueue             = "CLEAR_QUEUE"
	MsgClearImageQueue        = "CLEAR_IMAGE_QUEUE"
	MsgStartConnectivityProbe = "START_CONNECTIVITY_PROBE"
)

// Events broadcast to the foreground app.
const (
	MsgConnectivityOK               = "CONNECTIVITY_OK"
	MsgAsyncTaskCreated             = "ASYNC_TASK_CREATED"
	MsgAsyncTaskProcessed           = "ASYNC_TASK_PROCESSED"
	MsgAsyncImageTaskCreated        = "ASYNC_IMAGE_TASK_CREATED"
	MsgAsyncImageTaskProcessed      = "ASYNC_IMAGE_TASK_PROCESSED"
	MsgQueueFlushed                 = "QUEUE_FLUSHED"
	MsgQueueCleared                 = "QUEUE_CLEARED"
	MsgImageQueueFlushed            = "IMAGE_QUEUE_FLUSHED"
	MsgImageQueueCleared            = "IMAGE_QUEUE_CLEARED"
	MsgNotificationPermissionDenied = "NOTIFICATION_PERMISSION_DENIED"
	MsgPushNotification             = "PUSH_NOTIFICATION"
	MsgFocusWindow                  = "FOCUS_WINDOW"
)

// Broadcaster fans an event out to every connected client.
type Broadcaster interface {
	Broadcast(msg ClientMessage)
}
