package offgate

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// ============================================================================
// Hub
// ============================================================================

func TestHub(t *testing.T) {
	t.Run("broadcast reaches connected client", func(t *testing.T) {
		hub := NewHub(testLogger())
		srv := httptest.NewServer(hub)
		defer srv.Close()
		defer hub.Close()

		conn := dialHub(t, srv)
		if !waitFor(t, time.Second, func() bool { return hub.ClientCount() == 1 }) {
			t.Fatal("client never registered")
		}

		hub.Broadcast(ClientMessage{Type: MsgConnectivityOK, Message: "Connectivity restored."})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != MsgConnectivityOK {
			t.Fatalf("type = %q", msg.Type)
		}
	})

	t.Run("client command reaches callback", func(t *testing.T) {
		hub := NewHub(testLogger())
		got := make(chan ClientMessage, 1)
		hub.HandleCommands(func(ctx context.Context, msg ClientMessage) {
			got <- msg
		})
		srv := httptest.NewServer(hub)
		defer srv.Close()
		defer hub.Close()

		conn := dialHub(t, srv)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		payload, _ := json.Marshal(ClientMessage{Type: MsgFlushQueue})
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			t.Fatalf("write: %v", err)
		}

		select {
		case msg := <-got:
			if msg.Type != MsgFlushQueue {
				t.Fatalf("type = %q", msg.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("command never arrived")
		}
	})

	t.Run("local listener receives broadcasts", func(t *testing.T) {
		hub := NewHub(testLogger())
		defer hub.Close()

		rec := &recorder{}
		hub.OnMessage(rec.Broadcast)
		hub.Broadcast(ClientMessage{Type: MsgQueueFlushed})

		if !rec.has(MsgQueueFlushed) {
			t.Fatalf("broadcasts = %v", rec.types())
		}
	})

	t.Run("panicking listener does not break broadcast", func(t *testing.T) {
		hub := NewHub(testLogger())
		defer hub.Close()

		hub.OnMessage(func(ClientMessage) { panic("listener bug") })
		rec := &recorder{}
		hub.OnMessage(rec.Broadcast)

		hub.Broadcast(ClientMessage{Type: MsgQueueCleared})
		if !rec.has(MsgQueueCleared) {
			t.Fatalf("broadcasts = %v", rec.types())
		}
	})
}
