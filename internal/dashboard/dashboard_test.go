package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lockstep-sync/lockstep/internal/engine"
	"github.com/lockstep-sync/lockstep/internal/record"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func dialTestClient(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// Drain the welcome frame.
	if msg := readMessage(t, conn); msg.Type != MessageTypeStatus {
		t.Fatalf("welcome message type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := startTestServer(t)

	dialTestClient(t, server)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("ClientCount() = %d, want 1", count)
	}
}

func TestMessageBroadcast(t *testing.T) {
	server := startTestServer(t)
	conn := dialTestClient(t, server)

	ev := engine.Event{
		Kind:  engine.EventApplied,
		Scope: record.ScopePrivate,
		Type:  "notes",
		Count: 4,
		Time:  time.Now(),
	}
	data, _ := json.Marshal(ev)
	server.Broadcast(Message{Type: MessageTypeSyncEvent, Timestamp: ev.Time, Data: data})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSyncEvent {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeSyncEvent)
	}
	var got engine.Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if got.Kind != engine.EventApplied || got.Count != 4 || got.Type != "notes" {
		t.Errorf("event = %+v, want applied/4/notes", got)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startTestServer(t)

	conns := []*websocket.Conn{
		dialTestClient(t, server),
		dialTestClient(t, server),
		dialTestClient(t, server),
	}
	if count := server.ClientCount(); count != len(conns) {
		t.Fatalf("ClientCount() = %d, want %d", count, len(conns))
	}

	server.Broadcast(Message{Type: MessageTypeSyncEvent})

	for i, conn := range conns {
		if msg := readMessage(t, conn); msg.Type != MessageTypeSyncEvent {
			t.Errorf("client %d got %s, want %s", i, msg.Type, MessageTypeSyncEvent)
		}
	}
}

func TestHandlerEventFanout(t *testing.T) {
	server := startTestServer(t)
	handler := NewHandler(server, log.New(os.Stderr, "[test-handler] ", log.LstdFlags))
	conn := dialTestClient(t, server)

	sink := handler.Sink()
	sink(engine.Event{
		Kind:  engine.EventApplied,
		Scope: record.ScopePrivate,
		Type:  "notes",
		Count: 3,
		Time:  time.Now(),
	})

	// One sync_event frame, then the refreshed status.
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSyncEvent {
		t.Fatalf("first message type = %s, want %s", msg.Type, MessageTypeSyncEvent)
	}

	msg = readMessage(t, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("second message type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var status StatusData
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if status.Applied != 3 {
		t.Errorf("status.Applied = %d, want 3", status.Applied)
	}
}

func TestHandlerCounters(t *testing.T) {
	server := startTestServer(t)
	handler := NewHandler(server, log.New(os.Stderr, "[test-handler] ", log.LstdFlags))

	now := time.Now()
	events := []engine.Event{
		{Kind: engine.EventFetchPhase, Scope: record.ScopePrivate, Phase: engine.PhaseFetchingZoneChanges, Time: now},
		{Kind: engine.EventApplied, Scope: record.ScopePrivate, Type: "notes", Count: 2, Time: now},
		{Kind: engine.EventDeleted, Scope: record.ScopePrivate, Type: "notes", Count: 1, Time: now},
		{Kind: engine.EventPushed, Scope: record.ScopePrivate, Count: 5, Time: now},
		{Kind: engine.EventPushFailed, Scope: record.ScopePrivate, Count: 1, Time: now},
		{Kind: engine.EventZoneCreated, Scope: record.ScopePrivate, Zone: record.NewZoneID("notes"), Time: now},
		{Kind: engine.EventResumed, Time: now},
		// Token advances must not disturb the counters.
		{Kind: engine.EventTokenAdvanced, Scope: record.ScopePrivate, Time: now},
	}
	for _, ev := range events {
		handler.OnEvent(ev)
	}

	status := handler.Status()
	if status.Applied != 2 || status.Deleted != 1 || status.Pushed != 5 {
		t.Errorf("counters = applied %d, deleted %d, pushed %d; want 2, 1, 5",
			status.Applied, status.Deleted, status.Pushed)
	}
	if status.PushFailed != 1 || status.Resumed != 1 || status.ZonesCreated != 1 {
		t.Errorf("counters = push_failed %d, resumed %d, zones %d; want 1, 1, 1",
			status.PushFailed, status.Resumed, status.ZonesCreated)
	}
	if got := status.Phases[record.ScopePrivate.String()]; got != string(engine.PhaseFetchingZoneChanges) {
		t.Errorf("phase = %s, want %s", got, engine.PhaseFetchingZoneChanges)
	}
	if status.LastActivity.IsZero() {
		t.Error("LastActivity is zero after events")
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := startTestServer(t)
	dialTestClient(t, server)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", server.GetAddr()))
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("Failed to unmarshal health: %v", err)
	}
	if health.Status != "ok" || health.Clients != 1 {
		t.Errorf("health = %+v, want ok with 1 client", health)
	}
}
