package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/lockstep-sync/lockstep/internal/engine"
)

// Handler turns engine events into dashboard messages and keeps running
// counters. It is the bridge between the engine's event sink and the
// WebSocket server.
type Handler struct {
	server *Server
	logger *log.Logger

	// Engine events arrive from several goroutines (serial executors, the
	// fetch loop), so the counters need a lock.
	mu     sync.Mutex
	status StatusData
}

// NewHandler creates an event handler connected to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
		status: StatusData{Phases: make(map[string]string)},
	}
}

// Sink returns the handler as an engine event sink.
func (h *Handler) Sink() engine.EventSink {
	return h.OnEvent
}

// OnEvent broadcasts one engine event and refreshes the aggregate status
// when the event moved a counter.
func (h *Handler) OnEvent(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal event: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeSyncEvent,
		Timestamp: ev.Time,
		Data:      data,
	})

	if h.track(ev) {
		h.broadcastStatus()
	}
}

// track folds the event into the counters and reports whether the
// aggregate view changed.
func (h *Handler) track(ev engine.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.LastActivity = ev.Time

	switch ev.Kind {
	case engine.EventFetchPhase:
		h.status.Phases[ev.Scope.String()] = string(ev.Phase)
		return true
	case engine.EventApplied:
		h.status.Applied += ev.Count
		return true
	case engine.EventDeleted:
		h.status.Deleted += ev.Count
		return true
	case engine.EventPushed:
		h.status.Pushed += ev.Count
		return true
	case engine.EventPushFailed:
		h.status.PushFailed += ev.Count
		return true
	case engine.EventResumed:
		h.status.Resumed++
		return true
	case engine.EventZoneCreated:
		h.status.ZonesCreated++
		return true
	}
	// Token advances ride along in the event stream without a counter.
	return false
}

// broadcastStatus sends the current counters to all clients.
func (h *Handler) broadcastStatus() {
	data, err := json.Marshal(h.Status())
	if err != nil {
		h.logger.Printf("Failed to marshal status: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Status returns a copy of the current counters.
func (h *Handler) Status() StatusData {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.status
	out.Phases = make(map[string]string, len(h.status.Phases))
	for k, v := range h.status.Phases {
		out.Phases[k] = v
	}
	return out
}
