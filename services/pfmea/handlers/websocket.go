package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

// subscriberBuffer sizes each client's event queue. Intermediate
// events are best-effort; a client that cannot keep up loses them.
const subscriberBuffer = 64

// ProgressHub routes progress events to websocket subscribers by
// analysis id. It is an injected dependency, created per server, so
// orchestration runs stay independently testable.
type ProgressHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan datatypes.ProgressEvent]struct{}
	log  *slog.Logger
}

// NewProgressHub creates an empty hub.
func NewProgressHub(log *slog.Logger) *ProgressHub {
	if log == nil {
		log = slog.Default()
	}
	return &ProgressHub{
		subs: make(map[string]map[chan datatypes.ProgressEvent]struct{}),
		log:  log,
	}
}

// Subscribe registers a new listener for one analysis. The returned
// channel is closed by Unsubscribe, never by the hub.
func (h *ProgressHub) Subscribe(analysisID string) chan datatypes.ProgressEvent {
	ch := make(chan datatypes.ProgressEvent, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[analysisID] == nil {
		h.subs[analysisID] = make(map[chan datatypes.ProgressEvent]struct{})
	}
	h.subs[analysisID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *ProgressHub) Unsubscribe(analysisID string, ch chan datatypes.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	listeners, ok := h.subs[analysisID]
	if !ok {
		return
	}
	if _, ok := listeners[ch]; !ok {
		return
	}
	delete(listeners, ch)
	if len(listeners) == 0 {
		delete(h.subs, analysisID)
	}
	close(ch)
}

// Publish delivers an event to every subscriber of the analysis.
// Delivery is non-blocking: a subscriber with a full queue drops the
// event rather than stalling the pipeline.
func (h *ProgressHub) Publish(analysisID string, event datatypes.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[analysisID] {
		select {
		case ch <- event:
		default:
			h.log.Debug("subscriber queue full, dropping event",
				"analysis_id", analysisID, "step", event.Step)
		}
	}
}

// Sink adapts the hub to the pipeline's ProgressSink interface for one
// analysis.
func (h *ProgressHub) Sink(analysisID string) pipeline.ProgressSink {
	return pipeline.SinkFunc(func(ctx context.Context, event datatypes.ProgressEvent) error {
		h.Publish(analysisID, event)
		return nil
	})
}

// HandleProgressWebSocket streams progress events for one analysis to
// a websocket client.
func HandleProgressWebSocket(hub *ProgressHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		analysisID := c.Param("id")

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("progress client connected", "analysis_id", analysisID)

		events := hub.Subscribe(analysisID)
		defer hub.Unsubscribe(analysisID, events)

		// Reader goroutine only detects disconnects; clients send no
		// meaningful frames.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				slog.Info("progress client disconnected", "analysis_id", analysisID)
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := ws.WriteJSON(event); err != nil {
					slog.Warn("failed to write progress event", "error", err)
					return
				}
			}
		}
	}
}
