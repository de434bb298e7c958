package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cidadao-ai/messaging/pkg/core"
	"github.com/cidadao-ai/messaging/pkg/ports"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // ops surface sits behind the ingress ACL
	},
}

// Handler streams live events to WebSocket clients. It registers a single
// catch-all subscriber on the event bus and fans deliveries out to per-client
// buffered channels, dropping events for slow clients rather than blocking
// the consumer.
type Handler struct {
	logger *zap.Logger

	mu   sync.RWMutex
	taps map[chan core.Event]struct{}
}

// NewHandler creates the handler and registers its tap on the bus. Call
// before the bus starts so every category stream gets a consumer group.
func NewHandler(eventBus ports.EventBus, logger *zap.Logger) (*Handler, error) {
	h := &Handler{
		logger: logger,
		taps:   make(map[chan core.Event]struct{}),
	}
	if err := eventBus.Subscribe(h.handleEvent, core.AllEventTypes()...); err != nil {
		return nil, err
	}
	return h, nil
}

// handleEvent is the bus-side tap. It never returns an error: a lagging
// dashboard must not push live events into retry or the DLQ.
func (h *Handler) handleEvent(ctx context.Context, event core.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for tap := range h.taps {
		select {
		case tap <- event:
		default:
			h.logger.Warn("event tap full, dropping event",
				zap.String("event_id", event.ID.String()),
				zap.String("type", string(event.Type)))
		}
	}
	return nil
}

// HandleEventStream upgrades the connection and relays events until the
// client disconnects. An optional ?category= query narrows the stream.
func (h *Handler) HandleEventStream(c *gin.Context) {
	category := core.Category(c.Query("category"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("client", c.ClientIP()),
		zap.String("category", string(category)))

	tap := make(chan core.Event, 16)
	h.mu.Lock()
	h.taps[tap] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.taps, tap)
		h.mu.Unlock()
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-tap:
			if category != "" && event.Type.Category() != category {
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Error("failed to write message", zap.Error(err))
				return
			}
		}
	}
}
