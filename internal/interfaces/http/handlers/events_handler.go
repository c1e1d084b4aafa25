package handlers

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/infrastructure/eventbus"
	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsEventBuffer  = 128
)

var wsSeq atomic.Uint64

// EventsHandler streams the observation feed over a websocket. Each
// connection registers its own sink on the bus; a slow consumer loses
// events rather than slowing the bus down.
type EventsHandler struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewEventsHandler creates the handler.
func NewEventsHandler(bus *eventbus.Bus, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(zap.String("component", "events-ws")),
	}
}

// wsSink buffers events toward one connection, dropping on overflow.
type wsSink struct {
	name string
	ch   chan pipeline.Event
}

func (s *wsSink) Name() string { return s.name }

func (s *wsSink) Consume(ev pipeline.Event) {
	select {
	case s.ch <- ev:
	default:
	}
}

// Subscribe handles GET /admin/events.
func (h *EventsHandler) Subscribe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sink := &wsSink{
		name: fmt.Sprintf("events-ws-%d", wsSeq.Add(1)),
		ch:   make(chan pipeline.Event, wsEventBuffer),
	}
	h.bus.Register(sink)
	defer h.bus.Unregister(sink.name)

	// Reader goroutine: the tap is write-only, but reads surface close
	// frames and keep pings flowing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ev := <-sink.ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Websocket write failed, closing tap", zap.Error(err))
				return
			}
		}
	}
}
