package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
	"github.com/modelgate/modelgate/internal/infrastructure/sse"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// MessagesHandler serves the native /v1/messages surface.
type MessagesHandler struct {
	orch   *pipeline.Orchestrator
	bus    pipeline.Publisher
	logger *zap.Logger
}

// NewMessagesHandler creates the handler.
func NewMessagesHandler(orch *pipeline.Orchestrator, bus pipeline.Publisher, logger *zap.Logger) *MessagesHandler {
	if bus == nil {
		bus = pipeline.NopPublisher{}
	}
	return &MessagesHandler{orch: orch, bus: bus, logger: logger}
}

// CreateMessage handles POST /v1/messages.
func (h *MessagesHandler) CreateMessage(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		renderError(c, gwerrors.Wrap(gwerrors.KindClientFault, "read request body", err))
		return
	}

	var req entity.Request
	if err := json.Unmarshal(body, &req); err != nil {
		renderError(c, gwerrors.Wrap(gwerrors.KindClientFault, "malformed request body", err))
		return
	}

	res, err := h.orch.Handle(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}

	if res.Stream != nil {
		h.streamResponse(c, res)
		return
	}

	c.JSON(http.StatusOK, res.Response)
	h.bus.Publish(pipeline.Event{
		Type: pipeline.EventResponseSent, Time: time.Now(),
		RequestID: res.RequestID, Pipeline: res.Pipeline, Category: res.Category,
	})
}

// streamResponse forwards the canonical event sequence as SSE. An error
// after the stream has started is delivered as an error event; the HTTP
// status is already committed.
func (h *MessagesHandler) streamResponse(c *gin.Context, res *pipeline.Result) {
	w := sse.NewWriter(c.Writer)
	c.Status(http.StatusOK)

	for ev := range res.Stream.Events {
		if err := w.WriteEvent(ev); err != nil {
			h.logger.Debug("Client disconnected mid-stream",
				zap.String("request_id", res.RequestID),
				zap.Error(err))
			// Keep draining; the decode side handles its own teardown.
			for range res.Stream.Events {
			}
			break
		}
	}

	if err := <-res.Stream.Errs; err != nil && !gwerrors.IsCanceled(err) {
		h.logger.Warn("Stream terminated with error",
			zap.String("request_id", res.RequestID),
			zap.Error(err))
		frame, merr := json.Marshal(errorBody{
			Type: "error",
			Error: errorDetail{
				Type:    gwerrors.WireType(err),
				Message: err.Error(),
			},
		})
		if merr == nil {
			_ = w.WriteNamed("error", frame)
		}
		h.bus.Publish(pipeline.Event{
			Type: pipeline.EventError, Time: time.Now(),
			RequestID: res.RequestID, Pipeline: res.Pipeline,
			Error: err.Error(), ErrorKind: string(gwerrors.KindOf(err)),
		})
		return
	}

	h.bus.Publish(pipeline.Event{
		Type: pipeline.EventResponseSent, Time: time.Now(),
		RequestID: res.RequestID, Pipeline: res.Pipeline, Category: res.Category,
		Stream: true,
	})
}
