package handlers

import (
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	"github.com/modelgate/modelgate/internal/infrastructure/sse"
	"github.com/modelgate/modelgate/internal/infrastructure/upstream/openai"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// OpenAIHandler serves the chat-completions compatible surface. Requests
// are transcoded to the canonical form on the way in and back on the way
// out; everything in between is the same pipeline.
type OpenAIHandler struct {
	orch   *pipeline.Orchestrator
	holder *routing.Holder
	bus    pipeline.Publisher
	logger *zap.Logger
}

// NewOpenAIHandler creates the handler.
func NewOpenAIHandler(orch *pipeline.Orchestrator, holder *routing.Holder, bus pipeline.Publisher, logger *zap.Logger) *OpenAIHandler {
	if bus == nil {
		bus = pipeline.NopPublisher{}
	}
	return &OpenAIHandler{orch: orch, holder: holder, bus: bus, logger: logger}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		renderError(c, gwerrors.Wrap(gwerrors.KindClientFault, "read request body", err))
		return
	}

	req, err := openai.DecodeRequest(body)
	if err != nil {
		renderError(c, err)
		return
	}

	res, err := h.orch.Handle(c.Request.Context(), req)
	if err != nil {
		renderError(c, err)
		return
	}

	if res.Stream != nil {
		h.streamResponse(c, res)
		return
	}

	out, err := openai.EncodeResponse(res.Response)
	if err != nil {
		renderError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
	h.bus.Publish(pipeline.Event{
		Type: pipeline.EventResponseSent, Time: time.Now(),
		RequestID: res.RequestID, Pipeline: res.Pipeline, Category: res.Category,
	})
}

func (h *OpenAIHandler) streamResponse(c *gin.Context, res *pipeline.Result) {
	w := sse.NewWriter(c.Writer)
	c.Status(http.StatusOK)

	enc := openai.NewChunkEncoder()
	for ev := range res.Stream.Events {
		chunks, err := enc.Encode(ev)
		if err != nil {
			h.logger.Warn("Failed to encode stream chunk", zap.Error(err))
			continue
		}
		for _, chunk := range chunks {
			if err := w.WriteData(chunk); err != nil {
				for range res.Stream.Events {
				}
				<-res.Stream.Errs
				return
			}
		}
	}

	if err := <-res.Stream.Errs; err != nil && !gwerrors.IsCanceled(err) {
		h.logger.Warn("Stream terminated with error",
			zap.String("request_id", res.RequestID),
			zap.Error(err))
	}
	_ = w.WriteDone()

	h.bus.Publish(pipeline.Event{
		Type: pipeline.EventResponseSent, Time: time.Now(),
		RequestID: res.RequestID, Pipeline: res.Pipeline, Category: res.Category,
		Stream: true,
	})
}

// modelEntry is one row of the /v1/models listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels handles GET /v1/models: the distinct upstream models of the
// active routing table.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	table := h.holder.Load()
	seen := make(map[string]bool)
	var models []modelEntry
	for _, e := range table.Entries() {
		if seen[e.UpstreamModel] {
			continue
		}
		seen[e.UpstreamModel] = true
		models = append(models, modelEntry{
			ID:      e.UpstreamModel,
			Object:  "model",
			Created: table.BuiltAt.Unix(),
			OwnedBy: e.ProviderID,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   models,
	})
}
