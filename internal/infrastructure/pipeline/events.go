package pipeline

import (
	"time"

	"github.com/modelgate/modelgate/internal/infrastructure/routing"
)

// Observation event types, emitted at each boundary of the request path.
type EventType string

const (
	EventRequestReceived EventType = "request_received"
	EventCategoryChosen  EventType = "category_chosen"
	EventBackendSelected EventType = "backend_selected"
	EventUpstreamBegin   EventType = "upstream_begin"
	EventUpstreamChunk   EventType = "upstream_chunk"
	EventUpstreamEnd     EventType = "upstream_end"
	EventResponseSent    EventType = "response_sent"
	EventError           EventType = "error"
)

// Event is one observation record. Fields are populated as far as the
// request got; a category_chosen event has no pipeline yet.
type Event struct {
	Type      EventType        `json:"type"`
	Time      time.Time        `json:"time"`
	RequestID string           `json:"request_id"`
	Model     string           `json:"model,omitempty"`
	Category  routing.Category `json:"category,omitempty"`
	Pipeline  string           `json:"pipeline,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Stream    bool             `json:"stream,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`

	LatencyMs    float64 `json:"latency_ms,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	Error        string  `json:"error,omitempty"`
	ErrorKind    string  `json:"error_kind,omitempty"`
}

// Publisher delivers observation events to interested sinks. Publishing
// must never block the request path.
type Publisher interface {
	Publish(ev Event)
}

// Sink consumes observation events on the subscriber side of the bus.
type Sink interface {
	Name() string
	Consume(ev Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
