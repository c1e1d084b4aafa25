package entity

import (
	"encoding/json"
	"fmt"
)

// Canonical stream event types. The wire shapes match the Anthropic
// /v1/messages SSE format exactly.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
)

// Delta types inside content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaThinking  = "thinking_delta"
)

// StreamEvent is one element of the canonical event sequence. Which fields
// are populated depends on Type; Encode produces the exact wire framing.
//
// Invariant: for each Index, exactly one content_block_start precedes zero
// or more content_block_delta which precede exactly one content_block_stop.
// StopReason appears only in the terminal message_delta.
type StreamEvent struct {
	Type         string
	Index        int
	Message      *Response     // message_start
	ContentBlock *ContentBlock // content_block_start
	Delta        *Delta        // content_block_delta, message_delta
	Usage        *Usage        // message_delta
}

// Delta is the incremental payload of a delta event.
type Delta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// Encode renders the event name and JSON data for SSE framing.
func (e *StreamEvent) Encode() (name string, data []byte, err error) {
	switch e.Type {
	case EventMessageStart:
		data, err = json.Marshal(struct {
			Type    string    `json:"type"`
			Message *Response `json:"message"`
		}{e.Type, e.Message})
	case EventContentBlockStart:
		data, err = json.Marshal(struct {
			Type         string        `json:"type"`
			Index        int           `json:"index"`
			ContentBlock *ContentBlock `json:"content_block"`
		}{e.Type, e.Index, e.ContentBlock})
	case EventContentBlockDelta:
		data, err = json.Marshal(struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Delta *Delta `json:"delta"`
		}{e.Type, e.Index, e.Delta})
	case EventContentBlockStop:
		data, err = json.Marshal(struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
		}{e.Type, e.Index})
	case EventMessageDelta:
		data, err = json.Marshal(struct {
			Type  string `json:"type"`
			Delta *Delta `json:"delta"`
			Usage *Usage `json:"usage,omitempty"`
		}{e.Type, e.Delta, e.Usage})
	case EventMessageStop, EventPing:
		data, err = json.Marshal(struct {
			Type string `json:"type"`
		}{e.Type})
	default:
		return "", nil, fmt.Errorf("unknown stream event type %q", e.Type)
	}
	return e.Type, data, err
}

// --- Constructors used by codecs and the stream engine ---

// MessageStart opens a stream for the given response shell.
func MessageStart(msg *Response) StreamEvent {
	shell := *msg
	if shell.Content == nil {
		shell.Content = []ContentBlock{}
	}
	return StreamEvent{Type: EventMessageStart, Message: &shell}
}

// TextBlockStart opens a text content block.
func TextBlockStart(index int) StreamEvent {
	return StreamEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: &ContentBlock{Type: BlockText, Text: ""},
	}
}

// ToolUseBlockStart opens a tool_use content block.
func ToolUseBlockStart(index int, id, name string) StreamEvent {
	return StreamEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: &ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: map[string]any{}},
	}
}

// TextDelta appends text to the block at index.
func TextDelta(index int, text string) StreamEvent {
	return StreamEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: &Delta{Type: DeltaText, Text: text},
	}
}

// InputJSONDelta carries a partial JSON fragment of a tool_use input.
func InputJSONDelta(index int, partial string) StreamEvent {
	return StreamEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: &Delta{Type: DeltaInputJSON, PartialJSON: partial},
	}
}

// BlockStop closes the block at index.
func BlockStop(index int) StreamEvent {
	return StreamEvent{Type: EventContentBlockStop, Index: index}
}

// MessageDeltaEvent carries the terminal stop_reason and usage delta.
func MessageDeltaEvent(stopReason string, usage *Usage) StreamEvent {
	return StreamEvent{
		Type:  EventMessageDelta,
		Delta: &Delta{StopReason: stopReason},
		Usage: usage,
	}
}

// MessageStop terminates the stream.
func MessageStop() StreamEvent {
	return StreamEvent{Type: EventMessageStop}
}
