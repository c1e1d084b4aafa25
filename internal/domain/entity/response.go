package entity

import (
	"fmt"

	"github.com/google/uuid"
)

// Canonical stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
	StopError        = "error"
)

// Response is a complete canonical assistant message.
//
// Model carries the upstream's model string untouched; reverse-mapping to
// the caller's hint is deliberately not done here.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // always "message"
	Role         string         `json:"role"` // always "assistant"
	Model        string         `json:"model,omitempty"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// NewMessageID generates a canonical message id.
func NewMessageID() string {
	return fmt.Sprintf("msg_%s", uuid.NewString())
}

// NewResponse creates an empty assistant response shell.
func NewResponse(model string) *Response {
	return &Response{
		ID:    NewMessageID(),
		Type:  "message",
		Role:  RoleAssistant,
		Model: model,
	}
}

// ToolUses returns the tool_use blocks of the response in order.
func (r *Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// TextContent concatenates all text blocks of the response.
func (r *Response) TextContent() string {
	var s string
	for _, b := range r.Content {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}
