package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles in the canonical conversation model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
	BlockThinking   = "thinking"
)

// Tool choice modes. A named tool uses ToolChoiceTool plus Name.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
	ToolChoiceAny  = "any" // "required" on OpenAI-compatible ingress
	ToolChoiceTool = "tool"
)

// Request is the canonical chat-completion request. The wire shape is the
// Anthropic /v1/messages schema; every upstream codec encodes from and
// decodes to this form.
//
// Model is the caller's model hint. It is opaque: the gateway uses it only
// for routing, never for addressing the upstream.
type Request struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        *MessageContent `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Thinking      *Thinking       `json:"thinking,omitempty"`
}

// Thinking is the extended-reasoning toggle in canonical form.
type Thinking struct {
	Type         string `json:"type"` // "enabled" | "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// Tool is a canonical tool schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolChoice constrains which tool the model may call.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// MessageContent is either a plain text string or an ordered sequence of
// content blocks. Both shapes are legal on the wire; the gateway preserves
// whichever the caller sent unless a compatibility hint forces a shape.
type MessageContent struct {
	text   string
	blocks []ContentBlock
	isText bool
}

// Text builds a string-shaped content value.
func Text(s string) MessageContent {
	return MessageContent{text: s, isText: true}
}

// Blocks builds a block-shaped content value.
func Blocks(blocks ...ContentBlock) MessageContent {
	return MessageContent{blocks: blocks}
}

// IsText reports whether the value carries the string shape.
func (c MessageContent) IsText() bool { return c.isText }

// AsBlocks returns the content as a block sequence, lifting a bare string
// into a single text block.
func (c MessageContent) AsBlocks() []ContentBlock {
	if c.isText {
		if c.text == "" {
			return nil
		}
		return []ContentBlock{{Type: BlockText, Text: c.text}}
	}
	return c.blocks
}

// PlainText concatenates all text blocks, ignoring non-text content.
func (c MessageContent) PlainText() string {
	if c.isText {
		return c.text
	}
	var b strings.Builder
	for _, blk := range c.blocks {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// IsEmpty reports whether the content carries nothing at all.
func (c MessageContent) IsEmpty() bool {
	if c.isText {
		return c.text == ""
	}
	return len(c.blocks) == 0
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.text)
	}
	if c.blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.blocks)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty content")
	}
	if trimmed[0] == '"' {
		c.isText = true
		c.blocks = nil
		return json.Unmarshal(trimmed, &c.text)
	}
	c.isText = false
	c.text = ""
	return json.Unmarshal(trimmed, &c.blocks)
}

// ContentBlock is a polymorphic content element. The populated fields depend
// on Type; MarshalJSON emits exactly the fields the wire shape defines so
// that round trips are byte-stable.
type ContentBlock struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   *MessageContent `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// BlockImage
	Source map[string]any `json:"source,omitempty"`

	// BlockThinking
	Thinking string `json:"thinking,omitempty"`
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case BlockToolUse:
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		return json.Marshal(struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case BlockToolResult:
		return json.Marshal(struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   *MessageContent `json:"content,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		}{b.Type, b.ToolUseID, b.Content, b.IsError})
	case BlockImage:
		return json.Marshal(struct {
			Type   string         `json:"type"`
			Source map[string]any `json:"source"`
		}{b.Type, b.Source})
	case BlockThinking:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Thinking string `json:"thinking"`
		}{b.Type, b.Thinking})
	default:
		type raw ContentBlock
		return json.Marshal(raw(b))
	}
}

// SessionID extracts the sticky-session key from request metadata, if any.
func (r *Request) SessionID() string {
	if r.Metadata == nil {
		return ""
	}
	for _, key := range []string{"session_id", "user_id"} {
		if v, ok := r.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ThinkingEnabled reports whether the request asks for extended reasoning,
// either via the canonical thinking flag or a metadata hint.
func (r *Request) ThinkingEnabled() bool {
	if r.Thinking != nil && r.Thinking.Type == "enabled" {
		return true
	}
	if r.Metadata != nil {
		if v, ok := r.Metadata["reasoning"].(bool); ok && v {
			return true
		}
	}
	return false
}
