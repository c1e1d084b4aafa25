package openai

import (
	"encoding/json"
	"strings"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	"github.com/modelgate/modelgate/internal/infrastructure/upstream"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

func init() {
	upstream.RegisterCodec(&Codec{})
}

// Codec speaks the OpenAI chat-completions wire format, which also covers
// the long tail of OpenAI-compatible servers (vLLM, Ollama, proxies).
type Codec struct{}

var _ upstream.Codec = (*Codec)(nil)

func (c *Codec) Name() routing.ProviderType { return routing.ProviderOpenAICompatible }

func (c *Codec) EncodeRequest(req *entity.Request, entry *routing.PipelineEntry, stream bool) (*upstream.EncodedRequest, error) {
	wire := chatRequest{
		Model:       entry.UpstreamModel,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      stream,
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.Metadata != nil {
		if v, ok := req.Metadata["user_id"].(string); ok {
			wire.User = v
		}
	}

	if req.System != nil && !req.System.IsEmpty() {
		wire.Messages = append(wire.Messages, chatMessage{
			Role:    "system",
			Content: mustRawString(req.System.PlainText()),
		})
	}

	for i := range req.Messages {
		msgs, err := encodeMessage(&req.Messages[i])
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, msgs...)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	wire.ToolChoice = encodeToolChoice(req.ToolChoice)

	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindTransformFault, "encode openai request", err)
	}
	return &upstream.EncodedRequest{
		Path:   "/v1/chat/completions",
		Body:   body,
		Stream: stream,
	}, nil
}

// encodeMessage maps one canonical turn to one or more wire messages.
// tool_result blocks become role "tool" messages; assistant tool_use blocks
// become tool_calls on the assistant message.
func encodeMessage(m *entity.Message) ([]chatMessage, error) {
	blocks := m.Content.AsBlocks()

	if m.Role == entity.RoleAssistant {
		out := chatMessage{Role: "assistant"}
		var text strings.Builder
		for _, b := range blocks {
			switch b.Type {
			case entity.BlockText:
				text.WriteString(b.Text)
			case entity.BlockToolUse:
				args, err := json.Marshal(orEmptyInput(b.Input))
				if err != nil {
					return nil, gwerrors.Wrap(gwerrors.KindTransformFault, "encode tool call arguments", err)
				}
				out.ToolCalls = append(out.ToolCalls, chatToolCall{
					ID:       b.ID,
					Type:     "function",
					Function: functionCall{Name: b.Name, Arguments: string(args)},
				})
			}
		}
		if text.Len() > 0 {
			out.Content = mustRawString(text.String())
		}
		return []chatMessage{out}, nil
	}

	// User turns: tool results first, then the remaining content.
	var out []chatMessage
	var parts []contentPart
	textOnly := true
	for _, b := range blocks {
		switch b.Type {
		case entity.BlockToolResult:
			content := ""
			if b.Content != nil {
				content = b.Content.PlainText()
			}
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    mustRawString(content),
			})
		case entity.BlockText:
			parts = append(parts, contentPart{Type: "text", Text: b.Text})
		case entity.BlockImage:
			textOnly = false
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: imageDataURL(b.Source)}})
		}
	}
	if len(parts) > 0 {
		msg := chatMessage{Role: "user"}
		if textOnly {
			var text strings.Builder
			for _, p := range parts {
				text.WriteString(p.Text)
			}
			msg.Content = mustRawString(text.String())
		} else {
			raw, err := json.Marshal(parts)
			if err != nil {
				return nil, gwerrors.Wrap(gwerrors.KindTransformFault, "encode content parts", err)
			}
			msg.Content = raw
		}
		out = append(out, msg)
	}
	return out, nil
}

// imageDataURL renders a canonical image source as a data URL. URL sources
// pass through.
func imageDataURL(source map[string]any) string {
	if source == nil {
		return ""
	}
	if u, ok := source["url"].(string); ok {
		return u
	}
	media, _ := source["media_type"].(string)
	data, _ := source["data"].(string)
	return "data:" + media + ";base64," + data
}

func encodeToolChoice(tc *entity.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case entity.ToolChoiceAuto:
		return mustRawString("auto")
	case entity.ToolChoiceNone:
		return mustRawString("none")
	case entity.ToolChoiceAny:
		return mustRawString("required")
	case entity.ToolChoiceTool:
		raw, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		})
		return raw
	}
	return nil
}

func orEmptyInput(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}

func mustRawString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func (c *Codec) DecodeResponse(body []byte, _ *routing.PipelineEntry) (*entity.Response, error) {
	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindBackendTransient, "malformed openai response", err)
	}
	if len(wire.Choices) == 0 {
		return nil, gwerrors.New(gwerrors.KindBackendTransient, "openai response has no choices")
	}

	choice := wire.Choices[0]
	resp := entity.NewResponse(wire.Model)
	if wire.ID != "" {
		resp.ID = wire.ID
	}

	if choice.Message != nil {
		if text := decodeContentText(choice.Message.Content); text != "" {
			resp.Content = append(resp.Content, entity.ContentBlock{Type: entity.BlockText, Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			resp.Content = append(resp.Content, entity.ContentBlock{
				Type:  entity.BlockToolUse,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: parseArguments(tc.Function.Arguments),
			})
		}
	}

	if choice.FinishReason != nil {
		resp.StopReason = upstream.MapFinishReason(*choice.FinishReason)
	}
	if resp.StopReason == "" {
		resp.StopReason = entity.StopEndTurn
	}
	if wire.Usage != nil {
		resp.Usage = entity.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

// decodeContentText flattens a string-or-parts content value to plain text.
func decodeContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// parseArguments parses a tool call's argument string. Unparseable input is
// preserved under raw_arguments instead of failing the whole response.
func parseArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return map[string]any{"raw_arguments": raw}
	}
	return obj
}
