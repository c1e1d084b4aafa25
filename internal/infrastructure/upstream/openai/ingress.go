package openai

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/domain/entity"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// Ingress side of the chat-completions format: the gateway also accepts
// requests in this shape and serves responses back in it. The wire types
// are shared with the upstream codec; the direction is reversed.

// DecodeRequest parses a chat-completions request body into the canonical
// form.
func DecodeRequest(body []byte) (*entity.Request, error) {
	var wire chatRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindClientFault, "malformed chat completions request", err)
	}

	req := &entity.Request{
		Model:         wire.Model,
		MaxTokens:     wire.MaxTokens,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		StopSequences: wire.Stop,
		Stream:        wire.Stream,
	}
	if wire.User != "" {
		req.Metadata = map[string]any{"user_id": wire.User}
	}

	var system strings.Builder
	for i := range wire.Messages {
		m := &wire.Messages[i]
		switch m.Role {
		case "system", "developer":
			system.WriteString(decodeContentText(m.Content))
		case "user":
			msg, err := decodeUserMessage(m)
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, msg)
		case "assistant":
			req.Messages = append(req.Messages, decodeAssistantMessage(m))
		case "tool":
			req.Messages = append(req.Messages, entity.Message{
				Role: entity.RoleUser,
				Content: entity.Blocks(entity.ContentBlock{
					Type:      entity.BlockToolResult,
					ToolUseID: m.ToolCallID,
					Content:   contentPtr(entity.Text(decodeContentText(m.Content))),
				}),
			})
		default:
			return nil, gwerrors.Newf(gwerrors.KindClientFault, "unsupported message role %q", m.Role)
		}
	}
	if system.Len() > 0 {
		sys := entity.Text(system.String())
		req.System = &sys
	}

	for _, t := range wire.Tools {
		if t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, entity.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	req.ToolChoice = decodeToolChoice(wire.ToolChoice)

	return req, nil
}

func contentPtr(c entity.MessageContent) *entity.MessageContent { return &c }

func decodeUserMessage(m *chatMessage) (entity.Message, error) {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return entity.Message{Role: entity.RoleUser, Content: entity.Text(s)}, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return entity.Message{}, gwerrors.Wrap(gwerrors.KindClientFault, "malformed message content", err)
	}
	var blocks []entity.ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, entity.ContentBlock{Type: entity.BlockText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			blocks = append(blocks, entity.ContentBlock{
				Type:   entity.BlockImage,
				Source: imageSource(p.ImageURL.URL),
			})
		}
	}
	return entity.Message{Role: entity.RoleUser, Content: entity.Blocks(blocks...)}, nil
}

// imageSource converts an image_url value to the canonical source object.
// Data URLs are unpacked; anything else stays a URL reference.
func imageSource(url string) map[string]any {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		if media, data, found := strings.Cut(rest, ";base64,"); found {
			return map[string]any{"type": "base64", "media_type": media, "data": data}
		}
	}
	return map[string]any{"type": "url", "url": url}
}

func decodeAssistantMessage(m *chatMessage) entity.Message {
	var blocks []entity.ContentBlock
	if text := decodeContentText(m.Content); text != "" {
		blocks = append(blocks, entity.ContentBlock{Type: entity.BlockText, Text: text})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, entity.ContentBlock{
			Type:  entity.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: parseArguments(tc.Function.Arguments),
		})
	}
	return entity.Message{Role: entity.RoleAssistant, Content: entity.Blocks(blocks...)}
}

func decodeToolChoice(raw json.RawMessage) *entity.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &entity.ToolChoice{Type: entity.ToolChoiceAuto}
		case "none":
			return &entity.ToolChoice{Type: entity.ToolChoiceNone}
		case "required":
			return &entity.ToolChoice{Type: entity.ToolChoiceAny}
		}
		return nil
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &entity.ToolChoice{Type: entity.ToolChoiceTool, Name: obj.Function.Name}
	}
	return nil
}

// mapStopReason is the reverse of MapFinishReason for the ingress surface.
func mapStopReason(stop string) string {
	switch stop {
	case entity.StopMaxTokens:
		return "length"
	case entity.StopToolUse:
		return "tool_calls"
	case entity.StopStopSequence:
		return "content_filter"
	default:
		return "stop"
	}
}

// EncodeResponse renders a canonical response as a chat.completion body.
func EncodeResponse(resp *entity.Response) ([]byte, error) {
	msg := chatMessage{Role: "assistant"}
	if text := resp.TextContent(); text != "" {
		msg.Content = mustRawString(text)
	}
	for _, tu := range resp.ToolUses() {
		args, err := json.Marshal(orEmptyInput(tu.Input))
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindTransformFault, "encode tool call arguments", err)
		}
		msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
			ID:       tu.ID,
			Type:     "function",
			Function: functionCall{Name: tu.Name, Arguments: string(args)},
		})
	}

	finish := mapStopReason(resp.StopReason)
	wire := chatResponse{
		ID:      "chatcmpl-" + strings.TrimPrefix(resp.ID, "msg_"),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatChoice{{Index: 0, Message: &msg, FinishReason: &finish}},
		Usage: &chatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.Total(),
		},
	}
	return json.Marshal(&wire)
}

// ChunkEncoder converts canonical stream events into chat.completion.chunk
// payloads for the compatible ingress. One encoder per response.
type ChunkEncoder struct {
	id      string
	model   string
	created int64

	toolSeq   int         // next wire tool-call index
	toolAt    map[int]int // canonical block index -> wire tool-call index
	roleSet   bool
	stop      string
	usage     *entity.Usage
	finishOut bool
}

// NewChunkEncoder creates an encoder; id and model are filled from the
// message_start event when they arrive.
func NewChunkEncoder() *ChunkEncoder {
	return &ChunkEncoder{created: time.Now().Unix(), toolAt: map[int]int{}}
}

// Encode maps one canonical event to zero or more chunk bodies.
func (ce *ChunkEncoder) Encode(ev entity.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case entity.EventMessageStart:
		if ev.Message != nil {
			ce.id = "chatcmpl-" + strings.TrimPrefix(ev.Message.ID, "msg_")
			ce.model = ev.Message.Model
		}
		role := "assistant"
		return ce.chunk(chatDelta{Role: role}, nil, nil)

	case entity.EventContentBlockStart:
		if ev.ContentBlock == nil || ev.ContentBlock.Type != entity.BlockToolUse {
			return nil, nil
		}
		wireIdx := ce.toolSeq
		ce.toolSeq++
		ce.toolAt[ev.Index] = wireIdx
		return ce.chunk(chatDelta{ToolCalls: []chatToolCall{{
			Index:    &wireIdx,
			ID:       ev.ContentBlock.ID,
			Type:     "function",
			Function: functionCall{Name: ev.ContentBlock.Name},
		}}}, nil, nil)

	case entity.EventContentBlockDelta:
		if ev.Delta == nil {
			return nil, nil
		}
		if ev.Delta.Text != "" {
			text := ev.Delta.Text
			return ce.chunk(chatDelta{Content: &text}, nil, nil)
		}
		if ev.Delta.PartialJSON != "" {
			wireIdx, ok := ce.toolAt[ev.Index]
			if !ok {
				return nil, nil
			}
			return ce.chunk(chatDelta{ToolCalls: []chatToolCall{{
				Index:    &wireIdx,
				Function: functionCall{Arguments: ev.Delta.PartialJSON},
			}}}, nil, nil)
		}
		return nil, nil

	case entity.EventMessageDelta:
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			ce.stop = ev.Delta.StopReason
		}
		ce.usage = ev.Usage
		return nil, nil

	case entity.EventMessageStop:
		finish := mapStopReason(ce.stop)
		ce.finishOut = true
		return ce.chunk(chatDelta{}, &finish, ce.usage)
	}
	return nil, nil
}

func (ce *ChunkEncoder) chunk(delta chatDelta, finish *string, usage *entity.Usage) ([][]byte, error) {
	wire := chatResponse{
		ID:      ce.id,
		Object:  "chat.completion.chunk",
		Created: ce.created,
		Model:   ce.model,
		Choices: []chatChoice{{Index: 0, Delta: &delta, FinishReason: finish}},
	}
	if usage != nil {
		wire.Usage = &chatUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.Total(),
		}
	}
	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, err
	}
	return [][]byte{body}, nil
}
