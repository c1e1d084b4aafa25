package codewhisperer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	"github.com/modelgate/modelgate/internal/infrastructure/upstream"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

func init() {
	upstream.RegisterCodec(&Codec{})
}

// Codec speaks the CodeWhisperer conversation API. The upstream only
// streams, so non-stream callers go through hint-forced streaming and
// DecodeResponse assembles the event sequence.
type Codec struct{}

var _ upstream.Codec = (*Codec)(nil)

func (c *Codec) Name() routing.ProviderType { return routing.ProviderCodeWhisperer }

// --- Wire shapes ---

type generateBody struct {
	ConversationState conversationState `json:"conversationState"`
}

type conversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"` // always "MANUAL"
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  historyEntry   `json:"currentMessage"`
	History         []historyEntry `json:"history,omitempty"`
}

// historyEntry carries exactly one of the two message kinds.
type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content string            `json:"content"`
	ModelID string            `json:"modelId,omitempty"`
	Origin  string            `json:"origin,omitempty"` // always "AI_EDITOR"
	Context *userInputContext `json:"userInputMessageContext,omitempty"`
}

type userInputContext struct {
	Tools       []toolSpec   `json:"tools,omitempty"`
	ToolResults []toolResult `json:"toolResults,omitempty"`
}

type toolSpec struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	InputSchema toolSchema `json:"inputSchema"`
}

type toolSchema struct {
	JSON map[string]any `json:"json"`
}

type toolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []toolResultContent `json:"content"`
	Status    string              `json:"status"`
}

type toolResultContent struct {
	Text string `json:"text,omitempty"`
}

type assistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []toolUse `json:"toolUses,omitempty"`
}

type toolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// Stream payload shapes, selected by the frame's :event-type header.

type assistantResponseEvent struct {
	Content string `json:"content"`
}

type toolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"` // argument JSON fragment
	Stop      bool   `json:"stop"`
}

// --- Encode ---

func (c *Codec) EncodeRequest(req *entity.Request, entry *routing.PipelineEntry, stream bool) (*upstream.EncodedRequest, error) {
	if len(req.Messages) == 0 {
		return nil, gwerrors.New(gwerrors.KindTransformFault, "codewhisperer request needs at least one message")
	}

	state := conversationState{
		ChatTriggerType: "MANUAL",
		ConversationID:  uuid.NewString(),
	}

	entries := make([]historyEntry, 0, len(req.Messages))
	for i := range req.Messages {
		entries = append(entries, encodeEntry(&req.Messages[i], entry.UpstreamModel))
	}

	// The system prompt has no slot of its own; prepend it to the first
	// user turn.
	if req.System != nil && !req.System.IsEmpty() {
		for i := range entries {
			if um := entries[i].UserInputMessage; um != nil {
				um.Content = req.System.PlainText() + "\n\n" + um.Content
				break
			}
		}
	}

	current := entries[len(entries)-1]
	if current.UserInputMessage == nil {
		return nil, gwerrors.New(gwerrors.KindTransformFault, "codewhisperer conversation must end with a user turn")
	}
	if len(req.Tools) > 0 {
		if current.UserInputMessage.Context == nil {
			current.UserInputMessage.Context = &userInputContext{}
		}
		for _, t := range req.Tools {
			current.UserInputMessage.Context.Tools = append(current.UserInputMessage.Context.Tools, toolSpec{
				ToolSpecification: toolSpecification{
					Name:        t.Name,
					Description: t.Description,
					InputSchema: toolSchema{JSON: t.InputSchema},
				},
			})
		}
	}

	state.CurrentMessage = current
	state.History = normalizeHistory(entries[:len(entries)-1])

	body, err := json.Marshal(&generateBody{ConversationState: state})
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindTransformFault, "encode codewhisperer request", err)
	}
	return &upstream.EncodedRequest{
		Path:   "/generateAssistantResponse",
		Body:   body,
		Stream: true, // the upstream has no non-streaming mode
	}, nil
}

func encodeEntry(m *entity.Message, modelID string) historyEntry {
	if m.Role == entity.RoleAssistant {
		arm := &assistantResponseMessage{}
		var text strings.Builder
		for _, b := range m.Content.AsBlocks() {
			switch b.Type {
			case entity.BlockText:
				text.WriteString(b.Text)
			case entity.BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				arm.ToolUses = append(arm.ToolUses, toolUse{
					ToolUseID: b.ID,
					Name:      b.Name,
					Input:     input,
				})
			}
		}
		arm.Content = text.String()
		return historyEntry{AssistantResponseMessage: arm}
	}

	um := &userInputMessage{ModelID: modelID, Origin: "AI_EDITOR"}
	var text strings.Builder
	for _, b := range m.Content.AsBlocks() {
		switch b.Type {
		case entity.BlockText:
			text.WriteString(b.Text)
		case entity.BlockToolResult:
			status := "success"
			if b.IsError {
				status = "error"
			}
			content := ""
			if b.Content != nil {
				content = b.Content.PlainText()
			}
			if um.Context == nil {
				um.Context = &userInputContext{}
			}
			um.Context.ToolResults = append(um.Context.ToolResults, toolResult{
				ToolUseID: b.ToolUseID,
				Content:   []toolResultContent{{Text: content}},
				Status:    status,
			})
		}
	}
	um.Content = text.String()
	return historyEntry{UserInputMessage: um}
}

// normalizeHistory enforces strict user/assistant alternation, which the
// upstream requires. Consecutive same-role turns are merged; a trailing
// unanswered user turn is dropped.
func normalizeHistory(entries []historyEntry) []historyEntry {
	var out []historyEntry
	for _, e := range entries {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.UserInputMessage != nil && e.UserInputMessage != nil {
				last.UserInputMessage.Content += "\n" + e.UserInputMessage.Content
				continue
			}
			if last.AssistantResponseMessage != nil && e.AssistantResponseMessage != nil {
				last.AssistantResponseMessage.Content += "\n" + e.AssistantResponseMessage.Content
				last.AssistantResponseMessage.ToolUses = append(
					last.AssistantResponseMessage.ToolUses, e.AssistantResponseMessage.ToolUses...)
				continue
			}
		}
		out = append(out, e)
	}
	if len(out)%2 != 0 {
		if out[len(out)-1].UserInputMessage != nil {
			out = out[:len(out)-1]
		} else {
			out = out[1:]
		}
	}
	return out
}

// --- Decode ---

// DecodeResponse assembles the event stream into a single message. The
// upstream only streams, so a "complete body" is the full frame sequence.
func (c *Codec) DecodeResponse(body []byte, _ *routing.PipelineEntry) (*entity.Response, error) {
	var events []entity.StreamEvent
	err := c.DecodeStream(context.Background(), bytes.NewReader(body), func(ev entity.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity.AssembleResponse(events), nil
}

func (c *Codec) DecodeStream(ctx context.Context, r io.Reader, emit upstream.EmitFunc) error {
	fr := newFrameReader(r)

	started := false
	textOpen := false
	nextIndex := 0
	textIndex := 0
	toolIndex := -1
	openToolID := ""
	sawTool := false

	start := func() error {
		if started {
			return nil
		}
		started = true
		return emit(entity.MessageStart(entity.NewResponse("")))
	}
	closeTool := func() error {
		if toolIndex < 0 {
			return nil
		}
		err := emit(entity.BlockStop(toolIndex))
		toolIndex = -1
		openToolID = ""
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return gwerrors.Wrap(gwerrors.KindCanceled, "stream canceled", ctx.Err())
		default:
		}

		frame, err := fr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindBackendTransient, "codewhisperer stream read", err)
		}

		switch frame.EventType() {
		case "assistantResponseEvent":
			var ev assistantResponseEvent
			if err := json.Unmarshal(frame.Payload, &ev); err != nil || ev.Content == "" {
				continue
			}
			if err := start(); err != nil {
				return err
			}
			if err := closeTool(); err != nil {
				return err
			}
			if !textOpen {
				textIndex = nextIndex
				nextIndex++
				textOpen = true
				if err := emit(entity.TextBlockStart(textIndex)); err != nil {
					return err
				}
			}
			if err := emit(entity.TextDelta(textIndex, ev.Content)); err != nil {
				return err
			}

		case "toolUseEvent":
			var ev toolUseEvent
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				continue
			}
			if err := start(); err != nil {
				return err
			}
			if textOpen {
				if err := emit(entity.BlockStop(textIndex)); err != nil {
					return err
				}
				textOpen = false
			}
			if toolIndex >= 0 && openToolID != ev.ToolUseID {
				if err := closeTool(); err != nil {
					return err
				}
			}
			if toolIndex < 0 {
				sawTool = true
				toolIndex = nextIndex
				nextIndex++
				openToolID = ev.ToolUseID
				if err := emit(entity.ToolUseBlockStart(toolIndex, ev.ToolUseID, ev.Name)); err != nil {
					return err
				}
			}
			if ev.Input != "" {
				if err := emit(entity.InputJSONDelta(toolIndex, ev.Input)); err != nil {
					return err
				}
			}
			if ev.Stop {
				if err := closeTool(); err != nil {
					return err
				}
			}

		case "messageMetadataEvent", "invalidStateEvent":
			// metadata frames carry the conversation id, nothing to forward

		case "error", "exception":
			return gwerrors.Newf(gwerrors.KindBackendTransient,
				"codewhisperer stream error: %s", truncatePayload(frame.Payload))
		}
	}

	if !started {
		if err := start(); err != nil {
			return err
		}
	}
	if textOpen {
		if err := emit(entity.BlockStop(textIndex)); err != nil {
			return err
		}
	}
	if err := closeTool(); err != nil {
		return err
	}

	stop := entity.StopEndTurn
	if sawTool {
		stop = entity.StopToolUse
	}
	if err := emit(entity.MessageDeltaEvent(stop, nil)); err != nil {
		return err
	}
	return emit(entity.MessageStop())
}

func truncatePayload(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
