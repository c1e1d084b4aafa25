package openai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelgate/modelgate/internal/domain/entity"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

func TestDecodeRequestBasic(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"}
		],
		"max_tokens": 100,
		"stream": true,
		"user": "u-1"
	}`)

	req, err := DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "gpt-4o" || req.MaxTokens != 100 || !req.Stream {
		t.Errorf("request = %+v", req)
	}
	if req.System == nil || req.System.PlainText() != "be terse" {
		t.Errorf("system = %v", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != entity.RoleUser {
		t.Errorf("messages = %+v", req.Messages)
	}
	if req.SessionID() != "u-1" {
		t.Errorf("session = %q", req.SessionID())
	}
}

func TestDecodeRequestToolConversation(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "22C"}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object"}}}],
		"tool_choice": "required"
	}`)

	req, err := DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d", len(req.Messages))
	}

	asst := req.Messages[1].Content.AsBlocks()
	if len(asst) != 1 || asst[0].Type != entity.BlockToolUse || asst[0].Input["city"] != "Paris" {
		t.Errorf("assistant blocks = %+v", asst)
	}

	// tool role folds into a user turn with a tool_result block.
	result := req.Messages[2]
	if result.Role != entity.RoleUser {
		t.Errorf("tool turn role = %q", result.Role)
	}
	blocks := result.Content.AsBlocks()
	if blocks[0].Type != entity.BlockToolResult || blocks[0].ToolUseID != "call_1" {
		t.Errorf("tool result = %+v", blocks[0])
	}

	if req.ToolChoice == nil || req.ToolChoice.Type != entity.ToolChoiceAny {
		t.Errorf("tool_choice = %+v", req.ToolChoice)
	}
}

func TestDecodeRequestImageDataURL(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "describe"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}
		]}]
	}`)
	req, err := DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	blocks := req.Messages[0].Content.AsBlocks()
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d", len(blocks))
	}
	src := blocks[1].Source
	if src["type"] != "base64" || src["media_type"] != "image/png" || src["data"] != "AAAA" {
		t.Errorf("source = %v", src)
	}
}

func TestDecodeRequestRejectsUnknownRole(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"model":"m","messages":[{"role":"robot","content":"x"}]}`))
	if gwerrors.KindOf(err) != gwerrors.KindClientFault {
		t.Fatalf("err = %v", err)
	}
}

func TestEncodeResponse(t *testing.T) {
	resp := entity.NewResponse("m")
	resp.ID = "msg_abc"
	resp.Content = []entity.ContentBlock{
		{Type: entity.BlockText, Text: "hi"},
		{Type: entity.BlockToolUse, ID: "toolu_1", Name: "run", Input: map[string]any{"cmd": "ls"}},
	}
	resp.StopReason = entity.StopToolUse
	resp.Usage = entity.Usage{InputTokens: 1, OutputTokens: 2}

	body, err := EncodeResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.ID != "chatcmpl-abc" || wire.Object != "chat.completion" {
		t.Errorf("identity = %q %q", wire.ID, wire.Object)
	}
	choice := wire.Choices[0]
	if *choice.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q", *choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(choice.Message.ToolCalls))
	}
	if !strings.Contains(choice.Message.ToolCalls[0].Function.Arguments, `"cmd":"ls"`) {
		t.Errorf("arguments = %q", choice.Message.ToolCalls[0].Function.Arguments)
	}
	if wire.Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", wire.Usage)
	}
}

func TestChunkEncoderStream(t *testing.T) {
	shell := entity.NewResponse("m")
	shell.ID = "msg_xyz"
	events := []entity.StreamEvent{
		entity.MessageStart(shell),
		entity.TextBlockStart(0),
		entity.TextDelta(0, "hi"),
		entity.BlockStop(0),
		entity.ToolUseBlockStart(1, "call_1", "run"),
		entity.InputJSONDelta(1, `{"cmd":"ls"}`),
		entity.BlockStop(1),
		entity.MessageDeltaEvent(entity.StopToolUse, &entity.Usage{InputTokens: 1, OutputTokens: 2}),
		entity.MessageStop(),
	}

	ce := NewChunkEncoder()
	var chunks []chatResponse
	for _, ev := range events {
		bodies, err := ce.Encode(ev)
		if err != nil {
			t.Fatal(err)
		}
		for _, b := range bodies {
			var c chatResponse
			if err := json.Unmarshal(b, &c); err != nil {
				t.Fatalf("chunk %s: %v", b, err)
			}
			chunks = append(chunks, c)
		}
	}

	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want role, text, tool start, args, finish", len(chunks))
	}
	if chunks[0].ID != "chatcmpl-xyz" || chunks[0].Object != "chat.completion.chunk" {
		t.Errorf("first chunk = %+v", chunks[0])
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("role chunk = %+v", chunks[0].Choices[0].Delta)
	}
	if *chunks[1].Choices[0].Delta.Content != "hi" {
		t.Errorf("text chunk = %+v", chunks[1].Choices[0].Delta)
	}

	toolStart := chunks[2].Choices[0].Delta.ToolCalls[0]
	if toolStart.ID != "call_1" || toolStart.Function.Name != "run" || *toolStart.Index != 0 {
		t.Errorf("tool start chunk = %+v", toolStart)
	}

	last := chunks[len(chunks)-1]
	if *last.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish = %q", *last.Choices[0].FinishReason)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 3 {
		t.Errorf("usage chunk = %+v", last.Usage)
	}
}

func TestMapStopReasonRoundTrip(t *testing.T) {
	pairs := map[string]string{
		entity.StopEndTurn:      "stop",
		entity.StopMaxTokens:    "length",
		entity.StopToolUse:      "tool_calls",
		entity.StopStopSequence: "content_filter",
	}
	for canonical, wire := range pairs {
		if got := mapStopReason(canonical); got != wire {
			t.Errorf("mapStopReason(%q) = %q, want %q", canonical, got, wire)
		}
	}
}
