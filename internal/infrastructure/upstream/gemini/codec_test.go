package gemini

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

func testPipeline() *routing.PipelineEntry {
	e := &routing.PipelineEntry{
		ProviderID:    "google",
		ProviderType:  routing.ProviderGemini,
		EndpointURL:   "https://generativelanguage.googleapis.com",
		UpstreamModel: "gemini-2.0-flash",
	}
	e.Normalize()
	return e
}

func TestEncodeRequestPaths(t *testing.T) {
	req := &entity.Request{
		Model:    "m",
		Messages: []entity.Message{{Role: entity.RoleUser, Content: entity.Text("hi")}},
	}

	enc, err := (&Codec{}).EncodeRequest(req, testPipeline(), false)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("path = %q", enc.Path)
	}

	enc, err = (&Codec{}).EncodeRequest(req, testPipeline(), true)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Path != "/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse" {
		t.Errorf("stream path = %q", enc.Path)
	}
}

func TestEncodeRequestRolesAndSystem(t *testing.T) {
	sys := entity.Text("be terse")
	req := &entity.Request{
		Model:  "m",
		System: &sys,
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.Text("question")},
			{Role: entity.RoleAssistant, Content: entity.Text("answer")},
		},
		MaxTokens: 64,
	}
	enc, err := (&Codec{}).EncodeRequest(req, testPipeline(), false)
	if err != nil {
		t.Fatal(err)
	}
	var wire generateRequest
	if err := json.Unmarshal(enc.Body, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.SystemInstruction == nil || wire.SystemInstruction.Parts[0].Text != "be terse" {
		t.Errorf("systemInstruction = %+v", wire.SystemInstruction)
	}
	if len(wire.Contents) != 2 {
		t.Fatalf("contents = %d", len(wire.Contents))
	}
	if wire.Contents[0].Role != "user" || wire.Contents[1].Role != "model" {
		t.Errorf("roles = %q, %q", wire.Contents[0].Role, wire.Contents[1].Role)
	}
	if wire.GenerationConfig.MaxOutputTokens != 64 {
		t.Errorf("maxOutputTokens = %d", wire.GenerationConfig.MaxOutputTokens)
	}
}

func TestEncodeRequestToolResultNameRecovery(t *testing.T) {
	req := &entity.Request{
		Model: "m",
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.Text("weather?")},
			{Role: entity.RoleAssistant, Content: entity.Blocks(
				entity.ContentBlock{Type: entity.BlockToolUse, ID: "call_1", Name: "get_weather", Input: map[string]any{"city": "Paris"}},
			)},
			{Role: entity.RoleUser, Content: entity.Blocks(
				entity.ContentBlock{Type: entity.BlockToolResult, ToolUseID: "call_1", Content: ptr(entity.Text("22C"))},
			)},
		},
	}
	enc, err := (&Codec{}).EncodeRequest(req, testPipeline(), false)
	if err != nil {
		t.Fatal(err)
	}
	var wire generateRequest
	if err := json.Unmarshal(enc.Body, &wire); err != nil {
		t.Fatal(err)
	}

	fr := wire.Contents[2].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatal("functionResponse missing")
	}
	// The function response is keyed by name, recovered from the earlier
	// call id.
	if fr.Name != "get_weather" {
		t.Errorf("functionResponse name = %q", fr.Name)
	}
	if fr.Response["result"] != "22C" {
		t.Errorf("response = %v", fr.Response)
	}
}

func ptr(c entity.MessageContent) *entity.MessageContent { return &c }

func TestEncodeRequestOrphanToolResult(t *testing.T) {
	req := &entity.Request{
		Model: "m",
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.Blocks(
				entity.ContentBlock{Type: entity.BlockToolResult, ToolUseID: "ghost"},
			)},
		},
	}
	_, err := (&Codec{}).EncodeRequest(req, testPipeline(), false)
	if gwerrors.KindOf(err) != gwerrors.KindTransformFault {
		t.Fatalf("err = %v", err)
	}
}

func TestEncodeToolConfig(t *testing.T) {
	cfg := encodeToolConfig(&entity.ToolChoice{Type: entity.ToolChoiceTool, Name: "search"})
	if cfg.FunctionCallingConfig.Mode != "ANY" {
		t.Errorf("mode = %q", cfg.FunctionCallingConfig.Mode)
	}
	if len(cfg.FunctionCallingConfig.AllowedFunctionNames) != 1 {
		t.Errorf("allowed = %v", cfg.FunctionCallingConfig.AllowedFunctionNames)
	}
	if encodeToolConfig(nil) != nil {
		t.Error("nil choice should yield nil config")
	}
}

func TestDecodeResponse(t *testing.T) {
	body := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "Let me check."},
				{"functionCall": {"name": "get_weather", "args": {"city": "Paris"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 9},
		"modelVersion": "gemini-2.0-flash-001"
	}`)

	resp, err := (&Codec{}).DecodeResponse(body, testPipeline())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "gemini-2.0-flash-001" {
		t.Errorf("model = %q", resp.Model)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("content = %d blocks", len(resp.Content))
	}
	tu := resp.Content[1]
	if tu.ID != "call_get_weather_0" || tu.Input["city"] != "Paris" {
		t.Errorf("tool use = %+v", tu)
	}
	// A response containing a function call stops for tool use even when
	// Gemini reports STOP.
	if resp.StopReason != entity.StopToolUse {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 9 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestMapFinishReason(t *testing.T) {
	if got := mapFinishReason("MAX_TOKENS", false); got != entity.StopMaxTokens {
		t.Errorf("MAX_TOKENS = %q", got)
	}
	if got := mapFinishReason("SAFETY", false); got != entity.StopStopSequence {
		t.Errorf("SAFETY = %q", got)
	}
	if got := mapFinishReason("STOP", false); got != entity.StopEndTurn {
		t.Errorf("STOP = %q", got)
	}
}

func TestDecodeStream(t *testing.T) {
	frames := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}],"modelVersion":"g"}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo. "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"search","args":{"q":"go"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6}}`,
	}
	var raw strings.Builder
	for _, f := range frames {
		raw.WriteString("data: ")
		raw.WriteString(f)
		raw.WriteString("\n\n")
	}

	var events []entity.StreamEvent
	err := (&Codec{}).DecodeStream(context.Background(), strings.NewReader(raw.String()), func(ev entity.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := entity.AssembleResponse(events)
	if resp.TextContent() != "Hello. " {
		t.Errorf("text = %q", resp.TextContent())
	}
	tools := resp.ToolUses()
	if len(tools) != 1 || tools[0].Input["q"] != "go" {
		t.Fatalf("tools = %+v", tools)
	}
	if resp.StopReason != entity.StopToolUse {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}
	if resp.Usage.OutputTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestDecodeStreamEmpty(t *testing.T) {
	var events []entity.StreamEvent
	err := (&Codec{}).DecodeStream(context.Background(), strings.NewReader(""), func(ev entity.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Type != entity.EventMessageStart || events[len(events)-1].Type != entity.EventMessageStop {
		t.Errorf("empty stream framing broken: %d events", len(events))
	}
}
