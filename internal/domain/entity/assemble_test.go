package entity

import (
	"testing"
)

func TestAssembleResponse(t *testing.T) {
	shell := NewResponse("m1")
	events := []StreamEvent{
		MessageStart(shell),
		TextBlockStart(0),
		TextDelta(0, "Hello "),
		TextDelta(0, "world"),
		BlockStop(0),
		ToolUseBlockStart(1, "toolu_1", "get_weather"),
		InputJSONDelta(1, `{"city":`),
		InputJSONDelta(1, `"Paris"}`),
		BlockStop(1),
		MessageDeltaEvent(StopToolUse, &Usage{InputTokens: 10, OutputTokens: 5}),
		MessageStop(),
	}

	resp := AssembleResponse(events)
	if resp.ID != shell.ID {
		t.Errorf("id = %q, want %q", resp.ID, shell.ID)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(resp.Content))
	}
	if resp.Content[0].Text != "Hello world" {
		t.Errorf("text = %q", resp.Content[0].Text)
	}
	tu := resp.Content[1]
	if tu.Type != BlockToolUse || tu.Name != "get_weather" {
		t.Errorf("tool block = %+v", tu)
	}
	if got := tu.Input["city"]; got != "Paris" {
		t.Errorf("tool input city = %v", got)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAssembleResponseUnparseableToolInput(t *testing.T) {
	events := []StreamEvent{
		MessageStart(NewResponse("m")),
		ToolUseBlockStart(0, "toolu_1", "run"),
		InputJSONDelta(0, `not json`),
		BlockStop(0),
		MessageDeltaEvent(StopToolUse, nil),
		MessageStop(),
	}
	resp := AssembleResponse(events)
	if len(resp.Content) != 1 {
		t.Fatalf("content blocks = %d", len(resp.Content))
	}
	if got := resp.Content[0].Input["raw_arguments"]; got != "not json" {
		t.Errorf("raw_arguments = %v", got)
	}
}

func TestAssembleResponseDefaults(t *testing.T) {
	resp := AssembleResponse(nil)
	if resp == nil {
		t.Fatal("nil response")
	}
	if resp.StopReason != StopEndTurn {
		t.Errorf("stop_reason = %q, want end_turn", resp.StopReason)
	}
}

func TestSynthesizeEventsRoundTrip(t *testing.T) {
	orig := NewResponse("m1")
	orig.Content = []ContentBlock{
		{Type: BlockText, Text: "answer"},
		{Type: BlockToolUse, ID: "toolu_9", Name: "search", Input: map[string]any{"q": "go"}},
	}
	orig.StopReason = StopToolUse
	orig.Usage = Usage{InputTokens: 3, OutputTokens: 7}

	events := SynthesizeEvents(orig)
	if events[0].Type != EventMessageStart {
		t.Fatalf("first event = %q", events[0].Type)
	}
	if last := events[len(events)-1]; last.Type != EventMessageStop {
		t.Fatalf("last event = %q", last.Type)
	}

	back := AssembleResponse(events)
	if back.StopReason != StopToolUse {
		t.Errorf("stop_reason = %q", back.StopReason)
	}
	if len(back.Content) != 2 {
		t.Fatalf("content blocks = %d", len(back.Content))
	}
	if back.Content[0].Text != "answer" {
		t.Errorf("text = %q", back.Content[0].Text)
	}
	if back.Content[1].Input["q"] != "go" {
		t.Errorf("tool input = %v", back.Content[1].Input)
	}
	if back.Usage != orig.Usage {
		t.Errorf("usage = %+v", back.Usage)
	}
}

func TestStreamEventEncode(t *testing.T) {
	ev := TextDelta(0, "hi")
	name, data, err := ev.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if name != EventContentBlockDelta {
		t.Errorf("name = %q", name)
	}
	want := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`
	if string(data) != want {
		t.Errorf("data = %s, want %s", data, want)
	}

	bad := StreamEvent{Type: "bogus"}
	if _, _, err := bad.Encode(); err == nil {
		t.Error("unknown event type should fail to encode")
	}
}
