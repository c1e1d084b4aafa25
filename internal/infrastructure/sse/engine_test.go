package sse

import (
	"context"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/domain/entity"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

func drain(t *testing.T, events <-chan entity.StreamEvent, errs <-chan error) ([]entity.StreamEvent, error) {
	t.Helper()
	var out []entity.StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out, <-errs
}

func textStream() []entity.StreamEvent {
	return []entity.StreamEvent{
		entity.MessageStart(entity.NewResponse("m")),
		entity.TextBlockStart(0),
		entity.TextDelta(0, "hello"),
		entity.BlockStop(0),
		entity.MessageDeltaEvent(entity.StopEndTurn, &entity.Usage{OutputTokens: 2}),
		entity.MessageStop(),
	}
}

func replay(events []entity.StreamEvent) DecodeFunc {
	return func(emit func(entity.StreamEvent) error) error {
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestEnginePassthroughPreservesOrder(t *testing.T) {
	e := NewEngine(Config{}, zap.NewNop())
	in := textStream()
	events, errs := e.Run(context.Background(), replay(in))

	out, err := drain(t, events, errs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("events = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Type != in[i].Type {
			t.Errorf("event %d = %q, want %q", i, out[i].Type, in[i].Type)
		}
	}
}

func TestEngineTerminalError(t *testing.T) {
	e := NewEngine(Config{}, zap.NewNop())
	boom := gwerrors.New(gwerrors.KindBackendTransient, "stream cut")
	decode := func(emit func(entity.StreamEvent) error) error {
		if err := emit(entity.TextDelta(0, "partial")); err != nil {
			return err
		}
		return boom
	}

	events, errs := e.Run(context.Background(), decode)
	out, err := drain(t, events, errs)
	if len(out) != 1 {
		t.Fatalf("events before error = %d, want 1", len(out))
	}
	if gwerrors.KindOf(err) != gwerrors.KindBackendTransient {
		t.Fatalf("terminal error = %v", err)
	}
}

func TestEngineCancelUnblocksProducer(t *testing.T) {
	// Buffer of 1 and a caller that never drains: the producer must fail
	// out with a cancellation instead of blocking forever.
	e := NewEngine(Config{EventBuffer: 1}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	decode := func(emit func(entity.StreamEvent) error) error {
		for i := 0; ; i++ {
			if err := emit(entity.TextDelta(0, "x")); err != nil {
				return err
			}
		}
	}

	events, errs := e.Run(ctx, decode)
	cancel()

	done := make(chan error, 1)
	go func() {
		for range events {
		}
		done <- <-errs
	}()

	select {
	case err := <-done:
		if !gwerrors.IsCanceled(err) {
			t.Fatalf("terminal error = %v, want canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer stayed blocked after cancel")
	}
}

func TestEngineBufferedExtraction(t *testing.T) {
	e := NewEngine(Config{BufferToolCalls: true}, zap.NewNop())
	in := []entity.StreamEvent{
		entity.MessageStart(entity.NewResponse("m")),
		entity.TextBlockStart(0),
		entity.TextDelta(0, "Checking.\nTool call: get_weather("),
		entity.TextDelta(0, "{\"city\": \"Paris\"})"),
		entity.BlockStop(0),
		entity.MessageDeltaEvent(entity.StopEndTurn, nil),
		entity.MessageStop(),
	}

	events, errs := e.Run(context.Background(), replay(in))
	out, err := drain(t, events, errs)
	if err != nil {
		t.Fatal(err)
	}

	resp := entity.AssembleResponse(out)
	if resp.StopReason != entity.StopToolUse {
		t.Errorf("stop_reason = %q, want tool_use", resp.StopReason)
	}
	tools := resp.ToolUses()
	if len(tools) != 1 {
		t.Fatalf("tool uses = %d, want 1", len(tools))
	}
	if tools[0].Name != "get_weather" || tools[0].Input["city"] != "Paris" {
		t.Errorf("tool = %+v", tools[0])
	}
	if got := resp.TextContent(); got != "Checking." {
		t.Errorf("clean text = %q", got)
	}
}

func TestEngineBufferedKeepsStructuralTools(t *testing.T) {
	e := NewEngine(Config{BufferToolCalls: true}, zap.NewNop())
	in := []entity.StreamEvent{
		entity.MessageStart(entity.NewResponse("m")),
		entity.ToolUseBlockStart(0, "toolu_1", "search"),
		entity.InputJSONDelta(0, `{"q":"go"}`),
		entity.BlockStop(0),
		entity.MessageDeltaEvent(entity.StopToolUse, nil),
		entity.MessageStop(),
	}

	events, errs := e.Run(context.Background(), replay(in))
	out, err := drain(t, events, errs)
	if err != nil {
		t.Fatal(err)
	}
	resp := entity.AssembleResponse(out)
	tools := resp.ToolUses()
	if len(tools) != 1 {
		t.Fatalf("tool uses = %d, want 1", len(tools))
	}
	if tools[0].ID != "toolu_1" || tools[0].Input["q"] != "go" {
		t.Errorf("structural tool lost: %+v", tools[0])
	}
}
