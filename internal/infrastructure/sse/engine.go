package sse

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modelgate/modelgate/internal/domain/entity"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

const defaultEventBuffer = 64

// DecodeFunc drives a codec's stream decoder, handing each canonical event
// to emit. It returns when the upstream stream ends or emit fails.
type DecodeFunc func(emit func(entity.StreamEvent) error) error

// Config tunes one streaming request's engine.
type Config struct {
	// EventBuffer bounds the channel between the upstream reader and the
	// caller-facing writer. When the caller is slow to drain, the reader
	// blocks here instead of buffering unboundedly.
	EventBuffer int

	// BufferToolCalls enables the buffered path: the whole upstream
	// stream is accumulated, textual tool-call syntax is extracted, and
	// the canonical events are emitted in one burst. Incremental
	// streaming to the caller is disabled in this mode.
	BufferToolCalls bool
}

// Engine converts one upstream stream into the canonical event sequence
// delivered to the caller. A single reader goroutine per request.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a stream engine.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Run starts the decode and returns the bounded event channel plus a
// one-shot error channel. The event channel closes when the stream ends;
// the error channel then carries at most one terminal error.
func (e *Engine) Run(ctx context.Context, decode DecodeFunc) (<-chan entity.StreamEvent, <-chan error) {
	events := make(chan entity.StreamEvent, e.cfg.EventBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		emit := func(ev entity.StreamEvent) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return gwerrors.Wrap(gwerrors.KindCanceled, "caller gone", ctx.Err())
			}
		}

		var err error
		if e.cfg.BufferToolCalls {
			err = e.runBuffered(ctx, decode, emit)
		} else {
			err = decode(emit)
		}
		if err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// runBuffered accumulates the entire upstream stream, extracts textual tool
// calls, and replays the rebuilt canonical sequence.
func (e *Engine) runBuffered(ctx context.Context, decode DecodeFunc, emit func(entity.StreamEvent) error) error {
	var collected []entity.StreamEvent
	err := decode(func(ev entity.StreamEvent) error {
		select {
		case <-ctx.Done():
			return gwerrors.Wrap(gwerrors.KindCanceled, "caller gone", ctx.Err())
		default:
		}
		collected = append(collected, ev)
		return nil
	})
	if err != nil {
		return err
	}

	for _, ev := range rebuildWithExtraction(collected, e.logger) {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// blockAcc accumulates one content block across delta events.
type blockAcc struct {
	typ  string
	text strings.Builder
	id   string
	name string
	args strings.Builder
}

// rebuildWithExtraction reconstructs the full message from collected
// events, scans the text for tool-call syntax, and produces the final
// canonical burst.
func rebuildWithExtraction(collected []entity.StreamEvent, logger *zap.Logger) []entity.StreamEvent {
	blocks := make(map[int]*blockAcc)
	var order []int
	var shell *entity.Response
	stopReason := entity.StopEndTurn
	var usage *entity.Usage

	for i := range collected {
		ev := &collected[i]
		switch ev.Type {
		case entity.EventMessageStart:
			shell = ev.Message
		case entity.EventContentBlockStart:
			if ev.ContentBlock == nil {
				continue
			}
			acc := &blockAcc{typ: ev.ContentBlock.Type, id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			acc.text.WriteString(ev.ContentBlock.Text)
			blocks[ev.Index] = acc
			order = append(order, ev.Index)
		case entity.EventContentBlockDelta:
			acc, ok := blocks[ev.Index]
			if !ok || ev.Delta == nil {
				continue
			}
			acc.text.WriteString(ev.Delta.Text)
			acc.args.WriteString(ev.Delta.PartialJSON)
		case entity.EventMessageDelta:
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
		}
	}

	if shell == nil {
		shell = entity.NewResponse("")
	}

	// Reassemble text and structural tool calls in block order.
	var textBuf strings.Builder
	var toolBlocks []entity.ContentBlock
	for _, idx := range order {
		acc := blocks[idx]
		switch acc.typ {
		case entity.BlockText:
			textBuf.WriteString(acc.text.String())
		case entity.BlockToolUse:
			toolBlocks = append(toolBlocks, entity.ContentBlock{
				Type:  entity.BlockToolUse,
				ID:    acc.id,
				Name:  acc.name,
				Input: parseToolInput(acc.args.String(), logger),
			})
		}
	}

	clean, extracted := ExtractToolCalls(textBuf.String())
	for _, call := range extracted {
		toolBlocks = append(toolBlocks, entity.ContentBlock{
			Type:  entity.BlockToolUse,
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		})
	}

	if len(toolBlocks) > 0 {
		stopReason = entity.StopToolUse
	}

	// Emit the rebuilt sequence in one burst.
	out := []entity.StreamEvent{entity.MessageStart(shell)}
	idx := 0
	if clean != "" {
		out = append(out,
			entity.TextBlockStart(idx),
			entity.TextDelta(idx, clean),
			entity.BlockStop(idx),
		)
		idx++
	}
	for _, tb := range toolBlocks {
		raw, err := json.Marshal(tb.Input)
		if err != nil {
			raw = []byte("{}")
		}
		out = append(out,
			entity.ToolUseBlockStart(idx, tb.ID, tb.Name),
			entity.InputJSONDelta(idx, string(raw)),
			entity.BlockStop(idx),
		)
		idx++
	}
	out = append(out,
		entity.MessageDeltaEvent(stopReason, usage),
		entity.MessageStop(),
	)
	return out
}

// parseToolInput parses accumulated tool-call arguments once the block is
// complete. Unparseable input is preserved under raw_arguments so the
// caller can still recover the call.
func parseToolInput(raw string, logger *zap.Logger) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		if logger != nil {
			logger.Warn("Tool call arguments are not valid JSON",
				zap.String("raw", raw),
				zap.Error(err))
		}
		return map[string]any{"raw_arguments": raw}
	}
	return obj
}
