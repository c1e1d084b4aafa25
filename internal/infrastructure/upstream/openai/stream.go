package openai

import (
	"context"
	"encoding/json"
	"io"
	"sort"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/sse"
	"github.com/modelgate/modelgate/internal/infrastructure/upstream"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// streamState tracks the translation from chunk deltas to the canonical
// block sequence for one response.
type streamState struct {
	emit upstream.EmitFunc

	started   bool
	nextIndex int

	textIndex int  // canonical index of the open text block
	textOpen  bool // a text block is currently open

	// wire tool-call index -> canonical block index
	toolIndex map[int]int
	toolOpen  map[int]bool

	finishReason string
	usage        *entity.Usage
}

// DecodeStream translates the chunked delta stream into the canonical
// event sequence. finish_reason does not terminate the read; the usage
// chunk and [DONE] sentinel arrive after it.
func (c *Codec) DecodeStream(ctx context.Context, r io.Reader, emit upstream.EmitFunc) error {
	scanner := sse.NewScanner(r, 0)
	st := &streamState{
		emit:      emit,
		toolIndex: map[int]int{},
		toolOpen:  map[int]bool{},
	}

	for {
		select {
		case <-ctx.Done():
			return gwerrors.Wrap(gwerrors.KindCanceled, "stream canceled", ctx.Err())
		default:
		}

		frame, err := scanner.Next()
		if err == io.EOF {
			return st.finish()
		}
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindBackendTransient, "openai stream read", err)
		}
		if frame.Data == "[DONE]" {
			return st.finish()
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			continue // tolerate garbage frames from loose compatibles
		}
		if err := st.apply(&chunk); err != nil {
			return err
		}
	}
}

func (st *streamState) apply(chunk *chatResponse) error {
	if !st.started {
		st.started = true
		shell := entity.NewResponse(chunk.Model)
		if chunk.ID != "" {
			shell.ID = chunk.ID
		}
		if err := st.emit(entity.MessageStart(shell)); err != nil {
			return err
		}
	}

	if chunk.Usage != nil {
		st.usage = &entity.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		st.finishReason = *choice.FinishReason
	}
	if choice.Delta == nil {
		return nil
	}

	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		if err := st.ensureText(); err != nil {
			return err
		}
		if err := st.emit(entity.TextDelta(st.textIndex, *choice.Delta.Content)); err != nil {
			return err
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		if err := st.applyToolDelta(&tc); err != nil {
			return err
		}
	}
	return nil
}

func (st *streamState) ensureText() error {
	if st.textOpen {
		return nil
	}
	st.textIndex = st.nextIndex
	st.nextIndex++
	st.textOpen = true
	return st.emit(entity.TextBlockStart(st.textIndex))
}

func (st *streamState) applyToolDelta(tc *chatToolCall) error {
	wireIdx := 0
	if tc.Index != nil {
		wireIdx = *tc.Index
	}

	idx, known := st.toolIndex[wireIdx]
	if !known {
		// A tool call interrupts any running text block.
		if st.textOpen {
			if err := st.emit(entity.BlockStop(st.textIndex)); err != nil {
				return err
			}
			st.textOpen = false
		}
		idx = st.nextIndex
		st.nextIndex++
		st.toolIndex[wireIdx] = idx
		st.toolOpen[wireIdx] = true
		if err := st.emit(entity.ToolUseBlockStart(idx, tc.ID, tc.Function.Name)); err != nil {
			return err
		}
	}

	if tc.Function.Arguments != "" {
		if err := st.emit(entity.InputJSONDelta(idx, tc.Function.Arguments)); err != nil {
			return err
		}
	}
	return nil
}

// finish closes every open block in canonical index order and emits the
// terminal events. Safe to call on an empty stream.
func (st *streamState) finish() error {
	if !st.started {
		if err := st.emit(entity.MessageStart(entity.NewResponse(""))); err != nil {
			return err
		}
	}

	type open struct{ index int }
	var pending []open
	if st.textOpen {
		pending = append(pending, open{st.textIndex})
	}
	for wireIdx, isOpen := range st.toolOpen {
		if isOpen {
			pending = append(pending, open{st.toolIndex[wireIdx]})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].index < pending[j].index })
	for _, p := range pending {
		if err := st.emit(entity.BlockStop(p.index)); err != nil {
			return err
		}
	}

	stop := upstream.MapFinishReason(st.finishReason)
	if stop == "" {
		stop = entity.StopEndTurn
	}
	if err := st.emit(entity.MessageDeltaEvent(stop, st.usage)); err != nil {
		return err
	}
	return st.emit(entity.MessageStop())
}
