package pipeline

import (
	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
)

// ApplyCompat resolves the pipeline's compatibility hints against the
// canonical request before encoding. The caller's request is never
// mutated; a shallow copy carries the adjustments.
func ApplyCompat(req *entity.Request, entry *routing.PipelineEntry) *entity.Request {
	out := *req

	if out.MaxTokens == 0 {
		out.MaxTokens = entry.DefaultMaxTokens
	}
	if ceiling := entry.Hints.MaxTokensCap; ceiling > 0 && out.MaxTokens > ceiling {
		out.MaxTokens = ceiling
	}

	// Tools without an explicit choice default to auto so that every
	// provider behaves the same.
	if len(out.Tools) > 0 && out.ToolChoice == nil {
		out.ToolChoice = &entity.ToolChoice{Type: entity.ToolChoiceAuto}
	}

	switch entry.Hints.ContentShape {
	case "string":
		out.Messages = flattenMessages(out.Messages)
	case "array":
		out.Messages = liftMessages(out.Messages)
	}

	return &out
}

// ResolveStream applies the force_stream hint to the caller's stream flag,
// returning the stream mode actually used upstream.
func ResolveStream(callerStream bool, hint routing.ForceStream) bool {
	switch hint {
	case routing.ForceStreamOn:
		return true
	case routing.ForceStreamOff:
		return false
	default:
		return callerStream
	}
}

// flattenMessages rewrites block content as plain strings where no
// information is lost. Messages carrying tool or image blocks keep their
// shape.
func flattenMessages(msgs []entity.Message) []entity.Message {
	out := make([]entity.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Content.IsText() {
			continue
		}
		textOnly := true
		for _, b := range out[i].Content.AsBlocks() {
			if b.Type != entity.BlockText {
				textOnly = false
				break
			}
		}
		if textOnly {
			out[i].Content = entity.Text(out[i].Content.PlainText())
		}
	}
	return out
}

// liftMessages rewrites string content as single-element block arrays.
func liftMessages(msgs []entity.Message) []entity.Message {
	out := make([]entity.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Content.IsText() {
			out[i].Content = entity.Blocks(out[i].Content.AsBlocks()...)
		}
	}
	return out
}
