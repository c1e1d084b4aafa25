package entity

import (
	"encoding/json"
	"strings"
)

// AssembleResponse folds a canonical event sequence into a complete
// response. Used when the upstream only speaks streaming but the caller
// asked for a single message.
//
// Tool input fragments are concatenated per block and parsed when the
// block closes; unparseable input survives under raw_arguments.
func AssembleResponse(events []StreamEvent) *Response {
	var resp *Response
	type acc struct {
		block ContentBlock
		text  strings.Builder
		args  strings.Builder
	}
	accs := make(map[int]*acc)
	var order []int

	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case EventMessageStart:
			if ev.Message != nil {
				shell := *ev.Message
				shell.Content = nil
				resp = &shell
			}
		case EventContentBlockStart:
			if ev.ContentBlock == nil {
				continue
			}
			a := &acc{block: *ev.ContentBlock}
			a.text.WriteString(ev.ContentBlock.Text)
			accs[ev.Index] = a
			order = append(order, ev.Index)
		case EventContentBlockDelta:
			a, ok := accs[ev.Index]
			if !ok || ev.Delta == nil {
				continue
			}
			a.text.WriteString(ev.Delta.Text)
			a.args.WriteString(ev.Delta.PartialJSON)
		case EventMessageDelta:
			if resp == nil {
				resp = NewResponse("")
			}
			if ev.Delta != nil {
				if ev.Delta.StopReason != "" {
					resp.StopReason = ev.Delta.StopReason
				}
				if ev.Delta.StopSequence != "" {
					resp.StopSequence = ev.Delta.StopSequence
				}
			}
			if ev.Usage != nil {
				if ev.Usage.InputTokens > 0 {
					resp.Usage.InputTokens = ev.Usage.InputTokens
				}
				if ev.Usage.OutputTokens > 0 {
					resp.Usage.OutputTokens = ev.Usage.OutputTokens
				}
			}
		}
	}

	if resp == nil {
		resp = NewResponse("")
	}

	for _, idx := range order {
		a := accs[idx]
		switch a.block.Type {
		case BlockText:
			resp.Content = append(resp.Content, ContentBlock{Type: BlockText, Text: a.text.String()})
		case BlockToolUse:
			input := a.block.Input
			if raw := a.args.String(); strings.TrimSpace(raw) != "" {
				var obj map[string]any
				if err := json.Unmarshal([]byte(raw), &obj); err == nil {
					input = obj
				} else {
					input = map[string]any{"raw_arguments": raw}
				}
			}
			resp.Content = append(resp.Content, ContentBlock{
				Type:  BlockToolUse,
				ID:    a.block.ID,
				Name:  a.block.Name,
				Input: input,
			})
		default:
			resp.Content = append(resp.Content, a.block)
		}
	}

	if resp.StopReason == "" {
		resp.StopReason = StopEndTurn
	}
	return resp
}

// SynthesizeEvents produces the canonical event sequence for a complete
// response. Used when the caller asked for a stream but the upstream was
// forced non-streaming.
func SynthesizeEvents(resp *Response) []StreamEvent {
	shell := *resp
	shell.Content = []ContentBlock{}
	shell.StopReason = ""
	shell.StopSequence = ""

	out := []StreamEvent{MessageStart(&shell)}
	for i, blk := range resp.Content {
		switch blk.Type {
		case BlockToolUse:
			raw, err := json.Marshal(blk.Input)
			if err != nil {
				raw = []byte("{}")
			}
			out = append(out,
				ToolUseBlockStart(i, blk.ID, blk.Name),
				InputJSONDelta(i, string(raw)),
				BlockStop(i),
			)
		case BlockText:
			out = append(out,
				TextBlockStart(i),
				TextDelta(i, blk.Text),
				BlockStop(i),
			)
		default:
			b := blk
			out = append(out,
				StreamEvent{Type: EventContentBlockStart, Index: i, ContentBlock: &b},
				BlockStop(i),
			)
		}
	}
	usage := resp.Usage
	out = append(out,
		MessageDeltaEvent(resp.StopReason, &usage),
		MessageStop(),
	)
	return out
}
