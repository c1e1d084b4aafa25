package sse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Some OpenAI-compatible upstreams never emit structured tool calls and
// instead print them as free-form text. The buffered path scans for these
// syntaxes after the whole stream has been read.
var toolCallPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Tool call:\s*([A-Za-z_][A-Za-z0-9_]*)\((.*?)\)`),
	regexp.MustCompile(`function_call:\s*([A-Za-z_][A-Za-z0-9_]*)\((.*?)\)`),
	regexp.MustCompile(`\[TOOL_CALL\]\s*([A-Za-z_][A-Za-z0-9_]*)\((.*?)\)`),
}

// ExtractedCall is one tool call recovered from textual output.
type ExtractedCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ExtractToolCalls scans accumulated text for textual tool-call syntax,
// strips the matched spans, and returns the remaining text plus the
// recovered calls. Duplicate matches (same name and raw arguments) are
// coalesced; ids are "extracted_<n>" in match order.
func ExtractToolCalls(text string) (string, []ExtractedCall) {
	type span struct{ start, end int }
	var spans []span
	var calls []ExtractedCall
	seen := make(map[string]bool)
	seq := 0

	for _, pat := range toolCallPatterns {
		for _, m := range pat.FindAllStringSubmatchIndex(text, -1) {
			name := text[m[2]:m[3]]
			rawArgs := text[m[4]:m[5]]
			key := name + "\x00" + rawArgs
			spans = append(spans, span{m[0], m[1]})
			if seen[key] {
				continue
			}
			seen[key] = true
			calls = append(calls, ExtractedCall{
				ID:    fmt.Sprintf("extracted_%d", seq),
				Name:  name,
				Input: parseExtractedArgs(rawArgs),
			})
			seq++
		}
	}

	if len(spans) == 0 {
		return text, nil
	}

	// Strip matched spans back to front so offsets stay valid.
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		text = text[:s.start] + text[s.end:]
	}

	// Trim the whitespace the matched regions leave behind.
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n")), calls
}

// parseExtractedArgs turns the raw argument text into a tool input object.
// A JSON object is taken as-is; anything else is preserved under "command"
// so the caller can still recover the call.
func parseExtractedArgs(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	if strings.HasPrefix(raw, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			return obj
		}
	}
	return map[string]any{"command": raw}
}
