package routing

import (
	"strings"
	"testing"

	"github.com/modelgate/modelgate/internal/domain/entity"
)

func newTestClassifier() *Classifier {
	return NewClassifier(ClassifierConfig{
		LongContextTokens:  100,
		SearchTools:        []string{"web_search"},
		BackgroundPatterns: []string{"haiku"},
	}, nil)
}

func userMsg(text string) entity.Message {
	return entity.Message{Role: entity.RoleUser, Content: entity.Text(text)}
}

func TestClassifyDefault(t *testing.T) {
	c := newTestClassifier()
	req := &entity.Request{Model: "sonnet", Messages: []entity.Message{userMsg("hi")}}
	if got := c.Classify(req); got != CategoryDefault {
		t.Errorf("Classify() = %q, want default", got)
	}
}

func TestClassifyLongContext(t *testing.T) {
	c := newTestClassifier()
	req := &entity.Request{
		Model:    "sonnet",
		Messages: []entity.Message{userMsg(strings.Repeat("word ", 200))},
	}
	if got := c.Classify(req); got != CategoryLongContext {
		t.Errorf("Classify() = %q, want longcontext", got)
	}
}

func TestClassifySearch(t *testing.T) {
	c := newTestClassifier()
	req := &entity.Request{
		Model:    "sonnet",
		Messages: []entity.Message{userMsg("look this up")},
		Tools:    []entity.Tool{{Name: "web_search"}},
	}
	if got := c.Classify(req); got != CategorySearch {
		t.Errorf("Classify() = %q, want search", got)
	}
}

func TestClassifyThinking(t *testing.T) {
	c := newTestClassifier()
	req := &entity.Request{
		Model:    "sonnet",
		Messages: []entity.Message{userMsg("think hard")},
		Thinking: &entity.Thinking{Type: "enabled"},
	}
	if got := c.Classify(req); got != CategoryThinking {
		t.Errorf("Classify() = %q, want thinking", got)
	}
}

func TestClassifyBackground(t *testing.T) {
	c := newTestClassifier()
	req := &entity.Request{Model: "claude-3-haiku", Messages: []entity.Message{userMsg("quick task")}}
	if got := c.Classify(req); got != CategoryBackground {
		t.Errorf("Classify() = %q, want background", got)
	}
}

func TestClassifyPrecedence(t *testing.T) {
	// A long request that also carries a search tool and thinking: the
	// token rule wins.
	c := newTestClassifier()
	req := &entity.Request{
		Model:    "claude-3-haiku",
		Messages: []entity.Message{userMsg(strings.Repeat("word ", 200))},
		Tools:    []entity.Tool{{Name: "web_search"}},
		Thinking: &entity.Thinking{Type: "enabled"},
	}
	if got := c.Classify(req); got != CategoryLongContext {
		t.Errorf("Classify() = %q, want longcontext", got)
	}

	// Without the length, search beats thinking.
	req.Messages = []entity.Message{userMsg("hi")}
	if got := c.Classify(req); got != CategorySearch {
		t.Errorf("Classify() = %q, want search", got)
	}
}

func TestEstimateRequestTokens(t *testing.T) {
	c := newTestClassifier()
	req := &entity.Request{
		System: func() *entity.MessageContent { mc := entity.Text("be brief"); return &mc }(),
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.Blocks(
				entity.ContentBlock{Type: entity.BlockText, Text: "hello"},
				entity.ContentBlock{Type: entity.BlockImage, Source: map[string]any{"type": "base64"}},
			)},
		},
	}
	got := c.EstimateRequestTokens(req)
	if got < 1500 {
		t.Errorf("estimate %d should include the flat image cost", got)
	}
}

func TestHeuristicEstimator(t *testing.T) {
	e := heuristicEstimator{}
	if got := e.Estimate(""); got != 0 {
		t.Errorf("empty estimate = %d", got)
	}
	if got := e.Estimate("abcd"); got != 1 {
		t.Errorf("Estimate(4 runes) = %d, want 1", got)
	}
	if got := e.Estimate("abcde"); got != 2 {
		t.Errorf("Estimate(5 runes) = %d, want 2", got)
	}
}
