package routing

import (
	"encoding/json"
	"strings"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// ClassifierConfig holds the category derivation rules.
type ClassifierConfig struct {
	// LongContextTokens is the estimate threshold above which a request
	// routes to the longcontext category.
	LongContextTokens int

	// SearchTools lists tool names whose presence routes to search.
	SearchTools []string

	// BackgroundPatterns are matched as substrings against the caller's
	// model hint (e.g. "haiku", "background").
	BackgroundPatterns []string
}

// TokenEstimator estimates the token count of a text span.
type TokenEstimator interface {
	Estimate(text string) int
}

// Classifier derives a category tag from the incoming request. It is pure:
// deterministic and side-effect-free for a given configuration.
type Classifier struct {
	cfg       ClassifierConfig
	estimator TokenEstimator
}

// NewClassifier builds a classifier. A nil estimator falls back to the
// rune-count heuristic.
func NewClassifier(cfg ClassifierConfig, estimator TokenEstimator) *Classifier {
	if cfg.LongContextTokens <= 0 {
		cfg.LongContextTokens = 60000
	}
	if len(cfg.SearchTools) == 0 {
		cfg.SearchTools = []string{"web_search", "WebSearch"}
	}
	if estimator == nil {
		estimator = heuristicEstimator{}
	}
	return &Classifier{cfg: cfg, estimator: estimator}
}

// Classify applies the rules in order, first match wins:
// longcontext → search → thinking → background → default.
func (c *Classifier) Classify(req *entity.Request) Category {
	if c.EstimateRequestTokens(req) > c.cfg.LongContextTokens {
		return CategoryLongContext
	}

	for _, tool := range req.Tools {
		for _, name := range c.cfg.SearchTools {
			if tool.Name == name {
				return CategorySearch
			}
		}
	}

	if req.ThinkingEnabled() {
		return CategoryThinking
	}

	hint := strings.ToLower(req.Model)
	for _, pat := range c.cfg.BackgroundPatterns {
		if pat != "" && strings.Contains(hint, strings.ToLower(pat)) {
			return CategoryBackground
		}
	}

	return CategoryDefault
}

// EstimateRequestTokens sums the token estimate over system preamble,
// message contents, tool inputs/results and tool schemas.
func (c *Classifier) EstimateRequestTokens(req *entity.Request) int {
	total := 0
	if req.System != nil {
		total += c.estimator.Estimate(req.System.PlainText())
	}
	for _, msg := range req.Messages {
		for _, blk := range msg.Content.AsBlocks() {
			switch blk.Type {
			case entity.BlockText:
				total += c.estimator.Estimate(blk.Text)
			case entity.BlockToolUse:
				if raw, err := json.Marshal(blk.Input); err == nil {
					total += c.estimator.Estimate(string(raw))
				}
			case entity.BlockToolResult:
				if blk.Content != nil {
					total += c.estimator.Estimate(blk.Content.PlainText())
				}
			case entity.BlockImage:
				total += 1500 // flat estimate per image block
			}
		}
	}
	for _, tool := range req.Tools {
		total += c.estimator.Estimate(tool.Description)
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			total += c.estimator.Estimate(string(raw))
		}
	}
	return total
}

// --- Estimators ---

// NewTokenEstimator returns a tiktoken-backed estimator when the encoding
// can be loaded, otherwise the rune heuristic. The tiktoken init may touch
// the network for the BPE ranks, so failures degrade silently.
func NewTokenEstimator(logger *zap.Logger) TokenEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using heuristic token estimator",
			zap.Error(err))
		return heuristicEstimator{}
	}
	return &tiktokenEstimator{enc: enc}
}

type tiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// heuristicEstimator approximates tokens as ceil(runes/4), the same rough
// ratio used for usage fallbacks elsewhere in the gateway.
type heuristicEstimator struct{}

func (heuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len([]rune(text))
	return (n + 3) / 4
}
