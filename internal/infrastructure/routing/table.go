package routing

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Category is a virtual tag derived from the request that selects an
// ordered list of pipelines.
type Category string

const (
	CategoryDefault     Category = "default"
	CategoryBackground  Category = "background"
	CategoryThinking    Category = "thinking"
	CategoryLongContext Category = "longcontext"
	CategorySearch      Category = "search"
)

// ProviderType selects the codec set for a pipeline.
type ProviderType string

const (
	ProviderAnthropic        ProviderType = "anthropic"
	ProviderOpenAICompatible ProviderType = "openai_compatible"
	ProviderGemini           ProviderType = "gemini"
	ProviderCodeWhisperer    ProviderType = "codewhisperer"
)

// ForceStream is the tri-state stream override in compatibility hints.
type ForceStream string

const (
	ForceStreamPassthrough ForceStream = "passthrough"
	ForceStreamOn          ForceStream = "on"
	ForceStreamOff         ForceStream = "off"
)

// Balancing strategies per category.
type Strategy string

const (
	StrategyRoundRobin        Strategy = "round_robin"
	StrategyWeighted          Strategy = "weighted"
	StrategyLeastConnections  Strategy = "least_connections"
	StrategyLeastResponseTime Strategy = "least_response_time"
	StrategyAdaptive          Strategy = "adaptive"
)

// CompatibilityHints are upstream-specific adjustments resolved once at
// table-build time; no string-keyed lookups happen on the request path.
type CompatibilityHints struct {
	// BufferToolCalls enables the buffered SSE path: the whole upstream
	// stream is accumulated and scanned for textual tool-call syntax
	// before anything is emitted to the caller.
	BufferToolCalls bool

	// ForceStream overrides the upstream stream flag.
	ForceStream ForceStream

	// ContentShape forces message content to "string" or "array";
	// empty means passthrough.
	ContentShape string

	// MaxTokensCap is an optional per-model hard ceiling.
	MaxTokensCap int
}

// PipelineEntry is one routable backend: a specific provider+model+credential
// tuple with its own breaker and stats, keyed by ID.
type PipelineEntry struct {
	ID               string
	ProviderID       string
	ProviderType     ProviderType
	EndpointURL      string
	CredentialRef    string
	UpstreamModel    string
	Weight           int
	MaxConcurrent    int
	Timeout          time.Duration
	MaxRetries       int
	DefaultMaxTokens int
	Hints            CompatibilityHints
}

// Normalize fills defaults and derives the stable pipeline id.
func (e *PipelineEntry) Normalize() {
	if e.Weight < 1 {
		e.Weight = 1
	}
	if e.MaxConcurrent < 1 {
		e.MaxConcurrent = 10
	}
	if e.Timeout <= 0 {
		e.Timeout = 120 * time.Second
	}
	if e.DefaultMaxTokens <= 0 {
		e.DefaultMaxTokens = 4096
	}
	if e.Hints.ForceStream == "" {
		e.Hints.ForceStream = ForceStreamPassthrough
	}
	if e.ID == "" {
		e.ID = fmt.Sprintf("%s/%s", e.ProviderID, e.UpstreamModel)
	}
}

// CategoryRoute is the ordered pipeline list plus balancing policy for one
// category.
type CategoryRoute struct {
	Entries      []*PipelineEntry
	Strategy     Strategy
	BaseStrategy Strategy // underlying strategy when Strategy == adaptive
	StickyTTL    time.Duration
}

// Table is an immutable snapshot of the routing configuration. A config
// change builds a fresh table and publishes it with an atomic swap;
// in-flight requests keep the snapshot they started with.
type Table struct {
	Categories      map[Category]*CategoryRoute
	DefaultCategory Category
	BuiltAt         time.Time
}

// Route resolves a category, falling back to the default category.
func (t *Table) Route(cat Category) *CategoryRoute {
	if r, ok := t.Categories[cat]; ok && len(r.Entries) > 0 {
		return r
	}
	return t.Categories[t.DefaultCategory]
}

// Entries returns every pipeline entry across categories, deduplicated by
// id, in stable order.
func (t *Table) Entries() []*PipelineEntry {
	seen := make(map[string]bool)
	var out []*PipelineEntry
	for _, cat := range []Category{CategoryDefault, CategoryBackground, CategoryThinking, CategoryLongContext, CategorySearch} {
		r, ok := t.Categories[cat]
		if !ok {
			continue
		}
		for _, e := range r.Entries {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	// Categories beyond the well-known five still contribute.
	for cat, r := range t.Categories {
		switch cat {
		case CategoryDefault, CategoryBackground, CategoryThinking, CategoryLongContext, CategorySearch:
			continue
		}
		for _, e := range r.Entries {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	return out
}

// Validate checks the table invariants before it may be published.
func (t *Table) Validate() error {
	if t.DefaultCategory == "" {
		return fmt.Errorf("routing table: default category not set")
	}
	def, ok := t.Categories[t.DefaultCategory]
	if !ok || len(def.Entries) == 0 {
		return fmt.Errorf("routing table: default category %q has no pipelines", t.DefaultCategory)
	}
	for cat, r := range t.Categories {
		for _, e := range r.Entries {
			if e.EndpointURL == "" {
				return fmt.Errorf("routing table: pipeline %q in %q has no endpoint", e.ID, cat)
			}
			switch e.ProviderType {
			case ProviderAnthropic, ProviderOpenAICompatible, ProviderGemini, ProviderCodeWhisperer:
			default:
				return fmt.Errorf("routing table: pipeline %q has unknown provider type %q", e.ID, e.ProviderType)
			}
		}
	}
	return nil
}

// Holder publishes the active table. Load is a lock-free pointer read on
// the request fast path; Swap atomically installs a rebuilt table.
type Holder struct {
	p atomic.Pointer[Table]
}

// NewHolder creates a holder with an initial table.
func NewHolder(t *Table) *Holder {
	h := &Holder{}
	h.p.Store(t)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Table { return h.p.Load() }

// Swap installs a new snapshot and returns the previous one.
func (h *Holder) Swap(t *Table) *Table { return h.p.Swap(t) }
