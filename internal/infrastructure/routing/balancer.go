package routing

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/modelgate/modelgate/internal/domain/entity"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

const adaptiveLoadThreshold = 0.8

// Balancer selects one pipeline from a category's candidates and obtains a
// Lease for it. It makes a single pass over the candidates — no waiting and
// no queueing at this layer.
type Balancer struct {
	reg    *Registry
	sticky *StickyStore
	logger *zap.Logger

	mu     sync.Mutex
	rrNext map[Category]uint64
	randFn func(n int) int // swappable for tests
}

// NewBalancer creates a balancer over the given registry.
func NewBalancer(reg *Registry, sticky *StickyStore, logger *zap.Logger) *Balancer {
	return &Balancer{
		reg:    reg,
		sticky: sticky,
		logger: logger.With(zap.String("component", "load-balancer")),
		rrNext: make(map[Category]uint64),
		randFn: rand.Intn,
	}
}

// Pick selects and leases one backend for the request. excluded holds
// pipeline ids already tried within the same request (cross-pipeline
// retries); they are never re-selected.
func (b *Balancer) Pick(cat Category, route *CategoryRoute, req *entity.Request, excluded map[string]bool) (*Lease, error) {
	cands := b.reg.Candidates(cat)
	if len(excluded) > 0 {
		filtered := cands[:0:0]
		for _, e := range cands {
			if !excluded[e.ID] {
				filtered = append(filtered, e)
			}
		}
		cands = filtered
	}
	if len(cands) == 0 {
		return nil, gwerrors.Newf(gwerrors.KindNoBackendAvailable, "no candidate pipeline for category %q", cat)
	}

	sessionID := req.SessionID()

	// Sticky sessions force-select the bound pipeline when it is still an
	// eligible candidate.
	if sessionID != "" {
		if id, ok := b.sticky.Lookup(sessionID); ok {
			for _, e := range cands {
				if e.ID == id {
					if lease, err := b.reg.Begin(id); err == nil {
						return lease, nil
					}
					break
				}
			}
		}
	}

	order := b.order(cat, route, cands)

	var lastErr error
	for _, e := range order {
		lease, err := b.reg.Begin(e.ID)
		if err != nil {
			lastErr = err
			continue
		}
		if sessionID != "" && route.StickyTTL > 0 {
			b.sticky.Bind(sessionID, e.ID, route.StickyTTL)
		}
		return lease, nil
	}

	if lastErr != nil && gwerrors.KindOf(lastErr) == gwerrors.KindCapacityExhausted {
		return nil, gwerrors.Wrap(gwerrors.KindCapacityExhausted, "all candidates at capacity", lastErr)
	}
	return nil, gwerrors.Newf(gwerrors.KindNoBackendAvailable, "no backend available for category %q", cat)
}

// order arranges candidates into the strategy's preference sequence.
func (b *Balancer) order(cat Category, route *CategoryRoute, cands []*PipelineEntry) []*PipelineEntry {
	strategy := route.Strategy
	if strategy == StrategyAdaptive {
		strategy = route.BaseStrategy
		if strategy == "" || strategy == StrategyAdaptive {
			strategy = StrategyRoundRobin
		}
		for _, e := range cands {
			if b.reg.loadFactor(e.ID) > adaptiveLoadThreshold {
				strategy = StrategyLeastResponseTime
				break
			}
		}
	}

	switch strategy {
	case StrategyWeighted:
		return b.weightedOrder(cands)
	case StrategyLeastConnections:
		return b.sortedOrder(cands, func(i, j *PipelineEntry) bool {
			ci, cj := b.reg.InFlight(i.ID), b.reg.InFlight(j.ID)
			if ci != cj {
				return ci < cj
			}
			return b.reg.ewma(i.ID) < b.reg.ewma(j.ID)
		})
	case StrategyLeastResponseTime:
		return b.sortedOrder(cands, func(i, j *PipelineEntry) bool {
			li, lj := b.reg.ewma(i.ID), b.reg.ewma(j.ID)
			if li != lj {
				return li < lj
			}
			return b.reg.InFlight(i.ID) < b.reg.InFlight(j.ID)
		})
	default: // round_robin
		return b.roundRobinOrder(cat, cands)
	}
}

// roundRobinOrder rotates the candidate list by a per-category counter.
func (b *Balancer) roundRobinOrder(cat Category, cands []*PipelineEntry) []*PipelineEntry {
	b.mu.Lock()
	n := b.rrNext[cat]
	b.rrNext[cat] = n + 1
	b.mu.Unlock()

	k := len(cands)
	start := int(n % uint64(k))
	out := make([]*PipelineEntry, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, cands[(start+i)%k])
	}
	return out
}

// weightedOrder picks the first candidate by cumulative weight under a
// uniform draw in [0, Σw); the remaining candidates follow in index order
// as fallbacks. Ties on the crossing point resolve to the lower index.
func (b *Balancer) weightedOrder(cands []*PipelineEntry) []*PipelineEntry {
	total := 0
	for _, e := range cands {
		total += e.Weight
	}
	b.mu.Lock()
	pick := b.randFn(total)
	b.mu.Unlock()

	first := 0
	running := 0
	for i, e := range cands {
		running += e.Weight
		if pick < running {
			first = i
			break
		}
	}

	out := make([]*PipelineEntry, 0, len(cands))
	out = append(out, cands[first])
	for i, e := range cands {
		if i != first {
			out = append(out, e)
		}
	}
	return out
}

// sortedOrder stable-sorts a copy of the candidates; entry index breaks any
// remaining ties.
func (b *Balancer) sortedOrder(cands []*PipelineEntry, less func(i, j *PipelineEntry) bool) []*PipelineEntry {
	out := make([]*PipelineEntry, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
