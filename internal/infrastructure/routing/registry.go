package routing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"github.com/modelgate/modelgate/pkg/safego"
	"go.uber.org/zap"
)

// Status is the health state of one backend.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
)

const (
	ewmaAlpha         = 0.3
	successWindowSize = 50
)

// Outcome describes how one leased request ended.
type Outcome struct {
	Err      error
	Latency  time.Duration
	Canceled bool
}

// RegistryConfig tunes backend state tracking.
type RegistryConfig struct {
	Breaker               BreakerConfig
	ProbeInterval         time.Duration
	ProbeTimeout          time.Duration
	ProbeFailureThreshold int // degraded → unhealthy after this many consecutive probe failures
}

func (c *RegistryConfig) normalize() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.ProbeFailureThreshold <= 0 {
		c.ProbeFailureThreshold = 3
	}
}

// backendState is all mutable per-pipeline state. Every field is guarded by
// mu; the registry never takes a global lock on the request path.
type backendState struct {
	mu sync.Mutex

	entry    *PipelineEntry
	status   Status
	disabled bool

	inFlight int
	ewmaMs   float64

	window    [successWindowSize]bool
	windowPos int
	windowLen int

	probeFailures int
	lastProbe     time.Time

	breaker *CircuitBreaker
}

func (s *backendState) recordOutcome(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight--
	}

	if o.Canceled {
		// Caller disconnects say nothing about backend health.
		return
	}

	if o.Latency > 0 {
		sample := float64(o.Latency) / float64(time.Millisecond)
		if s.ewmaMs == 0 {
			s.ewmaMs = sample
		} else {
			s.ewmaMs = ewmaAlpha*sample + (1-ewmaAlpha)*s.ewmaMs
		}
	}

	ok := o.Err == nil || !gwerrors.IsBackendFailure(o.Err)
	s.window[s.windowPos] = ok
	s.windowPos = (s.windowPos + 1) % successWindowSize
	if s.windowLen < successWindowSize {
		s.windowLen++
	}
}

func (s *backendState) successRate() float64 {
	if s.windowLen == 0 {
		return 1.0
	}
	n := 0
	for i := 0; i < s.windowLen; i++ {
		if s.window[i] {
			n++
		}
	}
	return float64(n) / float64(s.windowLen)
}

// BackendStatus is the externally visible snapshot of one backend.
type BackendStatus struct {
	PipelineID          string    `json:"pipeline_id"`
	ProviderID          string    `json:"provider_id"`
	ProviderType        string    `json:"provider_type"`
	UpstreamModel       string    `json:"upstream_model"`
	Status              Status    `json:"status"`
	InFlight            int       `json:"in_flight"`
	MaxConcurrent       int       `json:"max_concurrent"`
	EWMALatencyMs       float64   `json:"ewma_latency_ms"`
	SuccessRate         float64   `json:"success_rate"`
	CircuitState        string    `json:"circuit_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbeTime       time.Time `json:"last_probe_time,omitempty"`
}

// Registry owns all backend state: health, in-flight accounting, latency
// EWMA, success window and the per-pipeline circuit breaker. All mutation
// goes through Begin/Lease.Release/RecordProbe.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*backendState
	holder   *Holder
	cfg      RegistryConfig
	logger   *zap.Logger
}

// NewRegistry builds backend state for every entry of the holder's current
// table.
func NewRegistry(holder *Holder, cfg RegistryConfig, logger *zap.Logger) *Registry {
	cfg.normalize()
	r := &Registry{
		backends: make(map[string]*backendState),
		holder:   holder,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "backend-registry")),
	}
	r.Rebuild(holder.Load())
	return r
}

// Rebuild reconciles backend state with a freshly loaded table: state is
// created for new pipelines and destroyed for removed ones. Surviving
// pipelines keep their counters and breaker.
func (r *Registry) Rebuild(table *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[string]bool)
	for _, e := range table.Entries() {
		live[e.ID] = true
		if s, ok := r.backends[e.ID]; ok {
			s.mu.Lock()
			s.entry = e
			s.mu.Unlock()
			continue
		}
		r.backends[e.ID] = &backendState{
			entry:   e,
			status:  StatusHealthy,
			breaker: NewCircuitBreaker(r.cfg.Breaker),
		}
		r.logger.Info("Backend registered",
			zap.String("pipeline", e.ID),
			zap.String("provider_type", string(e.ProviderType)),
		)
	}
	for id := range r.backends {
		if !live[id] {
			delete(r.backends, id)
			r.logger.Info("Backend removed", zap.String("pipeline", id))
		}
	}
}

func (r *Registry) state(id string) *backendState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[id]
}

// Candidates returns the category's pipelines that are currently eligible:
// not disabled, not unhealthy, breaker not open. Table order is preserved.
func (r *Registry) Candidates(cat Category) []*PipelineEntry {
	table := r.holder.Load()
	route := table.Route(cat)
	if route == nil {
		return nil
	}

	var out []*PipelineEntry
	for _, e := range route.Entries {
		s := r.state(e.ID)
		if s == nil {
			continue
		}
		s.mu.Lock()
		eligible := !s.disabled && s.status != StatusUnhealthy
		s.mu.Unlock()
		if eligible && s.breaker.Available() {
			out = append(out, e)
		}
	}
	return out
}

// Begin atomically reserves one in-flight slot on the pipeline, consuming a
// breaker probe slot when the circuit is half-open. The returned Lease must
// be released exactly once.
func (r *Registry) Begin(id string) (*Lease, error) {
	s := r.state(id)
	if s == nil {
		return nil, gwerrors.Newf(gwerrors.KindNoBackendAvailable, "unknown pipeline %q", id)
	}

	s.mu.Lock()
	if s.disabled || s.status == StatusUnhealthy {
		s.mu.Unlock()
		return nil, gwerrors.Newf(gwerrors.KindNoBackendAvailable, "pipeline %q is %s", id, s.status)
	}
	if s.inFlight >= s.entry.MaxConcurrent {
		s.mu.Unlock()
		return nil, gwerrors.Newf(gwerrors.KindCapacityExhausted, "pipeline %q at max concurrency %d", id, s.entry.MaxConcurrent)
	}
	entry := s.entry
	s.mu.Unlock()

	if !s.breaker.Allow() {
		return nil, gwerrors.Newf(gwerrors.KindNoBackendAvailable, "pipeline %q circuit open", id)
	}

	s.mu.Lock()
	// Re-check capacity: the slot may have been taken while acquiring the
	// breaker probe.
	if s.inFlight >= s.entry.MaxConcurrent {
		s.mu.Unlock()
		s.breaker.Release()
		return nil, gwerrors.Newf(gwerrors.KindCapacityExhausted, "pipeline %q at max concurrency %d", id, s.entry.MaxConcurrent)
	}
	s.inFlight++
	s.mu.Unlock()

	return &Lease{reg: r, pipelineID: id, entry: entry, start: time.Now()}, nil
}

// InFlight returns the current in-flight count for a pipeline.
func (r *Registry) InFlight(id string) int {
	s := r.state(id)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// loadFactor returns in_flight / max_concurrent for the adaptive strategy.
func (r *Registry) loadFactor(id string) float64 {
	s := r.state(id)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.MaxConcurrent == 0 {
		return 0
	}
	return float64(s.inFlight) / float64(s.entry.MaxConcurrent)
}

// ewma returns the smoothed latency in milliseconds.
func (r *Registry) ewma(id string) float64 {
	s := r.state(id)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ewmaMs
}

// RecordProbe folds a health-probe result into backend status.
// healthy → degraded after one failure, degraded → unhealthy after the
// configured threshold of consecutive failures, unhealthy → healthy after
// one success.
func (r *Registry) RecordProbe(id string, err error) {
	s := r.state(id)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProbe = time.Now()

	if err == nil {
		s.probeFailures = 0
		if s.status != StatusHealthy {
			r.logger.Info("Backend recovered",
				zap.String("pipeline", id),
				zap.String("was", string(s.status)))
		}
		s.status = StatusHealthy
		return
	}

	s.probeFailures++
	switch {
	case s.probeFailures >= r.cfg.ProbeFailureThreshold:
		if s.status != StatusUnhealthy {
			r.logger.Warn("Backend unhealthy",
				zap.String("pipeline", id),
				zap.Int("consecutive_probe_failures", s.probeFailures),
				zap.Error(err))
		}
		s.status = StatusUnhealthy
	default:
		s.status = StatusDegraded
	}
}

// MarkCredentialFailure marks the backend unhealthy and opens its breaker
// immediately. Credential refresh is delegated; until it succeeds the
// pipeline must not receive traffic.
func (r *Registry) MarkCredentialFailure(id string) {
	s := r.state(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.status = StatusUnhealthy
	s.mu.Unlock()
	s.breaker.TripNow()
	r.logger.Warn("Backend credential failure, circuit tripped", zap.String("pipeline", id))
}

// SetEnabled flips the administrative disable flag.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	s := r.state(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.disabled = !enabled
	s.mu.Unlock()
	r.logger.Info("Backend admin state changed",
		zap.String("pipeline", id),
		zap.Bool("enabled", enabled))
	return true
}

// Breaker exposes the pipeline's circuit breaker.
func (r *Registry) Breaker(id string) *CircuitBreaker {
	s := r.state(id)
	if s == nil {
		return nil
	}
	return s.breaker
}

// Snapshot returns the status of every tracked backend in table order.
func (r *Registry) Snapshot() []BackendStatus {
	table := r.holder.Load()
	var out []BackendStatus
	for _, e := range table.Entries() {
		s := r.state(e.ID)
		if s == nil {
			continue
		}
		s.mu.Lock()
		st := s.status
		if s.disabled {
			st = StatusDisabled
		}
		out = append(out, BackendStatus{
			PipelineID:          e.ID,
			ProviderID:          e.ProviderID,
			ProviderType:        string(e.ProviderType),
			UpstreamModel:       e.UpstreamModel,
			Status:              st,
			InFlight:            s.inFlight,
			MaxConcurrent:       e.MaxConcurrent,
			EWMALatencyMs:       s.ewmaMs,
			SuccessRate:         s.successRate(),
			CircuitState:        s.breaker.State().String(),
			ConsecutiveFailures: s.breaker.ConsecutiveFailures(),
			LastProbeTime:       s.lastProbe,
		})
		s.mu.Unlock()
	}
	return out
}

// ProbeFunc issues a minimal upstream request against one pipeline.
type ProbeFunc func(ctx context.Context, entry *PipelineEntry) error

// StartProbes runs periodic health probes for every backend until ctx is
// canceled.
func (r *Registry) StartProbes(ctx context.Context, probe ProbeFunc) {
	safego.GoLoop(ctx, r.logger, "health-probes", r.cfg.ProbeInterval, func(ctx context.Context) {
		for _, e := range r.holder.Load().Entries() {
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
			err := probe(probeCtx, e)
			cancel()
			r.RecordProbe(e.ID, err)
		}
	})
}

// Lease proves that an in-flight slot is reserved on a pipeline. Release is
// idempotent: exactly one release takes effect no matter how the request
// path unwinds.
type Lease struct {
	reg        *Registry
	pipelineID string
	entry      *PipelineEntry
	start      time.Time
	released   atomic.Bool
}

// PipelineID returns the leased pipeline's id.
func (l *Lease) PipelineID() string { return l.pipelineID }

// Entry returns the leased pipeline entry.
func (l *Lease) Entry() *PipelineEntry { return l.entry }

// Start returns the lease acquisition time.
func (l *Lease) Start() time.Time { return l.start }

// Release ends the lease with the given outcome, folding it into stats and
// the breaker. Only the first call has any effect.
func (l *Lease) Release(o Outcome) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if o.Latency == 0 && !o.Canceled {
		o.Latency = time.Since(l.start)
	}

	s := l.reg.state(l.pipelineID)
	if s == nil {
		return
	}
	s.recordOutcome(o)

	if o.Canceled {
		s.breaker.Release()
		return
	}
	if o.Err != nil && gwerrors.IsBackendFailure(o.Err) {
		s.breaker.RecordFailure()
		return
	}
	s.breaker.RecordSuccess()
}
