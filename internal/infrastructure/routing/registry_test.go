package routing

import (
	"testing"
	"time"

	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

func testEntry(provider, model string, maxConcurrent int) *PipelineEntry {
	e := &PipelineEntry{
		ProviderID:    provider,
		ProviderType:  ProviderOpenAICompatible,
		EndpointURL:   "https://api.example.com",
		UpstreamModel: model,
		MaxConcurrent: maxConcurrent,
	}
	e.Normalize()
	return e
}

func testTable(entries ...*PipelineEntry) *Table {
	return &Table{
		Categories: map[Category]*CategoryRoute{
			CategoryDefault: {Entries: entries, Strategy: StrategyRoundRobin},
		},
		DefaultCategory: CategoryDefault,
		BuiltAt:         time.Now(),
	}
}

func testRegistry(t *testing.T, entries ...*PipelineEntry) (*Registry, *Holder) {
	t.Helper()
	holder := NewHolder(testTable(entries...))
	reg := NewRegistry(holder, RegistryConfig{
		Breaker: BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute},
	}, zap.NewNop())
	return reg, holder
}

func TestLeaseAccounting(t *testing.T) {
	e := testEntry("p", "m", 2)
	reg, _ := testRegistry(t, e)

	l1, err := reg.Begin(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := reg.Begin(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := reg.InFlight(e.ID); got != 2 {
		t.Fatalf("in-flight = %d, want 2", got)
	}

	// Third concurrent request exceeds max_concurrent.
	if _, err := reg.Begin(e.ID); gwerrors.KindOf(err) != gwerrors.KindCapacityExhausted {
		t.Fatalf("expected capacity exhausted, got %v", err)
	}

	l1.Release(Outcome{})
	if got := reg.InFlight(e.ID); got != 1 {
		t.Fatalf("in-flight after release = %d, want 1", got)
	}

	// Double release has no further effect.
	l1.Release(Outcome{})
	if got := reg.InFlight(e.ID); got != 1 {
		t.Fatalf("in-flight after double release = %d, want 1", got)
	}

	l2.Release(Outcome{Err: gwerrors.New(gwerrors.KindBackendTransient, "reset")})
	if got := reg.InFlight(e.ID); got != 0 {
		t.Fatalf("in-flight after all releases = %d, want 0", got)
	}
}

func TestLeaseFailureOpensBreaker(t *testing.T) {
	e := testEntry("p", "m", 10)
	reg, _ := testRegistry(t, e)

	for i := 0; i < 2; i++ {
		l, err := reg.Begin(e.ID)
		if err != nil {
			t.Fatal(err)
		}
		l.Release(Outcome{Err: gwerrors.New(gwerrors.KindBackendTransient, "boom")})
	}
	if reg.Breaker(e.ID).State() != CircuitOpen {
		t.Fatal("breaker did not open after threshold failures")
	}
	if _, err := reg.Begin(e.ID); gwerrors.KindOf(err) != gwerrors.KindNoBackendAvailable {
		t.Fatalf("open circuit should refuse leases, got %v", err)
	}
	if got := len(reg.Candidates(CategoryDefault)); got != 0 {
		t.Errorf("open-circuit pipeline still a candidate (%d)", got)
	}
}

func TestCanceledOutcomeDoesNotCountAgainstBackend(t *testing.T) {
	e := testEntry("p", "m", 10)
	reg, _ := testRegistry(t, e)

	for i := 0; i < 5; i++ {
		l, err := reg.Begin(e.ID)
		if err != nil {
			t.Fatal(err)
		}
		l.Release(Outcome{Canceled: true})
	}
	if reg.Breaker(e.ID).State() != CircuitClosed {
		t.Error("caller cancellations tripped the breaker")
	}
	snap := reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	if snap[0].SuccessRate != 1.0 {
		t.Errorf("success rate after cancellations = %v, want 1.0", snap[0].SuccessRate)
	}
}

func TestRecordProbeTransitions(t *testing.T) {
	e := testEntry("p", "m", 10)
	holder := NewHolder(testTable(e))
	reg := NewRegistry(holder, RegistryConfig{ProbeFailureThreshold: 3}, zap.NewNop())

	probeErr := gwerrors.New(gwerrors.KindBackendTransient, "refused")

	reg.RecordProbe(e.ID, probeErr)
	if got := reg.Snapshot()[0].Status; got != StatusDegraded {
		t.Fatalf("after one failure status = %q, want degraded", got)
	}

	reg.RecordProbe(e.ID, probeErr)
	reg.RecordProbe(e.ID, probeErr)
	if got := reg.Snapshot()[0].Status; got != StatusUnhealthy {
		t.Fatalf("after threshold failures status = %q, want unhealthy", got)
	}
	if len(reg.Candidates(CategoryDefault)) != 0 {
		t.Error("unhealthy pipeline still a candidate")
	}
	if _, err := reg.Begin(e.ID); err == nil {
		t.Error("unhealthy pipeline granted a lease")
	}

	reg.RecordProbe(e.ID, nil)
	if got := reg.Snapshot()[0].Status; got != StatusHealthy {
		t.Fatalf("after success status = %q, want healthy", got)
	}
}

func TestMarkCredentialFailure(t *testing.T) {
	e := testEntry("p", "m", 10)
	reg, _ := testRegistry(t, e)

	reg.MarkCredentialFailure(e.ID)
	snap := reg.Snapshot()[0]
	if snap.Status != StatusUnhealthy {
		t.Errorf("status = %q, want unhealthy", snap.Status)
	}
	if snap.CircuitState != "open" {
		t.Errorf("circuit = %q, want open", snap.CircuitState)
	}
}

func TestSetEnabled(t *testing.T) {
	e := testEntry("p", "m", 10)
	reg, _ := testRegistry(t, e)

	if !reg.SetEnabled(e.ID, false) {
		t.Fatal("SetEnabled reported unknown pipeline")
	}
	if len(reg.Candidates(CategoryDefault)) != 0 {
		t.Error("disabled pipeline still a candidate")
	}
	if got := reg.Snapshot()[0].Status; got != StatusDisabled {
		t.Errorf("status = %q, want disabled", got)
	}

	reg.SetEnabled(e.ID, true)
	if len(reg.Candidates(CategoryDefault)) != 1 {
		t.Error("re-enabled pipeline missing from candidates")
	}
	if reg.SetEnabled("nope/nope", false) {
		t.Error("SetEnabled accepted an unknown pipeline")
	}
}

func TestRebuildPreservesSurvivors(t *testing.T) {
	a := testEntry("p", "a", 10)
	b := testEntry("p", "b", 10)
	reg, holder := testRegistry(t, a, b)

	l, err := reg.Begin(a.ID)
	if err != nil {
		t.Fatal(err)
	}

	c := testEntry("p", "c", 10)
	next := testTable(a, c)
	holder.Swap(next)
	reg.Rebuild(next)

	if got := reg.InFlight(a.ID); got != 1 {
		t.Errorf("survivor lost its in-flight count: %d", got)
	}
	if reg.state(b.ID) != nil {
		t.Error("removed pipeline still tracked")
	}
	if reg.state(c.ID) == nil {
		t.Error("new pipeline not tracked")
	}
	l.Release(Outcome{})
}

func TestEWMALatency(t *testing.T) {
	e := testEntry("p", "m", 10)
	reg, _ := testRegistry(t, e)

	l, _ := reg.Begin(e.ID)
	l.Release(Outcome{Latency: 100 * time.Millisecond})
	if got := reg.ewma(e.ID); got != 100 {
		t.Fatalf("first sample ewma = %v, want 100", got)
	}

	l, _ = reg.Begin(e.ID)
	l.Release(Outcome{Latency: 200 * time.Millisecond})
	// 0.3*200 + 0.7*100 = 130
	if got := reg.ewma(e.ID); got < 129.9 || got > 130.1 {
		t.Fatalf("smoothed ewma = %v, want 130", got)
	}
}
