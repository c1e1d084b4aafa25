package eventbus

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
)

type captureSink struct {
	name string

	mu     sync.Mutex
	events []pipeline.Event
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Consume(ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type panicSink struct{}

func (panicSink) Name() string              { return "panics" }
func (panicSink) Consume(ev pipeline.Event) { panic("sink bug") }

func TestBusDeliversToSinks(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16)
	sink := &captureSink{name: "capture"}
	bus.Register(sink)

	bus.Publish(pipeline.Event{Type: pipeline.EventRequestReceived, RequestID: "r1"})
	bus.Publish(pipeline.Event{Type: pipeline.EventUpstreamEnd, RequestID: "r1"})
	bus.Close()

	if sink.count() != 2 {
		t.Fatalf("delivered = %d events, want 2", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].Type != pipeline.EventRequestReceived {
		t.Errorf("first event = %q", sink.events[0].Type)
	}
}

func TestBusUnregister(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16)
	sink := &captureSink{name: "capture"}
	bus.Register(sink)
	bus.Unregister("capture")

	bus.Publish(pipeline.Event{Type: pipeline.EventError})
	bus.Close()

	if sink.count() != 0 {
		t.Errorf("unregistered sink received %d events", sink.count())
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(zap.NewNop(), 1)

	// Stall the dispatch loop so the buffer stays full.
	block := make(chan struct{})
	bus.Register(sinkFunc(func(pipeline.Event) { <-block }))

	for i := 0; i < 50; i++ {
		bus.Publish(pipeline.Event{Type: pipeline.EventUpstreamChunk})
	}
	if bus.Dropped() == 0 {
		t.Error("no events dropped with a full buffer")
	}
	close(block)
	bus.Close()
}

func TestBusSurvivesPanickingSink(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16)
	bus.Register(panicSink{})
	sink := &captureSink{name: "capture"}
	bus.Register(sink)

	bus.Publish(pipeline.Event{Type: pipeline.EventError})
	bus.Close()

	if sink.count() != 1 {
		t.Errorf("healthy sink delivered = %d, want 1", sink.count())
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16)
	sink := &captureSink{name: "capture"}
	bus.Register(sink)
	bus.Close()

	// Must not panic on the closed channel.
	bus.Publish(pipeline.Event{Type: pipeline.EventError})
	time.Sleep(10 * time.Millisecond)
	if sink.count() != 0 {
		t.Errorf("closed bus delivered %d events", sink.count())
	}
}

type sinkFunc func(pipeline.Event)

func (sinkFunc) Name() string                { return "func" }
func (f sinkFunc) Consume(ev pipeline.Event) { f(ev) }
