package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
)

const defaultBuffer = 256

// Bus fans observation events out to registered sinks. Publish never
// blocks the request path: when the buffer is full the event is dropped
// and counted, not queued.
type Bus struct {
	mu     sync.RWMutex
	sinks  map[string]pipeline.Sink
	ch     chan pipeline.Event
	closed bool
	logger *zap.Logger
	wg     sync.WaitGroup

	dropped uint64
}

var _ pipeline.Publisher = (*Bus)(nil)

// NewBus starts the dispatch loop.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	b := &Bus{
		sinks:  make(map[string]pipeline.Sink),
		ch:     make(chan pipeline.Event, bufferSize),
		logger: logger.With(zap.String("component", "event-bus")),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Register adds a sink. A sink registered under an existing name replaces
// the old one.
func (b *Bus) Register(sink pipeline.Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[sink.Name()] = sink
	b.logger.Debug("Sink registered", zap.String("sink", sink.Name()))
}

// Unregister removes a sink by name.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, name)
}

// Publish enqueues an event without blocking.
func (b *Bus) Publish(ev pipeline.Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	select {
	case b.ch <- ev:
	default:
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		if n%100 == 1 {
			b.logger.Warn("Event buffer full, dropping events",
				zap.String("type", string(ev.Type)),
				zap.Uint64("dropped_total", n))
		}
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close drains the buffer and stops the dispatch loop.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for ev := range b.ch {
		b.mu.RLock()
		sinks := make([]pipeline.Sink, 0, len(b.sinks))
		for _, s := range b.sinks {
			sinks = append(sinks, s)
		}
		b.mu.RUnlock()

		for _, s := range sinks {
			b.consume(s, ev)
		}
	}
}

// consume shields the dispatch loop from a panicking sink.
func (b *Bus) consume(s pipeline.Sink, ev pipeline.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Sink panicked",
				zap.String("sink", s.Name()),
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	s.Consume(ev)
}
