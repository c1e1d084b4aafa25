package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	"github.com/modelgate/modelgate/internal/infrastructure/sse"
	"github.com/modelgate/modelgate/internal/infrastructure/upstream"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// defaultMaxAttempts caps how many distinct pipelines one request may try.
const defaultMaxAttempts = 3

// Orchestrator drives one request through classification, backend
// selection, the compatibility stage, the upstream call and decode. It owns
// the cross-pipeline retry loop; in-place network retries live in the
// upstream client.
type Orchestrator struct {
	holder      *routing.Holder
	registry    *routing.Registry
	balancer    *routing.Balancer
	classifier  *routing.Classifier
	client      *upstream.Client
	bus         Publisher
	logger      *zap.Logger
	maxAttempts int
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Holder      *routing.Holder
	Registry    *routing.Registry
	Balancer    *routing.Balancer
	Classifier  *routing.Classifier
	Client      *upstream.Client
	Bus         Publisher
	MaxAttempts int
}

// NewOrchestrator builds the request orchestrator.
func NewOrchestrator(cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	bus := cfg.Bus
	if bus == nil {
		bus = NopPublisher{}
	}
	return &Orchestrator{
		holder:      cfg.Holder,
		registry:    cfg.Registry,
		balancer:    cfg.Balancer,
		classifier:  cfg.Classifier,
		client:      cfg.Client,
		bus:         bus,
		logger:      logger.With(zap.String("component", "orchestrator")),
		maxAttempts: cfg.MaxAttempts,
	}
}

// StreamResult is the streaming half of a handled request. Events closes
// when the stream ends; Errs then carries at most one terminal error.
type StreamResult struct {
	Events <-chan entity.StreamEvent
	Errs   <-chan error
}

// Result is the outcome of one handled request: exactly one of Response
// (non-stream) or Stream is set.
type Result struct {
	RequestID string
	Category  routing.Category
	Pipeline  string
	Response  *entity.Response
	Stream    *StreamResult
}

// Handle runs one canonical request end to end. The caller's stream flag
// decides the result shape; force_stream hints only change what happens
// upstream.
func (o *Orchestrator) Handle(ctx context.Context, req *entity.Request) (*Result, error) {
	requestID := uuid.NewString()
	start := time.Now()

	o.bus.Publish(Event{
		Type: EventRequestReceived, Time: start,
		RequestID: requestID, Model: req.Model, Stream: req.Stream,
	})

	if err := ValidateRequest(req); err != nil {
		o.publishError(requestID, "", "", err)
		return nil, err
	}

	cat := o.classifier.Classify(req)
	o.bus.Publish(Event{
		Type: EventCategoryChosen, Time: time.Now(),
		RequestID: requestID, Model: req.Model, Category: cat,
	})

	table := o.holder.Load()
	route := table.Route(cat)
	if route == nil || len(route.Entries) == 0 {
		err := gwerrors.Newf(gwerrors.KindNoBackendAvailable, "no route for category %q", cat)
		o.publishError(requestID, cat, "", err)
		return nil, err
	}

	excluded := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		lease, err := o.balancer.Pick(cat, route, req, excluded)
		if err != nil {
			if lastErr != nil && gwerrors.KindOf(err) == gwerrors.KindNoBackendAvailable {
				// All remaining candidates are excluded by earlier
				// failures; report what actually went wrong.
				err = lastErr
			}
			o.publishError(requestID, cat, "", err)
			return nil, err
		}
		entry := lease.Entry()
		excluded[entry.ID] = true

		o.bus.Publish(Event{
			Type: EventBackendSelected, Time: time.Now(),
			RequestID: requestID, Model: req.Model, Category: cat,
			Pipeline: entry.ID, Provider: string(entry.ProviderType), Attempt: attempt,
		})

		res, err := o.dispatch(ctx, requestID, cat, req, entry, lease)
		if err == nil {
			res.RequestID = requestID
			res.Category = cat
			res.Pipeline = entry.ID
			return res, nil
		}

		lastErr = err
		if errors.Is(err, upstream.ErrCredential) {
			o.registry.MarkCredentialFailure(entry.ID)
		}
		if !o.shouldFailover(err) || attempt == o.maxAttempts {
			o.publishError(requestID, cat, entry.ID, err)
			return nil, err
		}
		o.logger.Warn("Backend attempt failed, trying next",
			zap.String("request_id", requestID),
			zap.String("pipeline", entry.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	o.publishError(requestID, cat, "", lastErr)
	return nil, lastErr
}

// shouldFailover decides whether an error justifies trying another
// pipeline. Client faults and cancellation never do; neither do mid-stream
// failures, which dispatch reports as terminal.
func (o *Orchestrator) shouldFailover(err error) bool {
	switch gwerrors.KindOf(err) {
	case gwerrors.KindBackendTransient, gwerrors.KindBackendPermanent,
		gwerrors.KindUpstreamTimeout, gwerrors.KindCapacityExhausted:
		return true
	default:
		return false
	}
}

// dispatch performs one attempt against a leased pipeline. On error the
// lease is always released before returning.
func (o *Orchestrator) dispatch(ctx context.Context, requestID string, cat routing.Category, req *entity.Request, entry *routing.PipelineEntry, lease *routing.Lease) (*Result, error) {
	codec, err := upstream.ForEntry(entry)
	if err != nil {
		lease.Release(routing.Outcome{Err: err})
		return nil, err
	}

	creq := ApplyCompat(req, entry)
	upStream := ResolveStream(req.Stream, entry.Hints.ForceStream)

	enc, err := codec.EncodeRequest(creq, entry, upStream)
	if err != nil {
		lease.Release(routing.Outcome{Err: err})
		return nil, err
	}
	if enc.Stream {
		upStream = true // some providers only stream
	}

	o.bus.Publish(Event{
		Type: EventUpstreamBegin, Time: time.Now(),
		RequestID: requestID, Category: cat, Pipeline: entry.ID,
		Provider: string(entry.ProviderType), Stream: upStream,
	})

	switch {
	case req.Stream && upStream:
		return o.dispatchStream(ctx, requestID, entry, lease, codec, enc)
	case req.Stream && !upStream:
		resp, err := o.callJSON(ctx, requestID, entry, lease, codec, enc)
		if err != nil {
			return nil, err
		}
		return &Result{Stream: replayEvents(entity.SynthesizeEvents(resp))}, nil
	case !req.Stream && upStream:
		resp, err := o.collectStream(ctx, requestID, entry, lease, codec, enc)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp}, nil
	default:
		resp, err := o.callJSON(ctx, requestID, entry, lease, codec, enc)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp}, nil
	}
}

// callJSON performs the non-streaming call and decodes the body.
func (o *Orchestrator) callJSON(ctx context.Context, requestID string, entry *routing.PipelineEntry, lease *routing.Lease, codec upstream.Codec, enc *upstream.EncodedRequest) (*entity.Response, error) {
	body, err := o.client.DoJSON(ctx, entry, enc)
	if err != nil {
		lease.Release(outcomeFor(err))
		return nil, err
	}
	resp, err := codec.DecodeResponse(body, entry)
	if err != nil {
		lease.Release(outcomeFor(err))
		return nil, err
	}
	lease.Release(routing.Outcome{})

	o.bus.Publish(Event{
		Type: EventUpstreamEnd, Time: time.Now(),
		RequestID: requestID, Pipeline: entry.ID,
		LatencyMs:    float64(time.Since(lease.Start())) / float64(time.Millisecond),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		StopReason:   resp.StopReason,
	})
	return resp, nil
}

// dispatchStream opens the upstream stream and hands it to the stream
// engine. The lease is released when the upstream read finishes, not when
// the caller drains the last event.
func (o *Orchestrator) dispatchStream(ctx context.Context, requestID string, entry *routing.PipelineEntry, lease *routing.Lease, codec upstream.Codec, enc *upstream.EncodedRequest) (*Result, error) {
	body, err := o.client.DoStream(ctx, entry, enc)
	if err != nil {
		lease.Release(outcomeFor(err))
		return nil, err
	}

	events, errs := o.runEngine(ctx, requestID, entry, lease, codec, body)
	return &Result{Stream: &StreamResult{Events: events, Errs: errs}}, nil
}

// collectStream drains a forced upstream stream and assembles the complete
// message for a non-streaming caller.
func (o *Orchestrator) collectStream(ctx context.Context, requestID string, entry *routing.PipelineEntry, lease *routing.Lease, codec upstream.Codec, enc *upstream.EncodedRequest) (*entity.Response, error) {
	body, err := o.client.DoStream(ctx, entry, enc)
	if err != nil {
		lease.Release(outcomeFor(err))
		return nil, err
	}

	events, errs := o.runEngine(ctx, requestID, entry, lease, codec, body)
	var collected []entity.StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return entity.AssembleResponse(collected), nil
}

// runEngine starts the stream engine over the upstream body. The decode
// closure owns the body and the lease: both are settled exactly once when
// the upstream read ends, however it ends.
func (o *Orchestrator) runEngine(ctx context.Context, requestID string, entry *routing.PipelineEntry, lease *routing.Lease, codec upstream.Codec, body io.ReadCloser) (<-chan entity.StreamEvent, <-chan error) {
	engine := sse.NewEngine(sse.Config{BufferToolCalls: entry.Hints.BufferToolCalls}, o.logger)

	decode := func(emit func(entity.StreamEvent) error) error {
		defer body.Close()

		n := 0
		counted := func(ev entity.StreamEvent) error {
			n++
			if n == 1 {
				o.bus.Publish(Event{
					Type: EventUpstreamChunk, Time: time.Now(),
					RequestID: requestID, Pipeline: entry.ID,
					LatencyMs: float64(time.Since(lease.Start())) / float64(time.Millisecond),
				})
			}
			return emit(ev)
		}

		err := codec.DecodeStream(ctx, body, counted)
		lease.Release(outcomeFor(err))

		o.bus.Publish(Event{
			Type: EventUpstreamEnd, Time: time.Now(),
			RequestID: requestID, Pipeline: entry.ID,
			LatencyMs: float64(time.Since(lease.Start())) / float64(time.Millisecond),
			Error:     errString(err),
			ErrorKind: errKind(err),
		})
		return err
	}

	return engine.Run(ctx, decode)
}

// replayEvents serves an already complete event sequence through the
// streaming result shape.
func replayEvents(events []entity.StreamEvent) *StreamResult {
	ch := make(chan entity.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	errs := make(chan error)
	close(errs)
	return &StreamResult{Events: ch, Errs: errs}
}

// outcomeFor translates an attempt error into the lease outcome.
func outcomeFor(err error) routing.Outcome {
	if err == nil {
		return routing.Outcome{}
	}
	if gwerrors.IsCanceled(err) {
		return routing.Outcome{Err: err, Canceled: true}
	}
	return routing.Outcome{Err: err}
}

func (o *Orchestrator) publishError(requestID string, cat routing.Category, pipeline string, err error) {
	o.bus.Publish(Event{
		Type: EventError, Time: time.Now(),
		RequestID: requestID, Category: cat, Pipeline: pipeline,
		Error: errString(err), ErrorKind: errKind(err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errKind(err error) string {
	if err == nil {
		return ""
	}
	return string(gwerrors.KindOf(err))
}
