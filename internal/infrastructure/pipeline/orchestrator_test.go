package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/credentials"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	"github.com/modelgate/modelgate/internal/infrastructure/upstream"
	_ "github.com/modelgate/modelgate/internal/infrastructure/upstream/anthropic"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

func orchestratorEntry(provider, url string, hints routing.CompatibilityHints) *routing.PipelineEntry {
	e := &routing.PipelineEntry{
		ProviderID:    provider,
		ProviderType:  routing.ProviderAnthropic,
		EndpointURL:   url,
		UpstreamModel: "m",
		Hints:         hints,
	}
	e.Normalize()
	return e
}

func newOrchestrator(t *testing.T, entries ...*routing.PipelineEntry) *Orchestrator {
	t.Helper()
	holder := routing.NewHolder(&routing.Table{
		Categories: map[routing.Category]*routing.CategoryRoute{
			routing.CategoryDefault: {Entries: entries, Strategy: routing.StrategyRoundRobin},
		},
		DefaultCategory: routing.CategoryDefault,
		BuiltAt:         time.Now(),
	})
	registry := routing.NewRegistry(holder, routing.RegistryConfig{}, zap.NewNop())
	balancer := routing.NewBalancer(registry, routing.NewStickyStore(0), zap.NewNop())
	classifier := routing.NewClassifier(routing.ClassifierConfig{}, nil)
	client := upstream.NewClient(upstream.ClientConfig{RetryBaseWait: time.Millisecond}, credentials.NewStore(), zap.NewNop())

	return NewOrchestrator(Config{
		Holder:     holder,
		Registry:   registry,
		Balancer:   balancer,
		Classifier: classifier,
		Client:     client,
	}, zap.NewNop())
}

const messageBody = `{
	"id": "msg_01",
	"type": "message",
	"role": "assistant",
	"model": "m",
	"content": [{"type": "text", "text": "hello"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 3, "output_tokens": 4}
}`

func messageStream() string {
	return strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")
}

func jsonServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(messageBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drainStream(t *testing.T, sr *StreamResult) (*entity.Response, error) {
	t.Helper()
	var events []entity.StreamEvent
	for ev := range sr.Events {
		events = append(events, ev)
	}
	if err := <-sr.Errs; err != nil {
		return nil, err
	}
	return entity.AssembleResponse(events), nil
}

func TestHandleNonStream(t *testing.T) {
	srv := jsonServer(t, nil)
	o := newOrchestrator(t, orchestratorEntry("a", srv.URL, routing.CompatibilityHints{}))

	res, err := o.Handle(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.RequestID == "" || res.Pipeline != "a/m" {
		t.Errorf("result identity = %+v", res)
	}
	if res.Response == nil || res.Response.TextContent() != "hello" {
		t.Errorf("response = %+v", res.Response)
	}
	if res.Stream != nil {
		t.Error("non-streaming caller got a stream result")
	}
}

func TestHandleFailoverOnTransient(t *testing.T) {
	var aHits, bHits atomic.Int64
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aHits.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)
	good := jsonServer(t, &bHits)

	o := newOrchestrator(t,
		orchestratorEntry("a", bad.URL, routing.CompatibilityHints{}),
		orchestratorEntry("b", good.URL, routing.CompatibilityHints{}),
	)

	res, err := o.Handle(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Pipeline != "b/m" {
		t.Errorf("pipeline = %q, want b/m", res.Pipeline)
	}
	if aHits.Load() != 1 || bHits.Load() != 1 {
		t.Errorf("hits = a:%d b:%d, want one each", aHits.Load(), bHits.Load())
	}
}

func TestHandleClientFaultNoFailover(t *testing.T) {
	var bHits atomic.Int64
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad tool schema"}}`))
	}))
	t.Cleanup(bad.Close)
	good := jsonServer(t, &bHits)

	o := newOrchestrator(t,
		orchestratorEntry("a", bad.URL, routing.CompatibilityHints{}),
		orchestratorEntry("b", good.URL, routing.CompatibilityHints{}),
	)

	_, err := o.Handle(context.Background(), validRequest())
	if gwerrors.KindOf(err) != gwerrors.KindClientFault {
		t.Fatalf("err = %v, want client fault", err)
	}
	if bHits.Load() != 0 {
		t.Errorf("second backend was tried %d times after a client fault", bHits.Load())
	}
}

func TestHandleValidationShortCircuit(t *testing.T) {
	var hits atomic.Int64
	srv := jsonServer(t, &hits)
	o := newOrchestrator(t, orchestratorEntry("a", srv.URL, routing.CompatibilityHints{}))

	_, err := o.Handle(context.Background(), &entity.Request{Model: "m"})
	if gwerrors.KindOf(err) != gwerrors.KindClientFault {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() != 0 {
		t.Error("invalid request reached the backend")
	}
}

func TestHandleNoRouteForCategory(t *testing.T) {
	o := newOrchestrator(t)
	_, err := o.Handle(context.Background(), validRequest())
	if gwerrors.KindOf(err) != gwerrors.KindNoBackendAvailable {
		t.Fatalf("err = %v", err)
	}
}

func TestHandleStreamPassthrough(t *testing.T) {
	srv := sseServer(t, messageStream())
	o := newOrchestrator(t, orchestratorEntry("a", srv.URL, routing.CompatibilityHints{}))

	req := validRequest()
	req.Stream = true
	res, err := o.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stream == nil {
		t.Fatal("streaming caller got no stream result")
	}

	resp, err := drainStream(t, res.Stream)
	if err != nil {
		t.Fatal(err)
	}
	if resp.TextContent() != "hello" || resp.StopReason != entity.StopEndTurn {
		t.Errorf("assembled = %+v", resp)
	}
}

func TestHandleStreamSynthesizedFromJSON(t *testing.T) {
	srv := jsonServer(t, nil)
	o := newOrchestrator(t, orchestratorEntry("a", srv.URL, routing.CompatibilityHints{
		ForceStream: routing.ForceStreamOff,
	}))

	req := validRequest()
	req.Stream = true
	res, err := o.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stream == nil {
		t.Fatal("streaming caller got no stream result")
	}

	resp, err := drainStream(t, res.Stream)
	if err != nil {
		t.Fatal(err)
	}
	if resp.TextContent() != "hello" {
		t.Errorf("synthesized text = %q", resp.TextContent())
	}
}

func TestHandleCollectForcedStream(t *testing.T) {
	srv := sseServer(t, messageStream())
	o := newOrchestrator(t, orchestratorEntry("a", srv.URL, routing.CompatibilityHints{
		ForceStream: routing.ForceStreamOn,
	}))

	res, err := o.Handle(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Response == nil {
		t.Fatal("non-streaming caller got no response")
	}
	if res.Response.TextContent() != "hello" || res.Response.Usage.OutputTokens != 4 {
		t.Errorf("collected = %+v", res.Response)
	}
}

func TestHandleMidStreamErrorIsTerminal(t *testing.T) {
	raw := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":1,"output_tokens":0}}}`,
		``,
		`event: error`,
		`data: {"type":"error","error":{"type":"overloaded_error","message":"upstream gave up"}}`,
		``,
	}, "\n")
	srv := sseServer(t, raw)
	o := newOrchestrator(t, orchestratorEntry("a", srv.URL, routing.CompatibilityHints{}))

	req := validRequest()
	req.Stream = true
	res, err := o.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	_, err = drainStream(t, res.Stream)
	if gwerrors.KindOf(err) != gwerrors.KindBackendTransient {
		t.Fatalf("terminal err = %v", err)
	}
	if !strings.Contains(err.Error(), "upstream gave up") {
		t.Errorf("upstream message lost: %v", err)
	}
}
