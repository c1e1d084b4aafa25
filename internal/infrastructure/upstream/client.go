package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/credentials"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"go.uber.org/zap"
)

// ErrCredential marks a failure to resolve or apply a credential. The
// orchestrator reacts by marking the backend unhealthy and tripping its
// breaker immediately.
var ErrCredential = errors.New("credential failure")

// retryAfterBudget is the largest Retry-After a 429 may request before we
// give up on in-place retry and classify it as a backend failure.
const retryAfterBudget = 2 * time.Second

// ClientConfig tunes the shared upstream HTTP client.
type ClientConfig struct {
	RetryBaseWait time.Duration // base for exponential retry backoff
}

// Client issues upstream HTTP calls for every pipeline, under the caller's
// Lease. One client with one shared transport serves all providers.
type Client struct {
	http      *http.Client
	creds     *credentials.Store
	retryBase time.Duration
	logger    *zap.Logger
}

// NewClient builds the shared upstream client.
func NewClient(cfg ClientConfig, creds *credentials.Store, logger *zap.Logger) *Client {
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = 500 * time.Millisecond
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		http:      &http.Client{Transport: transport},
		creds:     creds,
		retryBase: cfg.RetryBaseWait,
		logger:    logger.With(zap.String("component", "upstream-client")),
	}
}

func (c *Client) newRequest(ctx context.Context, entry *routing.PipelineEntry, enc *EncodedRequest) (*http.Request, error) {
	url := strings.TrimRight(entry.EndpointURL, "/") + enc.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(enc.Body))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindTransformFault, "build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range enc.Header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if enc.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	cred, err := c.creds.Resolve(entry.CredentialRef)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindBackendPermanent, "resolve credential", fmt.Errorf("%w: %v", ErrCredential, err))
	}
	if err := cred.Apply(req); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindBackendPermanent, "apply credential", fmt.Errorf("%w: %v", ErrCredential, err))
	}
	return req, nil
}

// DoJSON performs a non-streaming call, reading the full body. Retryable
// network errors are retried in place with exponential backoff up to
// entry.MaxRetries; a 429 with Retry-After under the small budget sleeps
// and retries without consuming the network-retry budget.
func (c *Client) DoJSON(ctx context.Context, entry *routing.PipelineEntry, enc *EncodedRequest) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= entry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retryBase * time.Duration(1<<(attempt-1))
			c.logger.Debug("Retrying upstream call",
				zap.String("pipeline", entry.ID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return nil, classifyCtxErr(ctx.Err())
			case <-time.After(wait):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, entry.Timeout)
		body, err := c.doOnce(callCtx, entry, enc)
		cancel()
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !gwerrors.IsRetryable(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, entry *routing.PipelineEntry, enc *EncodedRequest) ([]byte, error) {
	req, err := c.newRequest(ctx, entry, enc)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindBackendTransient, "read upstream body", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if wait, ok := retryAfter(resp); ok && wait <= retryAfterBudget {
			select {
			case <-ctx.Done():
				return nil, classifyCtxErr(ctx.Err())
			case <-time.After(wait):
			}
			return c.doOnce(ctx, entry, enc)
		}
		return nil, gwerrors.Newf(gwerrors.KindBackendTransient, "upstream rate limited (429): %s", truncate(body, 200))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return body, nil
}

// DoStream performs a streaming call. Streaming responses are never retried
// mid-stream: one attempt, and the returned body is live.
func (c *Client) DoStream(ctx context.Context, entry *routing.PipelineEntry, enc *EncodedRequest) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, entry, enc)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// Probe issues the minimal health-check request against one pipeline.
func (c *Client) Probe(ctx context.Context, entry *routing.PipelineEntry) error {
	codec, err := ForEntry(entry)
	if err != nil {
		return err
	}

	probe := &entity.Request{
		Model:     entry.UpstreamModel,
		Messages:  []entity.Message{{Role: entity.RoleUser, Content: entity.Text("ping")}},
		MaxTokens: 1,
	}
	enc, err := codec.EncodeRequest(probe, entry, false)
	if err != nil {
		return err
	}
	_, err = c.doOnce(ctx, entry, enc)
	return err
}

// --- Error classification ---

func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return gwerrors.Wrap(gwerrors.KindCanceled, "upstream call canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerrors.Wrap(gwerrors.KindUpstreamTimeout, "upstream call timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.Wrap(gwerrors.KindUpstreamTimeout, "upstream call timed out", err)
	}
	return gwerrors.Wrap(gwerrors.KindBackendTransient, "upstream connection failed", err)
}

func classifyCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerrors.Wrap(gwerrors.KindUpstreamTimeout, "deadline exceeded", err)
	}
	return gwerrors.Wrap(gwerrors.KindCanceled, "request canceled", err)
}

// classifyStatus maps a non-200 upstream status to the error taxonomy.
// A 4xx with a well-formed error body naming a request problem is the
// caller's fault and never counts against the backend.
func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusRequestTimeout:
		return gwerrors.Newf(gwerrors.KindBackendTransient, "upstream 408: %s", truncate(body, 200))
	case status >= 500:
		return gwerrors.Newf(gwerrors.KindBackendTransient, "upstream %d: %s", status, truncate(body, 200))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ge := gwerrors.Newf(gwerrors.KindBackendPermanent, "upstream auth rejected (%d): %s", status, truncate(body, 200))
		ge.Status = status
		return ge
	case status >= 400:
		if isClientFaultBody(body) {
			return gwerrors.Newf(gwerrors.KindClientFault, "upstream rejected request (%d): %s", status, truncate(body, 400))
		}
		return gwerrors.Newf(gwerrors.KindBackendPermanent, "upstream %d: %s", status, truncate(body, 200))
	default:
		return gwerrors.Newf(gwerrors.KindBackendTransient, "unexpected upstream status %d", status)
	}
}

// isClientFaultBody recognizes the common provider error shapes that
// indicate a malformed request rather than a broken backend.
func isClientFaultBody(body []byte) bool {
	var wire struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return false
	}
	switch wire.Error.Type {
	case "invalid_request_error", "invalid_argument", "INVALID_ARGUMENT", "ValidationException":
		return true
	}
	return false
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t), true
	}
	return 0, false
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
