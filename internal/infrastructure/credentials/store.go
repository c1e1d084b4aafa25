package credentials

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Credential produces the current auth material for an upstream request on
// demand. The pipeline never caches token contents across requests; a
// refreshing credential re-reads its source on every Apply.
type Credential interface {
	// Apply attaches the credential to the outgoing request (header or
	// query parameter, provider-dependent).
	Apply(req *http.Request) error
}

// APIKey sends a static key in a named header.
type APIKey struct {
	Header string // e.g. "x-api-key"
	Value  string
}

func (k *APIKey) Apply(req *http.Request) error {
	if k.Value == "" {
		return fmt.Errorf("api key for header %q is empty", k.Header)
	}
	req.Header.Set(k.Header, k.Value)
	return nil
}

// Bearer sends "Authorization: Bearer <token>".
type Bearer struct {
	Token string
}

func (b *Bearer) Apply(req *http.Request) error {
	if b.Token == "" {
		return fmt.Errorf("bearer token is empty")
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}

// QueryKey sends the key as a URL query parameter (Gemini style).
type QueryKey struct {
	Param string // e.g. "key"
	Value string
}

func (q *QueryKey) Apply(req *http.Request) error {
	if q.Value == "" {
		return fmt.Errorf("query key %q is empty", q.Param)
	}
	vals := req.URL.Query()
	vals.Set(q.Param, q.Value)
	req.URL.RawQuery = vals.Encode()
	return nil
}

// TokenFunc adapts a refreshing token source (OAuth/SSO) into a bearer
// credential. The function is called per request so rotation is picked up
// immediately.
type TokenFunc func(ctx context.Context) (string, error)

type refreshing struct {
	fetch TokenFunc
}

// NewRefreshing wraps a token source as a Credential.
func NewRefreshing(fetch TokenFunc) Credential {
	return &refreshing{fetch: fetch}
}

func (r *refreshing) Apply(req *http.Request) error {
	token, err := r.fetch(req.Context())
	if err != nil {
		return fmt.Errorf("token source: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Store resolves credential refs from the routing table to concrete
// credentials. Registration happens at startup; resolution is read-only.
type Store struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{creds: make(map[string]Credential)}
}

// Register installs a credential under a ref.
func (s *Store) Register(ref string, c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[ref] = c
}

// Resolve returns the credential for a ref. An empty ref resolves to a
// no-op credential (local upstreams without auth).
func (s *Store) Resolve(ref string) (Credential, error) {
	if ref == "" {
		return noop{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[ref]
	if !ok {
		return nil, fmt.Errorf("unknown credential ref %q", ref)
	}
	return c, nil
}

type noop struct{}

func (noop) Apply(*http.Request) error { return nil }
