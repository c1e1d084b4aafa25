package routing

import (
	"fmt"
	"testing"
	"time"
)

func TestStickyBindAndLookup(t *testing.T) {
	s := NewStickyStore(10)
	s.Bind("sess", "p/a", time.Minute)

	id, ok := s.Lookup("sess")
	if !ok || id != "p/a" {
		t.Fatalf("Lookup = %q, %v", id, ok)
	}
	if _, ok := s.Lookup("other"); ok {
		t.Error("unknown session resolved")
	}
	if _, ok := s.Lookup(""); ok {
		t.Error("empty session resolved")
	}
}

func TestStickyExpiry(t *testing.T) {
	s := NewStickyStore(10)
	s.Bind("sess", "p/a", 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if _, ok := s.Lookup("sess"); ok {
		t.Error("expired binding resolved")
	}
	if s.Len() != 0 {
		t.Error("expired binding not swept on lookup")
	}
}

func TestStickyZeroTTLIgnored(t *testing.T) {
	s := NewStickyStore(10)
	s.Bind("sess", "p/a", 0)
	if s.Len() != 0 {
		t.Error("zero-TTL binding stored")
	}
}

func TestStickyCapacityEvictsLRU(t *testing.T) {
	s := NewStickyStore(3)
	for i := 0; i < 3; i++ {
		s.Bind(fmt.Sprintf("sess-%d", i), "p/a", time.Minute)
		time.Sleep(time.Millisecond)
	}
	// Touch sess-0 so sess-1 becomes the LRU.
	s.Lookup("sess-0")
	s.Bind("sess-3", "p/a", time.Minute)

	if _, ok := s.Lookup("sess-1"); ok {
		t.Error("LRU binding survived eviction")
	}
	if _, ok := s.Lookup("sess-0"); !ok {
		t.Error("recently used binding evicted")
	}
	if _, ok := s.Lookup("sess-3"); !ok {
		t.Error("new binding missing")
	}
}
