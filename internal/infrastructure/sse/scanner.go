package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	defaultIdleTimeout = 60 * time.Second
	maxLineBytes       = 1024 * 1024
)

// Frame is one server-sent event: an optional event name and the joined
// data payload.
type Frame struct {
	Event string
	Data  string
}

// Scanner reads SSE framing (`event:` / `data:` lines separated by blank
// lines) from an upstream byte stream. An idle timeout guards against
// stalled connections that never close.
type Scanner struct {
	s *bufio.Scanner
}

// NewScanner wraps a reader in an SSE frame scanner. idleTimeout <= 0 uses
// the default.
func NewScanner(r io.Reader, idleTimeout time.Duration) *Scanner {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	s := bufio.NewScanner(&timedReader{r: r, timeout: idleTimeout})
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Scanner{s: s}
}

// Next returns the next complete frame. io.EOF signals a clean end of
// stream; any other error is a transport problem.
func (sc *Scanner) Next() (*Frame, error) {
	var frame Frame
	var data []string
	started := false

	for sc.s.Scan() {
		line := sc.s.Text()

		if line == "" {
			if started {
				frame.Data = strings.Join(data, "\n")
				return &frame, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}
		if strings.HasPrefix(line, "event:") {
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			started = true
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			started = true
			continue
		}
		// Unknown field names are ignored per the SSE spec.
	}

	if err := sc.s.Err(); err != nil {
		return nil, err
	}
	if started {
		frame.Data = strings.Join(data, "\n")
		return &frame, nil
	}
	return nil, io.EOF
}

// --- Idle timeout support ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

// IsIdleTimeout checks whether an error is the idle-timeout sentinel.
func IsIdleTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}

// timedReader wraps an io.Reader and applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}
