package sse

import (
	"fmt"
	"io"
	"net/http"

	"github.com/modelgate/modelgate/internal/domain/entity"
)

// Writer emits canonical stream events to the caller in Anthropic SSE
// framing. It flushes after every event so the client sees deltas as they
// arrive.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares a response writer for SSE and returns the event
// writer. Headers are written immediately.
func NewWriter(w http.ResponseWriter) *Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// WriteEvent writes one canonical event frame.
func (sw *Writer) WriteEvent(ev entity.StreamEvent) error {
	name, data, err := ev.Encode()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	sw.flush()
	return nil
}

// WriteNamed writes a frame with an explicit event name, for frames that
// are not canonical stream events (the terminal error frame).
func (sw *Writer) WriteNamed(name string, data []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	sw.flush()
	return nil
}

// WriteData writes a bare data frame (OpenAI-compatible chunk framing).
func (sw *Writer) WriteData(data []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.flush()
	return nil
}

// WriteDone terminates an OpenAI-compatible stream.
func (sw *Writer) WriteDone() error {
	if _, err := io.WriteString(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *Writer) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}
