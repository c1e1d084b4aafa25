package sse

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestScannerFrames(t *testing.T) {
	raw := "event: message_start\ndata: {\"a\":1}\n\n" +
		": keepalive\n\n" +
		"data: {\"b\":2}\n\n"
	sc := NewScanner(strings.NewReader(raw), time.Second)

	f, err := sc.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Event != "message_start" || f.Data != `{"a":1}` {
		t.Errorf("frame = %+v", f)
	}

	f, err = sc.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Event != "" || f.Data != `{"b":2}` {
		t.Errorf("frame = %+v", f)
	}

	if _, err := sc.Next(); err != io.EOF {
		t.Errorf("want io.EOF, got %v", err)
	}
}

func TestScannerMultiLineData(t *testing.T) {
	raw := "data: line1\ndata: line2\n\n"
	sc := NewScanner(strings.NewReader(raw), time.Second)
	f, err := sc.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Data != "line1\nline2" {
		t.Errorf("data = %q", f.Data)
	}
}

func TestScannerUnterminatedFrame(t *testing.T) {
	// A final frame without the trailing blank line is still delivered.
	sc := NewScanner(strings.NewReader("data: tail"), time.Second)
	f, err := sc.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Data != "tail" {
		t.Errorf("data = %q", f.Data)
	}
	if _, err := sc.Next(); err != io.EOF {
		t.Errorf("want io.EOF, got %v", err)
	}
}

type stallReader struct{}

func (stallReader) Read([]byte) (int, error) {
	time.Sleep(time.Hour)
	return 0, io.EOF
}

func TestScannerIdleTimeout(t *testing.T) {
	sc := NewScanner(stallReader{}, 10*time.Millisecond)
	_, err := sc.Next()
	if !IsIdleTimeout(err) {
		t.Fatalf("want idle timeout, got %v", err)
	}
}
