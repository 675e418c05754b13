package recording

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestRecorder_WritesHeaderAndEvents(t *testing.T) {
	dir := t.TempDir()

	r, err := New(dir, "sh", 120, 24)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := r.Write([]byte("$ echo hi\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := r.Write([]byte("hi\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(r.Path())
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("recording is empty")
	}

	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		t.Fatalf("header is not JSON: %v", err)
	}
	if header.Version != 2 || header.Width != 120 || header.Height != 24 {
		t.Errorf("header = %+v", header)
	}
	if !strings.Contains(header.Title, "sh") {
		t.Errorf("header title = %q", header.Title)
	}

	events := 0
	for scanner.Scan() {
		var raw []any
		if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
			t.Fatalf("event is not JSON: %v", err)
		}
		if len(raw) != 3 || raw[1] != "o" {
			t.Errorf("event = %v", raw)
		}
		events++
	}
	if events != 2 {
		t.Errorf("got %d events, want 2", events)
	}
}

func TestRecorder_WriteAfterClose(t *testing.T) {
	r, err := New(t.TempDir(), "sh", 80, 24)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n, err := r.Write([]byte("late")); err != nil || n != 4 {
		t.Errorf("Write() after close = (%d, %v), want (4, nil)", n, err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestRecorder_WriteFailureStillReleasesFile(t *testing.T) {
	r, err := New(t.TempDir(), "sh", 80, 24)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Sabotage the descriptor so the next event write fails.
	r.file.Close()

	if n, err := r.Write([]byte("data")); err != nil || n != 4 {
		t.Errorf("Write() = (%d, %v), want (4, nil)", n, err)
	}
	// Close must still close the file rather than returning early; the
	// already-closed error proves it reached the descriptor.
	if err := r.Close(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Close() error = %v, want %v", err, os.ErrClosed)
	}
}
