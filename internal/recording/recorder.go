// Package recording captures raw session output in asciicast v2 format,
// for diagnosing transcript mismatches after the fact.
// See: https://docs.asciinema.org/manual/asciicast/v2/
package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Time, e.Type, e.Data})
}

// Recorder writes one session's raw output to a .cast file. It
// implements io.Writer so it can be teed into a transport.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	startTime time.Time
	closed    bool
	failed    bool
}

// New creates a recorder under dir, named after the session.
func New(dir, session string, width, height int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.cast", session, time.Now().Format("20060102_150405"))
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	r := &Recorder{file: file, startTime: time.Now()}

	header := Header{
		Version:   2,
		Width:     width,
		Height:    height,
		Timestamp: r.startTime.Unix(),
		Title:     fmt.Sprintf("replcheck session %s", session),
		Env:       map[string]string{"TERM": "dumb"},
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(headerJSON, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	return r, nil
}

// Path returns the recording file path.
func (r *Recorder) Path() string {
	return r.file.Name()
}

// Write appends an output event. Implements io.Writer; errors are
// swallowed after marking the recorder failed so a full disk cannot
// fail a verification run. The file stays open for Close to release.
func (r *Recorder) Write(data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.failed {
		return len(data), nil
	}

	event := Event{
		Time: time.Since(r.startTime).Seconds(),
		Type: "o",
		Data: string(data),
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return len(data), nil
	}
	if _, err := r.file.Write(append(eventJSON, '\n')); err != nil {
		r.failed = true
	}
	return len(data), nil
}

// Close flushes and closes the recording file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
