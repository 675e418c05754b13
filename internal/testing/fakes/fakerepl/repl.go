// Package fakerepl provides a scripted transport for testing session
// logic without real terminals.
package fakerepl

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/acolita/replcheck/internal/ports"
)

// Handle is a fake process handle. Each ReadUntil call consumes the next
// queued chunk of raw output and matches the prompt regexp against it.
type Handle struct {
	mu      sync.Mutex
	chunks  []string
	idx     int
	sent    []string
	closed  bool
	sendErr error
}

// NewHandle creates a fake handle.
func NewHandle() *Handle {
	return &Handle{}
}

// AddOutput queues raw output chunks, one per ReadUntil call.
func (h *Handle) AddOutput(chunks ...string) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks = append(h.chunks, chunks...)
	return h
}

// FailSends makes SendLine return err.
func (h *Handle) FailSends(err error) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
	return h
}

// ReadUntil implements ports.Handle. Running out of queued chunks or a
// chunk without a prompt match behaves like a timeout.
func (h *Handle) ReadUntil(re *regexp.Regexp) (string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.idx >= len(h.chunks) {
		return "", "", fmt.Errorf("timeout after %s waiting for %s", time.Duration(0), re)
	}
	chunk := h.chunks[h.idx]
	h.idx++

	loc := re.FindStringIndex(chunk)
	if loc == nil {
		return "", "", fmt.Errorf("timeout: no match for %s in %q", re, chunk)
	}
	return chunk[:loc[0]], chunk[loc[0]:loc[1]], nil
}

// SendLine implements ports.Handle.
func (h *Handle) SendLine(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, text)
	return nil
}

// Close implements ports.Handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Sent returns every line sent so far.
func (h *Handle) Sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Spawner hands out fake handles keyed by command, or a single handle
// for every spawn.
type Spawner struct {
	mu       sync.Mutex
	handle   *Handle
	byCmd    map[string]*Handle
	err      error
	commands []string
	timeout  time.Duration
}

// NewSpawner creates a spawner returning handle for every command.
func NewSpawner(handle *Handle) *Spawner {
	return &Spawner{handle: handle}
}

// NewSpawnerMap creates a spawner with one handle per command.
func NewSpawnerMap(byCmd map[string]*Handle) *Spawner {
	return &Spawner{byCmd: byCmd}
}

// Fail makes Spawn return err.
func (s *Spawner) Fail(err error) *Spawner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Spawn implements ports.Spawner.
func (s *Spawner) Spawn(command string, timeout time.Duration) (ports.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	s.timeout = timeout
	if s.err != nil {
		return nil, s.err
	}
	if s.byCmd != nil {
		h, ok := s.byCmd[command]
		if !ok {
			return nil, fmt.Errorf("no fake handle for command %q", command)
		}
		return h, nil
	}
	return s.handle, nil
}

// Commands returns every spawned command.
func (s *Spawner) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}
