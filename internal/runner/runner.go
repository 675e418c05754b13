// Package runner verifies all REPL sessions of a document: it parses the
// file, builds the sessions, drives each one against a live process and
// collects per-block updates and per-session failures.
package runner

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acolita/replcheck/internal/config"
	"github.com/acolita/replcheck/internal/document"
	"github.com/acolita/replcheck/internal/ports"
	"github.com/acolita/replcheck/internal/pty"
	"github.com/acolita/replcheck/internal/recording"
	"github.com/acolita/replcheck/internal/session"
	"github.com/acolita/replcheck/internal/ssh"
)

// Runner verifies documents.
type Runner struct {
	cfg *config.Config

	// Spawner, when set, replaces transport selection for every session.
	// Tests use it to inject scripted transports.
	Spawner ports.Spawner
}

// New creates a runner.
func New(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg}
}

// SessionFailure is one failed session of a file.
type SessionFailure struct {
	Session string
	Err     error
}

// FileReport is the outcome of verifying one document. Updates maps
// document block indexes to replacement body text for blocks that
// diverged; it is only applied when every session passed.
type FileReport struct {
	Path     string
	Sessions int
	Updates  map[int]string
	Failures []SessionFailure

	file *document.File
}

// OK reports whether every session of the file verified.
func (rep *FileReport) OK() bool {
	return len(rep.Failures) == 0
}

// Changed reports whether any block needs rewriting.
func (rep *FileReport) Changed() bool {
	return len(rep.Updates) > 0
}

// Render returns the document bytes with all updates applied.
func (rep *FileReport) Render() []byte {
	return rep.file.Apply(rep.Updates)
}

// CheckFile verifies every session in the document at path. Sessions run
// concurrently; each failure is confined to its own session. The error
// return covers fatal problems only: unreadable files and configuration
// errors in the document.
func (r *Runner) CheckFile(path string) (*FileReport, error) {
	f, err := document.Load(path)
	if err != nil {
		return nil, err
	}

	sessions, err := session.Build(f.Blocks)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	rep := &FileReport{
		Path:     path,
		Sessions: len(sessions),
		Updates:  map[int]string{},
		file:     f,
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(func() error {
			results, err := r.runSession(sess)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failures = append(rep.Failures, SessionFailure{Session: sess.Name, Err: err})
				return nil
			}
			for _, res := range results {
				if res.Updated {
					rep.Updates[res.DocIndex] = res.Text
				}
			}
			return nil
		})
	}
	g.Wait()

	slog.Info("file checked",
		slog.String("path", path),
		slog.Int("sessions", rep.Sessions),
		slog.Int("updates", len(rep.Updates)),
		slog.Int("failures", len(rep.Failures)),
	)
	return rep, nil
}

func (r *Runner) runSession(sess *session.Session) ([]session.BlockResult, error) {
	var record io.Writer
	if r.cfg.Recording.Enabled {
		rec, err := recording.New(r.cfg.Recording.Path, sess.Name, 120, 24)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", sess.Name, err)
		}
		defer rec.Close()
		record = rec
		slog.Debug("recording session",
			slog.String("session", sess.Name),
			slog.String("path", rec.Path()),
		)
	}

	spawner, err := r.spawnerFor(sess, record)
	if err != nil {
		return nil, err
	}

	d := session.NewDriver(spawner, time.Duration(r.cfg.Timeout))
	return d.Run(sess)
}

// spawnerFor picks the transport: the injected one, the configured SSH
// server named by the session, or a local PTY.
func (r *Runner) spawnerFor(sess *session.Session, record io.Writer) (ports.Spawner, error) {
	if r.Spawner != nil {
		return r.Spawner, nil
	}
	if sess.Server != "" {
		srv, ok := r.cfg.Server(sess.Server)
		if !ok {
			return nil, fmt.Errorf("session %s: unknown server %q", sess.Name, sess.Server)
		}
		spawner := ssh.NewSpawner(srv)
		spawner.Record = record
		return spawner, nil
	}
	opts := pty.DefaultOptions()
	opts.Record = record
	return pty.NewSpawner(opts), nil
}

// WriteUpdates applies the report's updates back onto the file.
func WriteUpdates(rep *FileReport) error {
	if !rep.Changed() {
		return nil
	}
	info, err := os.Stat(rep.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rep.Path, err)
	}
	if err := os.WriteFile(rep.Path, rep.Render(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write %s: %w", rep.Path, err)
	}
	slog.Info("document updated",
		slog.String("path", rep.Path),
		slog.Int("blocks", len(rep.Updates)),
	)
	return nil
}
