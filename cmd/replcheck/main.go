// replcheck verifies REPL transcripts embedded in Markdown documents by
// replaying them against the real programs, and optionally rewrites the
// documents with freshly captured output.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/huh"

	"github.com/acolita/replcheck/internal/config"
	"github.com/acolita/replcheck/internal/logging"
	"github.com/acolita/replcheck/internal/runner"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  string
		update      bool
		yes         bool
		watch       bool
		timeout     time.Duration
		recordDir   string
		debug       bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&update, "update", false, "Rewrite documents with captured output")
	flag.BoolVar(&yes, "yes", false, "Apply updates without asking")
	flag.BoolVar(&watch, "watch", false, "Re-verify documents when they change")
	flag.DurationVar(&timeout, "timeout", 0, "Prompt wait timeout (overrides config)")
	flag.StringVar(&recordDir, "record", "", "Record raw session output to this directory")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("replcheck version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: replcheck [flags] <document glob>...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if timeout > 0 {
		cfg.Timeout = config.Duration(timeout)
	}
	if recordDir != "" {
		cfg.Recording.Enabled = true
		cfg.Recording.Path = recordDir
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	files, err := expandGlobs(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "No documents matched.")
		os.Exit(1)
	}

	r := runner.New(cfg)

	failed := false
	for _, path := range files {
		if !checkOne(r, path, update, yes) {
			failed = true
		}
	}

	if watch {
		watchLoop(r, files, update, yes)
		return
	}

	if failed {
		os.Exit(1)
	}
}

// checkOne verifies one document and applies updates when asked.
// It returns false when any session failed.
func checkOne(r *runner.Runner, path string, update, yes bool) bool {
	rep, err := r.CheckFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return false
	}

	for _, f := range rep.Failures {
		fmt.Fprintf(os.Stderr, "%s: FAIL %v\n", path, f.Err)
	}
	if !rep.OK() {
		return false
	}

	switch {
	case !rep.Changed():
		fmt.Printf("%s: ok (%d sessions)\n", path, rep.Sessions)
	case !update:
		fmt.Printf("%s: ok, %d block(s) out of date (run with -update)\n", path, len(rep.Updates))
	default:
		if !yes && !confirmUpdate(path, len(rep.Updates)) {
			fmt.Printf("%s: updates skipped\n", path)
			return true
		}
		if err := runner.WriteUpdates(rep); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			return false
		}
		fmt.Printf("%s: updated %d block(s)\n", path, len(rep.Updates))
	}
	return true
}

// confirmUpdate asks before rewriting a document.
func confirmUpdate(path string, blocks int) bool {
	apply := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Apply %d block update(s) to %s?", blocks, path)).
			Value(&apply),
	))
	if err := form.Run(); err != nil {
		slog.Warn("confirmation unavailable, skipping updates",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return false
	}
	return apply
}

// watchLoop re-verifies documents as they change until interrupted.
func watchLoop(r *runner.Runner, files []string, update, yes bool) {
	changed := make(chan string, 16)
	w, err := runner.NewWatcher(files, func(path string) {
		changed <- path
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	slog.Info("watching documents", slog.Int("count", len(files)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case path := <-changed:
			checkOne(r, path, update, yes)
		case sig := <-sigCh:
			slog.Info("shutting down", slog.String("signal", sig.String()))
			return
		}
	}
}

// expandGlobs resolves doublestar patterns to a sorted, deduplicated
// file list. A pattern with no matches is an error; a plain existing
// path passes through.
func expandGlobs(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no documents match %q", p)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}
