// Package ssh runs REPL sessions on remote hosts. A session block
// selects a configured server with the server attribute; the command is
// started on a remote PTY and driven through the same read-until-prompt
// contract as local sessions.
package ssh

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/acolita/replcheck/internal/config"
	"github.com/acolita/replcheck/internal/ports"
)

// KeyringService is the service name used for keyring entries holding
// private key passphrases, keyed by key path.
const KeyringService = "replcheck"

// ErrTimeout is returned by ReadUntil when the prompt does not appear in
// time.
var ErrTimeout = errors.New("timeout waiting for prompt")

// Spawner starts commands on a remote PTY over SSH.
type Spawner struct {
	server config.ServerConfig

	// Record receives a copy of all raw output read from the process.
	Record io.Writer
}

// NewSpawner creates a spawner for the given server.
func NewSpawner(server config.ServerConfig) *Spawner {
	return &Spawner{server: server}
}

// Addr returns the host:port dial address.
func (s *Spawner) Addr() string {
	port := s.server.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", s.server.Host, port)
}

// Spawn dials the server, requests a PTY and starts command on it.
func (s *Spawner) Spawn(command string, timeout time.Duration) (ports.Handle, error) {
	methods, err := authMethods(s.server)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", s.server.Name, err)
	}

	hostKeys, err := hostKeyCallback(s.server)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", s.server.Name, err)
	}

	client, err := ssh.Dial("tcp", s.Addr(), &ssh.ClientConfig{
		User:            s.server.User,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.Addr(), err)
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("dumb", 24, 120, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := sess.Start(command); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}

	p := &Process{
		client:  client,
		sess:    sess,
		stdin:   stdin,
		timeout: timeout,
		chunks:  make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go p.readLoop(stdout, s.Record)
	return p, nil
}

// Process is one remote command on an SSH PTY.
type Process struct {
	client  *ssh.Client
	sess    *ssh.Session
	stdin   io.WriteCloser
	timeout time.Duration

	chunks chan []byte
	done   chan struct{}

	mu      sync.Mutex
	pending []byte
	closed  bool
}

// readLoop pumps remote output into the chunk channel. Pipes cannot
// carry read deadlines, so timeouts are applied on the consuming side.
func (p *Process) readLoop(stdout io.Reader, record io.Writer) {
	defer close(p.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if record != nil {
				record.Write(chunk)
			}
			select {
			case p.chunks <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// ReadUntil accumulates remote output until re matches.
func (p *Process) ReadUntil(re *regexp.Regexp) (string, string, error) {
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if loc := re.FindIndex(p.pending); loc != nil {
			before := string(p.pending[:loc[0]])
			matched := string(p.pending[loc[0]:loc[1]])
			p.pending = append([]byte(nil), p.pending[loc[1]:]...)
			p.mu.Unlock()
			return before, matched, nil
		}
		p.mu.Unlock()

		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return "", "", fmt.Errorf("remote output closed while waiting for %s", re)
			}
			p.mu.Lock()
			p.pending = append(p.pending, chunk...)
			p.mu.Unlock()
		case <-deadline.C:
			p.mu.Lock()
			pending := string(p.pending)
			p.mu.Unlock()
			return "", "", fmt.Errorf("%w: %s after %s (pending output: %q)",
				ErrTimeout, re, p.timeout, pending)
		}
	}
}

// SendLine writes text plus newline to the remote input.
func (p *Process) SendLine(text string) error {
	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		return fmt.Errorf("send line: %w", err)
	}
	return nil
}

// Close tears down the remote session and connection. Safe to call twice.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.stdin.Close()
	p.sess.Close()
	return p.client.Close()
}

// authMethods builds auth methods for the server: the configured key, or
// the usual default key locations.
func authMethods(server config.ServerConfig) ([]ssh.AuthMethod, error) {
	keyPath := server.KeyPath
	if keyPath == "" {
		for _, candidate := range []string{"~/.ssh/id_ed25519", "~/.ssh/id_rsa", "~/.ssh/id_ecdsa"} {
			expanded := expandPath(candidate)
			if _, err := os.Stat(expanded); err == nil {
				keyPath = candidate
				break
			}
		}
	}
	if keyPath == "" {
		return nil, fmt.Errorf("no private key configured and none found in ~/.ssh")
	}

	signer, err := loadKey(expandPath(keyPath), server.UseKeyring)
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// loadKey parses a private key, fetching the passphrase for encrypted
// keys from the OS keyring when enabled (service "replcheck", user = key
// path).
func loadKey(path string, useKeyring bool) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}

	var passErr *ssh.PassphraseMissingError
	if !errors.As(err, &passErr) {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	if !useKeyring {
		return nil, fmt.Errorf("key %s is encrypted; enable use_keyring to fetch its passphrase", path)
	}

	passphrase, err := keyring.Get(KeyringService, path)
	if err != nil {
		return nil, fmt.Errorf("passphrase for %s from keyring: %w", path, err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

// hostKeyCallback verifies hosts against ~/.ssh/known_hosts unless the
// server opts out.
func hostKeyCallback(server config.ServerConfig) (ssh.HostKeyCallback, error) {
	if server.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := expandPath("~/.ssh/known_hosts")
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return callback, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
