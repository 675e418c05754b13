// Package sshtest runs a loopback SSH server for transport tests. It
// authenticates clients by public key and executes exec requests on a
// local PTY, which is exactly what the real transport asks of a host.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/creack/pty/v2"
	"golang.org/x/crypto/ssh"
)

// Server is a single-host test SSH server.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	shell    string
	addr     string

	mu         sync.Mutex
	authorized map[string]bool
	procs      []*proc

	done chan struct{}
	wg   sync.WaitGroup
}

type proc struct {
	channel ssh.Channel
	ptmx    *os.File
	cmd     *exec.Cmd
}

// Option configures the server.
type Option func(*Server)

// WithShell sets the shell used to run exec requests.
func WithShell(shell string) Option {
	return func(s *Server) { s.shell = shell }
}

// New starts a server on a random loopback port with a fresh host key.
// Clients authenticate with keys registered through Authorize.
func New(opts ...Option) (*Server, error) {
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		return nil, fmt.Errorf("host key signer: %w", err)
	}

	s := &Server{
		shell:      "/bin/sh",
		authorized: map[string]bool{},
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.Lock()
			ok := s.authorized[string(key.Marshal())]
			s.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("key rejected for %q", c.User())
			}
			return nil, nil
		},
	}
	s.config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Debug("test SSH server started", slog.String("addr", s.addr))
	return s, nil
}

// Authorize allows the given public key to authenticate.
func (s *Server) Authorize(key ssh.PublicKey) {
	s.mu.Lock()
	s.authorized[string(key.Marshal())] = true
	s.mu.Unlock()
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.addr }

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, portStr, _ := net.SplitHostPort(s.addr)
	port, _ := strconv.Atoi(portStr)
	return port
}

// Close stops the server and tears down running processes.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	s.mu.Lock()
	for _, p := range s.procs {
		if p.ptmx != nil {
			p.ptmx.Close()
		}
		if p.cmd != nil && p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		if p.channel != nil {
			p.channel.Close()
		}
	}
	s.procs = nil
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("accept error", slog.String("error", err.Error()))
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleSession(channel, requests)
	}
}

type ptyReqMsg struct {
	Term          string
	Columns, Rows uint32
	Width, Height uint32
	Modes         string
}

type execMsg struct {
	Command string
}

type winchMsg struct {
	Columns, Rows uint32
	Width, Height uint32
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()

	p := &proc{channel: channel}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	var ptyReq *ptyReqMsg

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var msg ptyReqMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				ptyReq = &msg
			}
			if req.WantReply {
				req.Reply(ptyReq != nil, nil)
			}

		case "exec":
			var msg execMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || ptyReq == nil {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.runExec(p, msg.Command, ptyReq)

		case "window-change":
			var msg winchMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil && p.ptmx != nil {
				pty.Setsize(p.ptmx, &pty.Winsize{
					Rows: uint16(msg.Rows),
					Cols: uint16(msg.Columns),
				})
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runExec runs command under the shell on a fresh PTY and relays bytes
// between the PTY and the channel until the command exits.
func (s *Server) runExec(p *proc, command string, ptyReq *ptyReqMsg) {
	cmd := exec.Command(s.shell, "-c", command)
	cmd.Env = append(os.Environ(), "TERM="+ptyReq.Term)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(ptyReq.Rows),
		Cols: uint16(ptyReq.Columns),
	})
	if err != nil {
		slog.Debug("pty start failed", slog.String("error", err.Error()))
		sendExitStatus(p.channel, 1)
		return
	}
	p.ptmx = ptmx
	p.cmd = cmd

	outDone := make(chan struct{})
	go func() {
		io.Copy(p.channel, ptmx)
		close(outDone)
	}()
	go io.Copy(ptmx, p.channel)

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	ptmx.Close()
	<-outDone

	sendExitStatus(p.channel, exitCode)
}

func sendExitStatus(channel ssh.Channel, code int) {
	channel.CloseWrite()
	channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	channel.Close()
}
