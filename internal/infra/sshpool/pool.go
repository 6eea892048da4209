// Package sshpool maintains one persistent SSH connection per cluster host,
// created lazily and replaced on failure. It serves both one-shot command
// execution for tools and interactive PTY shells for the terminal channel.
package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrClosed is returned after CloseAll.
var ErrClosed = errors.New("sshpool: pool closed")

// Config configures the pool.
type Config struct {
	// KeyPath is the private key file used for all hosts.
	KeyPath string

	// User is the SSH login user.
	User string

	// ConnectTimeout bounds the TCP dial and handshake. Default: 10s.
	ConnectTimeout time.Duration

	// DefaultCommandTimeout bounds Exec when no per-call timeout is given.
	// Default: 30s.
	DefaultCommandTimeout time.Duration
}

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Stdout string
	Stderr string
	Code   int
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg    Config
	auth   []ssh.AuthMethod
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[string]*ssh.Client
	closed bool
}

// New creates a Pool. The key file is read eagerly so a missing key fails at
// startup rather than on the first tool call.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.DefaultCommandTimeout <= 0 {
		cfg.DefaultCommandTimeout = 30 * time.Second
	}
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", cfg.KeyPath, err)
	}
	return &Pool{
		cfg:    cfg,
		auth:   []ssh.AuthMethod{ssh.PublicKeys(signer)},
		logger: logger.With("component", "sshpool"),
		conns:  make(map[string]*ssh.Client),
	}, nil
}

// get returns the pooled connection for host, dialing if necessary.
func (p *Pool) get(host string) (*ssh.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if client, ok := p.conns[host]; ok {
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	client, err := p.dial(host)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		client.Close()
		return nil, ErrClosed
	}
	if existing, ok := p.conns[host]; ok {
		// Lost the race with another caller.
		client.Close()
		return existing, nil
	}
	p.conns[host] = client
	return client, nil
}

func (p *Pool) dial(host string) (*ssh.Client, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}
	conn, err := net.DialTimeout("tcp", addr, p.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            p.auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.cfg.ConnectTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	p.logger.Info("ssh connection established", "host", host)
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// dispose drops the pooled connection for host so the next call redials.
func (p *Pool) dispose(host string, client *ssh.Client) {
	p.mu.Lock()
	if p.conns[host] == client {
		delete(p.conns, host)
	}
	p.mu.Unlock()
	client.Close()
	p.logger.Warn("ssh connection disposed", "host", host)
}

// Exec runs cmd on host. The command races an external timer because the SSH
// protocol offers no native command timeout; on expiry the session is closed
// and the pooled connection is replaced on the next call.
func (p *Pool) Exec(ctx context.Context, host, cmd string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = p.cfg.DefaultCommandTimeout
	}
	client, err := p.get(host)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// Stale connection: replace and retry once.
		p.dispose(host, client)
		client, err = p.get(host)
		if err != nil {
			return nil, err
		}
		session, err = client.NewSession()
		if err != nil {
			return nil, fmt.Errorf("ssh session %s: %w", host, err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.Code = exitErr.ExitStatus()
			return result, nil
		}
		if err != nil {
			p.dispose(host, client)
			return nil, fmt.Errorf("ssh exec on %s: %w", host, err)
		}
		return result, nil
	case <-timer.C:
		session.Close()
		p.dispose(host, client)
		return nil, fmt.Errorf("command on %s did not respond within %s", host, timeout)
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	}
}

// ShellOptions sets the initial PTY geometry.
type ShellOptions struct {
	Cols int
	Rows int
	Term string
}

// Shell is an interactive PTY handle. Closing the shell does not dispose the
// pooled connection.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
	exited    chan struct{}
}

// OpenShell requests a PTY on the pooled connection for host.
func (p *Pool) OpenShell(host string, opts ShellOptions) (*Shell, error) {
	client, err := p.get(host)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		p.dispose(host, client)
		return nil, fmt.Errorf("ssh shell session %s: %w", host, err)
	}

	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.Term == "" {
		opts.Term = "xterm-256color"
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty on %s: %w", host, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	// The PTY merges stderr into stdout on the remote side.
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell on %s: %w", host, err)
	}

	sh := &Shell{session: session, stdin: stdin, stdout: stdout, exited: make(chan struct{})}
	go func() {
		_ = session.Wait()
		close(sh.exited)
	}()
	return sh, nil
}

// Write sends input to the remote shell.
func (s *Shell) Write(data []byte) (int, error) { return s.stdin.Write(data) }

// Read reads remote output.
func (s *Shell) Read(buf []byte) (int, error) { return s.stdout.Read(buf) }

// Resize forwards new PTY geometry.
func (s *Shell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

// Exited is closed when the remote shell terminates.
func (s *Shell) Exited() <-chan struct{} { return s.exited }

// Close terminates the shell.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stdin.Close()
		err = s.session.Close()
	})
	return err
}

// CloseAll shuts down every pooled connection. The pool is unusable afterward.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for host, client := range p.conns {
		client.Close()
		delete(p.conns, host)
	}
}
