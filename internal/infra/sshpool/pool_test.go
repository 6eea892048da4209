package sshpool

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// startEchoSSHServer runs an in-process SSH server that accepts any public
// key, grants PTY requests, and echoes shell input back as output.
func startEchoSSHServer(t *testing.T) string {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
				if err != nil {
					return
				}
				defer sconn.Close()
				go ssh.DiscardRequests(reqs)
				for newCh := range chans {
					if newCh.ChannelType() != "session" {
						_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					ch, chReqs, err := newCh.Accept()
					if err != nil {
						continue
					}
					go func(ch ssh.Channel, chReqs <-chan *ssh.Request) {
						for req := range chReqs {
							switch req.Type {
							case "pty-req", "window-change":
								if req.WantReply {
									_ = req.Reply(true, nil)
								}
							case "shell":
								if req.WantReply {
									_ = req.Reply(true, nil)
								}
								go func() {
									_, _ = io.Copy(ch, ch)
									_ = ch.Close()
								}()
							default:
								if req.WantReply {
									_ = req.Reply(false, nil)
								}
							}
						}
					}(ch, chReqs)
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestNewRequiresKeyFile(t *testing.T) {
	_, err := New(Config{KeyPath: "/nonexistent/key", User: "root"}, slog.Default())
	if err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestNewParsesKey(t *testing.T) {
	p, err := New(Config{KeyPath: writeTestKey(t), User: "root"}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if p.cfg.ConnectTimeout == 0 || p.cfg.DefaultCommandTimeout == 0 {
		t.Fatal("defaults not applied")
	}
}

func TestOpenShellRoundTrip(t *testing.T) {
	addr := startEchoSSHServer(t)
	p, err := New(Config{KeyPath: writeTestKey(t), User: "root"}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer p.CloseAll()

	sh, err := p.OpenShell(addr, ShellOptions{Cols: 120, Rows: 40})
	if err != nil {
		t.Fatalf("open shell: %v", err)
	}
	defer sh.Close()

	if _, err := sh.Write([]byte("uptime\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out []byte
	buf := make([]byte, 256)
	for !strings.Contains(string(out), "uptime") {
		n, err := sh.Read(buf)
		if err != nil {
			t.Fatalf("read: %v (got %q)", err, out)
		}
		out = append(out, buf[:n]...)
	}
}

func TestExecAfterCloseAll(t *testing.T) {
	p, err := New(Config{KeyPath: writeTestKey(t), User: "root"}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	p.CloseAll()
	_, err = p.Exec(context.Background(), "192.0.2.1", "uptime", 0)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
