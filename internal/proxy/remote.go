package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// keepaliveInterval is how often an application-level keepalive is sent on an
// idle SSH connection. A failed keepalive closes the connection, which in
// turn unblocks wait() and triggers reconnection.
const keepaliveInterval = 30 * time.Second

// transport is one live connection to a remote host. Implemented over SSH in
// production and faked in tests.
type transport interface {
	// exec runs a command and returns its combined output.
	exec(cmd string) ([]byte, error)
	// openTerminal starts a command under a remote pty.
	openTerminal(cmd string, cols, rows uint16) (remoteTerminal, error)
	// wait blocks until the connection dies.
	wait() error
	close() error
}

// remoteTerminal is one interactive command running under a remote pty.
type remoteTerminal interface {
	io.Writer
	Resize(cols, rows uint16) error
	Output() io.Reader
	Wait() error
	Close() error
}

// dialFunc establishes a transport. Swappable in tests.
type dialFunc func(ctx context.Context, hc HostConfig) (transport, error)

// sshDial connects to the host over SSH using its configured key file.
func sshDial(ctx context.Context, hc HostConfig) (transport, error) {
	keyData, err := os.ReadFile(hc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            hc.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", hc.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hc.Addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, hc.Addr(), cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", hc.Addr(), err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	t := &sshTransport{client: client}
	go t.keepalive()
	return t, nil
}

// sshTransport implements transport over an *ssh.Client.
type sshTransport struct {
	client *ssh.Client
}

func (t *sshTransport) exec(cmd string) ([]byte, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()
	return sess.CombinedOutput(cmd)
}

func (t *sshTransport) openTerminal(cmd string, cols, rows uint16) (remoteTerminal, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}

	return &sshTerminal{sess: sess, stdin: stdin, stdout: stdout}, nil
}

func (t *sshTransport) wait() error {
	return t.client.Wait()
}

func (t *sshTransport) close() error {
	return t.client.Close()
}

// keepalive probes the connection until it dies.
func (t *sshTransport) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			t.client.Close()
			return
		}
	}
}

// sshTerminal implements remoteTerminal over an *ssh.Session.
type sshTerminal struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
}

func (s *sshTerminal) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshTerminal) Resize(cols, rows uint16) error {
	return s.sess.WindowChange(int(rows), int(cols))
}

func (s *sshTerminal) Output() io.Reader { return s.stdout }

func (s *sshTerminal) Wait() error { return s.sess.Wait() }

func (s *sshTerminal) Close() error { return s.sess.Close() }
