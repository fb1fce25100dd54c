package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Terminal is the byte-stream face of a session's pseudo-terminal. Reads
// yield shell output, writes feed shell input.
type Terminal interface {
	io.Reader
	io.Writer
	Resize(cols, rows uint16) error
	Close() error
}

// StartTerminalFunc spawns the pty bridging a backend session to byte
// streams. Swappable in tests.
type StartTerminalFunc func(tmuxName, dir string, cols, rows uint16) (Terminal, error)

// Pty runs `tmux attach-session` under a pseudo-terminal, giving the
// gateway a raw byte stream view of the backend session.
type Pty struct {
	ptmx *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
	closeErr  error
}

// StartPty attaches a pty to the named tmux session.
func StartPty(tmuxName, dir string, cols, rows uint16) (Terminal, error) {
	cmd := exec.Command("tmux", "attach-session", "-t", tmuxName)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if dir != "" {
		cmd.Dir = dir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty for %s: %w", tmuxName, err)
	}

	return &Pty{ptmx: ptmx, cmd: cmd}, nil
}

func (p *Pty) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *Pty) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *Pty) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close kills the attach process and closes the pty master. Idempotent.
func (p *Pty) Close() error {
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		p.closeErr = p.ptmx.Close()
		p.cmd.Wait() // reap
	})
	return p.closeErr
}
