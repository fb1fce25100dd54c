package session

import (
	"strings"

	"github.com/charmbracelet/x/vt"
)

// Screen tracks the composed terminal contents by feeding pty output through
// a virtual terminal emulator. ANSI cursor positioning is interpreted rather
// than stripped, so Text returns what a human would see. Sockets never read
// from here; it backs the read-only snapshot endpoint.
type Screen struct {
	emu *vt.SafeEmulator
}

func NewScreen(cols, rows int) *Screen {
	return &Screen{emu: vt.NewSafeEmulator(cols, rows)}
}

func (s *Screen) Write(data []byte) (int, error) {
	return s.emu.Write(data)
}

func (s *Screen) Resize(cols, rows int) {
	s.emu.Resize(cols, rows)
}

// Text returns the current screen as plain text, with trailing whitespace
// trimmed per line and trailing empty lines removed.
func (s *Screen) Text() string {
	lines := strings.Split(s.emu.String(), "\n")

	last := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimRight(lines[i], " \t\r") != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return ""
	}

	trimmed := make([]string, last+1)
	for i := 0; i <= last; i++ {
		trimmed[i] = strings.TrimRight(lines[i], " \t\r")
	}
	return strings.Join(trimmed, "\n")
}
