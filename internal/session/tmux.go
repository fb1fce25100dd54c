package session

import (
	"fmt"
	"os/exec"
	"strings"
)

// Backend abstracts the terminal-multiplexer the sessions live in, so the
// Manager can be tested without a tmux server.
type Backend interface {
	CreateSession(name, dir string) error
	KillSession(name string) error
	HasSession(name string) bool
	ListSessions() ([]string, error)
}

// TmuxRunner executes tmux commands for session management.
type TmuxRunner struct{}

func NewTmuxRunner() *TmuxRunner {
	return &TmuxRunner{}
}

// CreateSession creates a detached tmux session with the given name and
// working directory. An empty dir uses the server process default.
func (t *TmuxRunner) CreateSession(name, dir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	out, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux new-session: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// KillSession kills the tmux session.
func (t *TmuxRunner) KillSession(name string) error {
	out, err := exec.Command("tmux", "kill-session", "-t", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux kill-session: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// HasSession checks if a tmux session exists.
func (t *TmuxRunner) HasSession(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

// ListSessions returns all tmux session names.
func (t *TmuxRunner) ListSessions() ([]string, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").CombinedOutput()
	if err != nil {
		// "no server running" means no sessions, not a failure
		if strings.Contains(string(out), "no server running") ||
			strings.Contains(string(out), "no sessions") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %s: %w", strings.TrimSpace(string(out)), err)
	}
	var names []string
	for _, l := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			names = append(names, l)
		}
	}
	return names, nil
}
