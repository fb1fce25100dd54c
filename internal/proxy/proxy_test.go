package proxy

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scriptable transport. wait blocks until failNow is
// called or the transport is closed.
type fakeTransport struct {
	waitCh   chan error
	waitOnce sync.Once

	mu       sync.Mutex
	execed   []string
	execOut  []byte
	execErr  error
	terminal *fakeRemoteTerminal
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{waitCh: make(chan error, 1)}
}

func (t *fakeTransport) exec(cmd string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.execed = append(t.execed, cmd)
	return t.execOut, t.execErr
}

func (t *fakeTransport) openTerminal(cmd string, cols, rows uint16) (remoteTerminal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal == nil {
		return nil, errors.New("no terminal scripted")
	}
	t.terminal.cmd = cmd
	return t.terminal, nil
}

func (t *fakeTransport) wait() error { return <-t.waitCh }

func (t *fakeTransport) close() error {
	t.failNow(nil)
	return nil
}

// failNow makes wait return, simulating a dropped connection.
func (t *fakeTransport) failNow(err error) {
	t.waitOnce.Do(func() { t.waitCh <- err })
}

// fakeRemoteTerminal records writes and serves output from a pipe.
type fakeRemoteTerminal struct {
	cmd string
	pr  *io.PipeReader
	pw  *io.PipeWriter

	mu      sync.Mutex
	written []byte
	resizes [][2]uint16
	waitErr error
}

func newFakeRemoteTerminal() *fakeRemoteTerminal {
	pr, pw := io.Pipe()
	return &fakeRemoteTerminal{pr: pr, pw: pw}
}

func (f *fakeRemoteTerminal) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeRemoteTerminal) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakeRemoteTerminal) Output() io.Reader { return f.pr }

func (f *fakeRemoteTerminal) Wait() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

func (f *fakeRemoteTerminal) Close() error { return f.pw.Close() }

func (f *fakeRemoteTerminal) input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

var testHosts = map[string]HostConfig{
	"c1": {Host: "10.0.0.1", Port: 22, User: "dev", KeyFile: "/dev/null"},
}

// dialScript pops transports (or errors) in order. When exhausted it keeps
// failing.
type dialScript struct {
	mu      sync.Mutex
	results []any // *fakeTransport or error
	calls   int
}

func (d *dialScript) dial(ctx context.Context, hc HostConfig) (transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.results[0]
	d.results = d.results[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*fakeTransport), nil
}

func (d *dialScript) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// newTestProxy wires a proxy with scripted dialing and immediate timers.
// Scheduled delays are recorded for assertion.
func newTestProxy(script *dialScript) (*TerminalProxy, *[]time.Duration, *sync.Mutex) {
	p := NewTerminalProxy(testHosts, DefaultMaxReconnects, time.Second)
	p.dial = script.dial

	var mu sync.Mutex
	delays := []time.Duration{}
	p.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		go fn()
		return time.NewTimer(time.Hour)
	}
	return p, &delays, &mu
}

// collectEvents registers a listener feeding a buffered channel.
func collectEvents(p *TerminalProxy) chan ConnectionEvent {
	events := make(chan ConnectionEvent, 64)
	p.OnEvent(func(ev ConnectionEvent) { events <- ev })
	return events
}

func waitEvent(t *testing.T, events chan ConnectionEvent, want EventType) ConnectionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(i + 1); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestConnectAndIdempotence(t *testing.T) {
	ft := newFakeTransport()
	script := &dialScript{results: []any{ft}}
	p, _, _ := newTestProxy(script)
	events := collectEvents(p)

	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, events, EventConnected)
	if got := p.State("c1"); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}

	// Second connect is a no-op, no extra dial.
	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("repeat Connect: %v", err)
	}
	if script.callCount() != 1 {
		t.Errorf("dial calls = %d, want 1", script.callCount())
	}
}

func TestConnectUnknownHost(t *testing.T) {
	p, _, _ := newTestProxy(&dialScript{})
	if err := p.Connect(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown connection id")
	}
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	ft := newFakeTransport()
	// First dial succeeds, every later one fails.
	script := &dialScript{results: []any{ft}}
	p, delays, mu := newTestProxy(script)
	events := collectEvents(p)

	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, events, EventConnected)

	ft.failNow(errors.New("broken pipe"))

	waitEvent(t, events, EventDisconnected)
	waitEvent(t, events, EventReconnectFailed)

	if got := p.State("c1"); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}

	// 1 initial connect + 5 reconnect attempts, no sixth.
	if script.callCount() != 6 {
		t.Errorf("dial calls = %d, want 6", script.callCount())
	}

	mu.Lock()
	wantDelays := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	if len(*delays) != len(wantDelays) {
		t.Fatalf("scheduled %d retries (%v), want %d", len(*delays), *delays, len(wantDelays))
	}
	for i, w := range wantDelays {
		if (*delays)[i] != w {
			t.Errorf("retry %d delay = %v, want %v", i+1, (*delays)[i], w)
		}
	}
	mu.Unlock()

	// Explicit Connect clears the failed state and dials again.
	ft2 := newFakeTransport()
	script.mu.Lock()
	script.results = []any{ft2}
	script.mu.Unlock()

	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect after failure: %v", err)
	}
	if got := p.State("c1"); got != StateConnected {
		t.Errorf("state after explicit reconnect = %s, want connected", got)
	}
}

func TestReconnectSucceedsMidBudget(t *testing.T) {
	ft := newFakeTransport()
	ft2 := newFakeTransport()
	script := &dialScript{results: []any{ft, errors.New("refused"), ft2}}
	p, _, _ := newTestProxy(script)
	events := collectEvents(p)

	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, events, EventConnected)

	ft.failNow(errors.New("broken pipe"))

	ev := waitEvent(t, events, EventReconnected)
	if !strings.Contains(ev.Details, "2 attempt") {
		t.Errorf("reconnected details = %q", ev.Details)
	}
	if got := p.State("c1"); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestDisconnectClosesAttachedTerminals(t *testing.T) {
	ft := newFakeTransport()
	ft.terminal = newFakeRemoteTerminal()
	script := &dialScript{results: []any{ft}}
	p, _, _ := newTestProxy(script)
	events := collectEvents(p)

	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, events, EventConnected)

	closed := make(chan error, 1)
	err := p.AttachSession("c1", "work", 80, 24, nil, func(err error) { closed <- err })
	if err != nil {
		t.Fatalf("AttachSession: %v", err)
	}

	ft.failNow(errors.New("broken pipe"))

	select {
	case err := <-closed:
		if err == nil {
			t.Error("close callback got nil error for a dropped connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not invoked on disconnect")
	}
}

func TestAttachSendReceiveDetach(t *testing.T) {
	ft := newFakeTransport()
	term := newFakeRemoteTerminal()
	ft.terminal = term
	script := &dialScript{results: []any{ft}}
	p, _, _ := newTestProxy(script)

	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var outMu sync.Mutex
	var out []byte
	err := p.AttachSession("c1", "work", 100, 30, func(data []byte) {
		outMu.Lock()
		out = append(out, data...)
		outMu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	if !strings.Contains(term.cmd, "attach-session") || !strings.Contains(term.cmd, "work") {
		t.Errorf("terminal command = %q", term.cmd)
	}

	// Double attach is rejected.
	if err := p.AttachSession("c1", "work", 80, 24, nil, nil); err == nil {
		t.Error("expected error for duplicate attach")
	}

	term.pw.Write([]byte("remote output"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		outMu.Lock()
		got := string(out)
		outMu.Unlock()
		if got == "remote output" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output not delivered, got %q", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.SendInput("c1", "work", []byte("ls\n")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if got := term.input(); got != "ls\n" {
		t.Errorf("remote terminal input = %q", got)
	}

	if err := p.ResizeTerminal("c1", "work", 120, 40); err != nil {
		t.Fatalf("ResizeTerminal: %v", err)
	}

	if err := p.DetachSession("c1", "work"); err != nil {
		t.Fatalf("DetachSession: %v", err)
	}
	if err := p.SendInput("c1", "work", []byte("x")); err == nil {
		t.Error("SendInput after detach should fail")
	}
}

func TestRemoteSessionOps(t *testing.T) {
	ft := newFakeTransport()
	ft.execOut = []byte("alpha\nbeta\n")
	script := &dialScript{results: []any{ft}}
	p, _, _ := newTestProxy(script)

	// Not connected yet.
	if _, err := p.ListSessions("c1"); err == nil {
		t.Error("ListSessions before connect should fail")
	}

	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	names, err := p.ListSessions("c1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("sessions = %v", names)
	}

	if err := p.CreateSession("c1", "gamma"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := p.KillSession("c1", "gamma"); err != nil {
		t.Fatalf("KillSession: %v", err)
	}

	ft.mu.Lock()
	cmds := strings.Join(ft.execed, ";")
	ft.mu.Unlock()
	if !strings.Contains(cmds, "new-session -d -s 'gamma'") {
		t.Errorf("create command missing: %s", cmds)
	}
	if !strings.Contains(cmds, "kill-session -t 'gamma'") {
		t.Errorf("kill command missing: %s", cmds)
	}
}

func TestListSessionsNoServerRunning(t *testing.T) {
	ft := newFakeTransport()
	ft.execOut = []byte("no server running on /tmp/tmux-0/default")
	ft.execErr = errors.New("exit status 1")
	script := &dialScript{results: []any{ft}}
	p, _, _ := newTestProxy(script)

	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	names, err := p.ListSessions("c1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if names != nil {
		t.Errorf("sessions = %v, want none", names)
	}
}

func TestCleanupStopsReconnection(t *testing.T) {
	ft := newFakeTransport()
	script := &dialScript{results: []any{ft}}

	p := NewTerminalProxy(testHosts, DefaultMaxReconnects, time.Second)
	p.dial = script.dial
	// Real timers with long delays; cleanup must cancel them.
	reconnectInitialBackoff = time.Hour
	defer func() { reconnectInitialBackoff = time.Second }()

	if err := p.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ft.failNow(errors.New("broken pipe"))

	deadline := time.Now().Add(2 * time.Second)
	for p.State("c1") != StateReconnecting {
		if time.Now().After(deadline) {
			t.Fatal("never entered reconnecting state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.Cleanup()
	if got := p.State("c1"); got != StateDisconnected {
		t.Errorf("state after cleanup = %s, want disconnected", got)
	}
	if script.callCount() != 1 {
		t.Errorf("dial calls after cleanup = %d, want 1", script.callCount())
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("plain"); got != "'plain'" {
		t.Errorf("shellQuote = %s", got)
	}
	quoted := shellQuote("it's")
	if !strings.HasPrefix(quoted, "'it'") || !strings.Contains(quoted, `\'`) {
		t.Errorf("shellQuote with apostrophe = %s", quoted)
	}
	if got := shellQuote("a b"); got != "'a b'" {
		t.Errorf("shellQuote with space = %s", got)
	}
}
