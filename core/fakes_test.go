package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellvisor/schema"
)

type fakeEnv struct {
	mu        sync.Mutex
	opts      []ArgvOptions
	loginPath string
	workdir   string
	argvErr   error
}

func (e *fakeEnv) BuildArgv(executable string, args []string, opts ArgvOptions) (Argv, error) {
	e.mu.Lock()
	e.opts = append(e.opts, opts)
	err := e.argvErr
	e.mu.Unlock()
	if err != nil {
		return Argv{}, err
	}
	argv0 := executable
	if opts.LoginShell {
		argv0 = "-" + filepath.Base(executable)
	}
	return Argv{Path: executable, Args: append([]string{argv0}, args...)}, nil
}

func (e *fakeEnv) BuildEnvironment(bool) []string {
	return []string{"PATH=/usr/bin:/bin", "HOME=/tmp"}
}

func (e *fakeEnv) DefaultBinaryDirectory() string { return "/bin" }

func (e *fakeEnv) DefaultWorkingDirectory() string { return e.workdir }

func (e *fakeEnv) LoginShell(bool) (string, bool) {
	if e.loginPath == "" {
		return "", false
	}
	return e.loginPath, true
}

func (e *fakeEnv) lastOpts() ArgvOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.opts) == 0 {
		return ArgvOptions{}
	}
	return e.opts[len(e.opts)-1]
}

type fakeTerminal struct {
	handle schema.SessionHandle
	pid    int
	req    TerminalRequest

	mu       sync.Mutex
	running  bool
	status   int
	onExit   func(Terminal)
	finished atomic.Int32
}

func (f *fakeTerminal) Handle() schema.SessionHandle { return f.handle }
func (f *fakeTerminal) Pid() int                     { return f.pid }

func (f *fakeTerminal) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTerminal) ExitStatus() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTerminal) FinishIfRunning() {
	f.finished.Add(1)
	f.exit(ExitCodeSIGKILL)
}

// exit simulates the process ending and reports it the way a real terminal does.
func (f *fakeTerminal) exit(status int) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.status = status
	onExit := f.onExit
	f.mu.Unlock()
	if onExit != nil {
		onExit(f)
	}
}

type fakeTerminals struct {
	mu      sync.Mutex
	started []*fakeTerminal
	err     error
	next    int
}

func (f *fakeTerminals) Start(_ context.Context, req TerminalRequest, onExit func(Terminal)) (Terminal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.next++
	term := &fakeTerminal{
		handle:  schema.SessionHandle(fmt.Sprintf("term-%d", f.next)),
		pid:     1000 + f.next,
		req:     req,
		running: true,
		onExit:  onExit,
	}
	f.started = append(f.started, term)
	return term, nil
}

func (f *fakeTerminals) last() *fakeTerminal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return nil
	}
	return f.started[len(f.started)-1]
}

type fakeSender struct {
	mu      sync.Mutex
	results []schema.Result
	err     error
}

func (f *fakeSender) Send(_ context.Context, _ *schema.ResultConfig, result schema.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return f.err
}

func (f *fakeSender) countFor(id schema.CommandID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, r := range f.results {
		if r.CommandID == id {
			count++
		}
	}
	return count
}

func (f *fakeSender) resultFor(id schema.CommandID) (schema.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.results {
		if r.CommandID == id {
			return r, true
		}
	}
	return schema.Result{}, false
}

type recordingSink struct {
	mu     sync.Mutex
	events []schema.ShellEvent
}

func (r *recordingSink) OnShellEvent(event schema.ShellEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSink) count(kind schema.ShellEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

// countingHandler counts completion calls and otherwise behaves like the
// default result processing.
type countingHandler struct {
	calls atomic.Int32
}

func (h *countingHandler) handle(_ context.Context, cmd *ExecutionCommand, _ Shell) {
	h.calls.Add(1)
	if !cmd.IsStateFailed() {
		cmd.SetState(schema.StateSuccess)
	}
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(w *logBuffer) pslog.Logger {
	return pslog.NewWithOptions(w, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.DebugLevel,
	})
}

func pslogTrace(w *logBuffer) pslog.Logger {
	return pslog.NewWithOptions(w, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.TraceLevel,
	})
}

func newTestCommand(t *testing.T, req schema.ExecRequest) *ExecutionCommand {
	t.Helper()
	return NewExecutionCommand(1, req, schema.DefaultOutputMaxBytes, testLogger(&logBuffer{}))
}

func requireExecutable(t *testing.T, paths ...string) {
	t.Helper()
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			t.Skipf("%s not available: %v", path, err)
		}
	}
}

func waitDone(t *testing.T, cmd *ExecutionCommand) {
	t.Helper()
	select {
	case <-cmd.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("command %s did not finish, state %s", cmd.IDAndLabel(), cmd.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func errKind(cmd *ExecutionCommand) ErrorKind {
	err := cmd.Err()
	if err == nil {
		return ""
	}
	return err.Kind
}

var errStartRefused = errors.New("start refused")
