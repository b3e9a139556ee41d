// Package ptyterm runs interactive sessions on pseudo-terminals.
package ptyterm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"pkt.systems/shellvisor/core"
	"pkt.systems/shellvisor/internal/logx"
	"pkt.systems/shellvisor/schema"
)

// drainTimeout bounds how long the exit path waits for buffered terminal
// output after the process was reaped.
const drainTimeout = 250 * time.Millisecond

// writeTimeout bounds a write into a terminal whose input queue is full.
const writeTimeout = 5 * time.Second

// Factory implements core.TerminalFactory.
type Factory struct {
	log pslog.Logger
}

var _ core.TerminalFactory = (*Factory)(nil)

// NewFactory returns a pseudo-terminal factory.
func NewFactory(log pslog.Logger) *Factory {
	return &Factory{log: logx.Or(log)}
}

// Session is one process attached to a pseudo-terminal.
type Session struct {
	handle schema.SessionHandle
	name   string
	proc   *exec.Cmd
	ptmx   *os.File
	log    pslog.Logger
	out    *transcript

	// mu guards running and status, and is held for reading across every
	// use of ptmx so the exit path cannot close it underneath a caller.
	mu      sync.RWMutex
	running bool
	status  int

	readDone chan struct{}
	onExit   func(core.Terminal)
}

var _ core.Terminal = (*Session)(nil)

// Start spawns req on a new pseudo-terminal. The process gets its own
// session with the terminal as controlling tty.
func (f *Factory) Start(ctx context.Context, req core.TerminalRequest, onExit func(core.Terminal)) (core.Terminal, error) {
	if req.Path == "" {
		return nil, errors.New("terminal path is required")
	}
	args := req.Args
	if len(args) == 0 {
		args = []string{req.Path}
	}
	proc := &exec.Cmd{
		Path: req.Path,
		Args: args,
		Env:  req.Env,
		Dir:  req.WorkingDir,
	}
	size := &pty.Winsize{Rows: clampSize(req.Rows), Cols: clampSize(req.Cols)}
	ptmx, err := pty.StartWithSize(proc, size)
	if err != nil {
		return nil, fmt.Errorf("start terminal: %w", err)
	}
	handle := schema.SessionHandle(uuid.NewString())
	s := &Session{
		handle:   handle,
		name:     req.Name,
		proc:     proc,
		ptmx:     ptmx,
		log:      logx.WithHandle(f.log, handle),
		out:      newTranscript(req.TranscriptRows),
		running:  true,
		readDone: make(chan struct{}),
		onExit:   onExit,
	}
	s.log.Info("terminal started", "name", req.Name, "pid", proc.Process.Pid, "rows", size.Rows, "cols", size.Cols)
	go s.readLoop()
	go s.waitLoop()
	return s, nil
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			_, _ = s.out.Write(buf[:n])
		}
		if err != nil {
			// EIO is how Linux reports that the slave side was closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				s.log.Warn("terminal read failed", "err", err)
			}
			return
		}
	}
}

func (s *Session) waitLoop() {
	err := s.proc.Wait()
	status := exitStatus(err)

	timer := time.NewTimer(drainTimeout)
	select {
	case <-s.readDone:
	case <-timer.C:
	}
	timer.Stop()

	s.mu.Lock()
	s.running = false
	s.status = status
	_ = s.ptmx.Close()
	s.mu.Unlock()
	<-s.readDone
	s.log.Info("terminal exited", "status", status)
	if s.onExit != nil {
		s.onExit(s)
	}
}

// Handle implements core.Terminal.
func (s *Session) Handle() schema.SessionHandle { return s.handle }

// Name returns the name the terminal was started with.
func (s *Session) Name() string { return s.name }

// Pid implements core.Terminal.
func (s *Session) Pid() int {
	if s.proc.Process == nil {
		return 0
	}
	return s.proc.Process.Pid
}

// IsRunning implements core.Terminal.
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ExitStatus implements core.Terminal.
func (s *Session) ExitStatus() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// FinishIfRunning implements core.Terminal.
func (s *Session) FinishIfRunning() {
	if !s.IsRunning() {
		return
	}
	pid := s.Pid()
	if pid <= 0 {
		return
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.log.Warn("terminal kill failed", "pid", pid, "err", err)
	}
}

// Write sends input to the terminal.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0, os.ErrClosed
	}
	if err := s.ptmx.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return 0, err
	}
	return s.ptmx.Write(p)
}

// Resize changes the terminal window size.
func (s *Session) Resize(rows, cols int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return os.ErrClosed
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: clampSize(rows), Cols: clampSize(cols)})
}

// Transcript returns up to limit of the most recent output lines.
func (s *Session) Transcript(limit int) TranscriptView {
	return s.out.Snapshot(limit)
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}

func clampSize(v int) uint16 {
	switch {
	case v <= 0:
		return 0
	case v > 0xffff:
		return 0xffff
	default:
		return uint16(v)
	}
}
