package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/shellvisor/internal/logx"
	"pkt.systems/shellvisor/schema"
)

// SessionOptions sizes the pseudo-terminal of new interactive sessions.
type SessionOptions struct {
	Rows           int
	Cols           int
	TranscriptRows int
	// Release is called when a session exits after its command already
	// failed, so the owner can drop its bookkeeping.
	Release func(ctx context.Context, cmd *ExecutionCommand, shell Shell)
}

// InteractiveSession is a child process attached to a pseudo-terminal.
// Finalization is driven by the terminal's exit callback.
type InteractiveSession struct {
	cmd     *ExecutionCommand
	name    string
	handler CompletionHandler
	release func(ctx context.Context, cmd *ExecutionCommand, shell Shell)
	ctx     context.Context
	log     pslog.Logger

	mu   sync.Mutex
	term Terminal
}

// ExecuteInteractiveSession starts cmd on a pseudo-terminal. With no
// executable the environment's login shell is used. On failure the command is
// failed, its result is processed, and the returned session is nil.
func ExecuteInteractiveSession(ctx context.Context, cmd *ExecutionCommand, env Environment, terms TerminalFactory, opts SessionOptions, handler CompletionHandler) (*InteractiveSession, error) {
	login := false
	if strings.TrimSpace(cmd.Executable) == "" {
		cmd.Executable, login = env.LoginShell(cmd.Failsafe)
	}
	if strings.TrimSpace(cmd.Executable) == "" {
		failEarly(ctx, cmd, handler, NewExecError(ErrorValidation, ErrnoFailed, "no login shell available", schema.ErrEmptyExecutable))
		return nil, schema.ErrEmptyExecutable
	}
	prepareCommand(cmd, env)

	argv, err := env.BuildArgv(cmd.Executable, cmd.Args, ArgvOptions{Interactive: true, LoginShell: login, Failsafe: cmd.Failsafe})
	if err != nil {
		failEarly(ctx, cmd, handler, NewExecError(ErrorValidation, ErrnoFailed, "build argv failed", err))
		return nil, err
	}
	environ := env.BuildEnvironment(cmd.Failsafe)

	if !cmd.SetState(schema.StateExecuting) {
		err := fmt.Errorf("command %s already started", cmd.IDAndLabel())
		failEarly(ctx, cmd, handler, NewExecError(ErrorValidation, ErrnoFailed, "start shell session failed", err))
		return nil, err
	}

	rows := cmd.TranscriptRows
	if rows <= 0 {
		rows = opts.TranscriptRows
	}
	s := &InteractiveSession{
		cmd:     cmd,
		name:    cmd.ShellName,
		handler: handler,
		release: opts.Release,
		ctx:     context.WithoutCancel(ctx),
		log:     logx.WithShell(cmd.logger(), cmd.ShellName),
	}
	term, err := terms.Start(ctx, TerminalRequest{
		Path:           argv.Path,
		Args:           argv.Args,
		Env:            environ,
		WorkingDir:     cmd.WorkingDir,
		TranscriptRows: rows,
		Rows:           opts.Rows,
		Cols:           opts.Cols,
		Name:           cmd.ShellName,
	}, s.onExit)
	if err != nil {
		s.log.Warn("shell session start failed", "executable", cmd.Executable, "err", err)
		failEarly(ctx, cmd, handler, NewExecError(ErrorSpawn, ErrnoFailed, "start terminal failed", err))
		return nil, err
	}
	s.setTerminal(term)
	cmd.setPid(term.Pid())
	s.log.Info("shell session started", "handle", string(term.Handle()), "pid", term.Pid(), "executable", cmd.Executable, "login", login, "workdir", cmd.WorkingDir)
	return s, nil
}

func (s *InteractiveSession) onExit(term Terminal) {
	s.setTerminal(term)
	s.Finish()
}

func (s *InteractiveSession) setTerminal(term Terminal) {
	s.mu.Lock()
	if s.term == nil {
		s.term = term
	}
	s.mu.Unlock()
}

// Terminal returns the session's terminal.
func (s *InteractiveSession) Terminal() Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// Finish finalizes the command once the terminal process exited. Calls
// while the process still runs are ignored.
func (s *InteractiveSession) Finish() {
	term := s.Terminal()
	if term == nil || term.IsRunning() {
		return
	}
	cmd := s.cmd
	exitCode := term.ExitStatus()
	if cmd.IsStateFailed() {
		s.log.Debug("shell session finished after failure", "pid", cmd.Pid(), "exit_code", exitCode)
		if s.release != nil {
			s.release(s.ctx, cmd, s)
		}
		return
	}
	if !cmd.markExecuted(exitCode) {
		return
	}
	if exitCode == 0 {
		s.log.Debug("shell session finished", "pid", cmd.Pid(), "exit_code", exitCode)
	} else {
		s.log.Info("shell session finished", "pid", cmd.Pid(), "exit_code", exitCode)
	}
	processResult(s.ctx, cmd, s, s.handler)
}

// KillIfExecuting implements Shell.
func (s *InteractiveSession) KillIfExecuting(ctx context.Context, forceProcessResult bool) {
	cmd := s.cmd
	if cmd.HasExecuted() {
		s.log.Debug("shell session kill skipped", "reason", "already executed")
		return
	}
	var exitCode *int
	if forceProcessResult {
		code := ExitCodeSIGKILL
		exitCode = &code
	}
	if cmd.cancel(cancelledError("killed before completion"), exitCode) {
		s.log.Info("shell session cancelled", "pid", cmd.Pid())
		if forceProcessResult {
			processResult(ctx, cmd, s, s.handler)
		}
	}
	if term := s.Terminal(); term != nil {
		term.FinishIfRunning()
	}
}

// Handle returns the terminal handle identifying the session.
func (s *InteractiveSession) Handle() schema.SessionHandle {
	if term := s.Terminal(); term != nil {
		return term.Handle()
	}
	return ""
}

// Command implements Shell.
func (s *InteractiveSession) Command() *ExecutionCommand { return s.cmd }

// Name implements Shell.
func (s *InteractiveSession) Name() string { return s.name }

// Runner implements Shell.
func (s *InteractiveSession) Runner() schema.RunnerKind { return schema.RunnerInteractiveSession }

// Pid implements Shell.
func (s *InteractiveSession) Pid() int { return s.cmd.Pid() }

// IsRunning implements Shell.
func (s *InteractiveSession) IsRunning() bool {
	term := s.Terminal()
	return term != nil && term.IsRunning()
}
