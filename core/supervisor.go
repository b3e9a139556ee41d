package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellvisor/internal/logx"
	"pkt.systems/shellvisor/schema"
)

// Supervisor creates shells, tracks them in a Registry, delivers plugin
// results, and kills outstanding work on shutdown.
type Supervisor struct {
	cfg      schema.ServiceConfig
	env      Environment
	terms    TerminalFactory
	sender   ResultSender
	sink     EventSink
	log      pslog.Logger
	registry *Registry

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewSupervisor constructs a supervisor. Environment is required.
func NewSupervisor(cfg schema.ServiceConfig, deps SupervisorDeps) (*Supervisor, error) {
	if deps.Environment == nil {
		return nil, errors.New("environment provider is required")
	}
	cfg, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:      cfg,
		env:      deps.Environment,
		terms:    deps.Terminals,
		sender:   deps.Sender,
		sink:     deps.EventSink,
		log:      logx.Or(deps.Logger),
		registry: NewRegistry(deps.IDs),
		stopped:  make(chan struct{}),
	}, nil
}

// Registry exposes the supervisor's bookkeeping for lookups.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// NewCommand builds a command in state NEW with a fresh id.
func (s *Supervisor) NewCommand(req schema.ExecRequest) *ExecutionCommand {
	id := s.registry.NextID()
	log := logx.WithCommand(s.log, id, req.Label)
	return NewExecutionCommand(id, req, s.cfg.OutputMaxBytes, log)
}

// Execute builds a command from req and dispatches it to the runner it
// names. The returned shell is nil when the command failed before a process
// was created; the command is returned either way.
func (s *Supervisor) Execute(ctx context.Context, req schema.ExecRequest) (Shell, *ExecutionCommand, error) {
	cmd := s.NewCommand(req)
	runner, err := schema.ParseRunnerKind(string(req.Runner), false)
	if err == nil {
		_, err = schema.ParseShellCreateMode(string(req.ShellCreateMode))
	}
	if err != nil {
		s.log.Warn("shell request rejected", "command", cmd.IDAndLabel(), "err", err)
		cmd.SetStateFailed(NewExecError(ErrorValidation, ErrnoFailed, "invalid request", err))
		processResult(ctx, cmd, nil, s.complete)
		return nil, cmd, err
	}
	cmd.Runner = runner
	switch runner {
	case schema.RunnerBackgroundTask:
		task, err := s.CreateBackgroundTask(ctx, cmd)
		if task == nil {
			return nil, cmd, err
		}
		return task, cmd, err
	default:
		session, err := s.CreateInteractiveSession(ctx, cmd)
		if session == nil {
			return nil, cmd, err
		}
		return session, cmd, err
	}
}

// CreateBackgroundTask spawns cmd as a background task. With shell create
// mode no-shell-with-name an existing task of the same name is returned and
// cmd is cancelled instead.
func (s *Supervisor) CreateBackgroundTask(ctx context.Context, cmd *ExecutionCommand) (*BackgroundTask, error) {
	if err := s.admit(ctx, cmd, schema.RunnerBackgroundTask); err != nil {
		return nil, err
	}
	if cmd.ShellCreateMode == schema.ShellCreateNoShellWithName {
		if cmd.ShellName == "" {
			cmd.ShellName = executableBasename(cmd.Executable)
		}
		if existing := s.registry.TaskByShellName(cmd.ShellName); existing != nil {
			s.log.Info("shell task reused", "command", cmd.IDAndLabel(), "shell", cmd.ShellName, "existing", existing.cmd.IDAndLabel())
			s.registry.Remove(cmd)
			cmd.SetStateFailed(NewExecError(ErrorCancelled, ErrnoCancelled, fmt.Sprintf("shell %q already running as command %s", cmd.ShellName, existing.cmd.IDAndLabel()), nil))
			processResult(ctx, cmd, nil, s.complete)
			return existing, nil
		}
	}
	task, err := ExecuteBackgroundTask(ctx, cmd, s.env, s.complete)
	if task == nil {
		return nil, err
	}
	if !s.registry.PromoteTask(task) {
		if s.registry.Stopping() {
			s.log.Info("shell task cancelled", "command", cmd.IDAndLabel(), "reason", "service stopping")
			task.KillIfExecuting(ctx, true)
			if task.IsRunning() {
				task.Kill()
			}
		}
		return task, nil
	}
	s.publish(schema.ShellEvent{Type: schema.ShellEventStarted, CommandID: cmd.ID, Label: cmd.Label, Runner: schema.RunnerBackgroundTask, State: cmd.State()})
	s.publishCounts()
	return task, nil
}

// CreateInteractiveSession spawns cmd on a pseudo-terminal.
func (s *Supervisor) CreateInteractiveSession(ctx context.Context, cmd *ExecutionCommand) (*InteractiveSession, error) {
	if err := s.admit(ctx, cmd, schema.RunnerInteractiveSession); err != nil {
		return nil, err
	}
	if s.terms == nil {
		err := errors.New("terminal factory not configured")
		s.registry.Remove(cmd)
		failEarly(ctx, cmd, s.complete, NewExecError(ErrorSpawn, ErrnoFailed, "start terminal failed", err))
		return nil, err
	}
	session, err := ExecuteInteractiveSession(ctx, cmd, s.env, s.terms, SessionOptions{
		Rows:           s.cfg.Rows,
		Cols:           s.cfg.Cols,
		TranscriptRows: s.cfg.TranscriptRows,
		Release:        s.release,
	}, s.complete)
	if session == nil {
		return nil, err
	}
	if !s.registry.PromoteSession(session) {
		if s.registry.Stopping() {
			s.log.Info("shell session cancelled", "command", cmd.IDAndLabel(), "reason", "service stopping")
			session.KillIfExecuting(ctx, true)
			if term := session.Terminal(); term != nil {
				term.FinishIfRunning()
			}
		}
		return session, nil
	}
	s.publish(schema.ShellEvent{Type: schema.ShellEventStarted, CommandID: cmd.ID, Label: cmd.Label, Runner: schema.RunnerInteractiveSession, Handle: session.Handle(), State: cmd.State()})
	s.publishCounts()
	return session, nil
}

// admit checks the runner and shutdown state and registers plugin commands
// as pending. A rejected command is failed and processed.
func (s *Supervisor) admit(ctx context.Context, cmd *ExecutionCommand, runner schema.RunnerKind) error {
	if cmd.Runner == "" {
		cmd.Runner = runner
	}
	if cmd.Runner != runner {
		err := fmt.Errorf("%w: %s passed to %s", schema.ErrRunnerMismatch, cmd.Runner, runner)
		s.log.Warn("shell request rejected", "command", cmd.IDAndLabel(), "err", err)
		failEarly(ctx, cmd, s.complete, NewExecError(ErrorValidation, ErrnoFailed, "wrong runner", err))
		return err
	}
	if cmd.IsPluginWithPendingResult() {
		if !s.registry.AddPending(cmd) {
			return s.rejectStopping(ctx, cmd)
		}
		return nil
	}
	if s.registry.Stopping() {
		return s.rejectStopping(ctx, cmd)
	}
	return nil
}

func (s *Supervisor) rejectStopping(ctx context.Context, cmd *ExecutionCommand) error {
	s.log.Info("shell request rejected", "command", cmd.IDAndLabel(), "reason", "service stopping")
	failEarly(ctx, cmd, s.complete, NewExecError(ErrorCancelled, ErrnoCancelled, "service stopping", schema.ErrShuttingDown))
	return schema.ErrShuttingDown
}

// complete is the single completion handler for every command.
func (s *Supervisor) complete(ctx context.Context, cmd *ExecutionCommand, shell Shell) {
	log := logx.WithShell(cmd.logger(), cmd.ShellName)
	if cmd.IsPluginWithPendingResult() {
		s.deliver(ctx, cmd)
	} else if !cmd.IsStateFailed() {
		cmd.SetState(schema.StateSuccess)
	}

	removed := s.registry.Remove(cmd)
	log.Debug("shell result processed", "state", cmd.State(), "removed", removed)

	s.publish(exitedEvent(cmd, shell))
	if removed {
		s.publishCounts()
	}
}

// release drops a shell whose command failed before it exited. A plugin
// caller still waiting for its reply is answered through the normal
// completion path; anything else only leaves the registry.
func (s *Supervisor) release(ctx context.Context, cmd *ExecutionCommand, shell Shell) {
	if cmd.IsPluginWithPendingResult() {
		s.processIfFailed(ctx, cmd, shell)
	}
	if !s.registry.Remove(cmd) {
		return
	}
	logx.WithShell(cmd.logger(), cmd.ShellName).Debug("shell released", "state", cmd.State())
	s.publish(exitedEvent(cmd, shell))
	s.publishCounts()
}

func exitedEvent(cmd *ExecutionCommand, shell Shell) schema.ShellEvent {
	event := schema.ShellEvent{
		Type:      schema.ShellEventExited,
		CommandID: cmd.ID,
		Label:     cmd.Label,
		Runner:    cmd.Runner,
		State:     cmd.State(),
		ExitCode:  cmd.ExitCode(),
	}
	if session, ok := shell.(*InteractiveSession); ok {
		event.Handle = session.Handle()
	}
	return event
}

// deliver hands the result to the caller. Delivery failures are recorded on
// the command and keep it out of SUCCESS.
func (s *Supervisor) deliver(ctx context.Context, cmd *ExecutionCommand) {
	log := cmd.logger()
	started := time.Now()
	var err error
	if s.sender == nil {
		err = errors.New("result sender not configured")
	} else {
		err = s.sender.Send(ctx, cmd.Result, cmd.ResultData())
	}
	if err != nil {
		log.Warn("shell result delivery failed", "err", err)
		delivery := NewExecError(ErrorDelivery, ErrnoFailed, "deliver result failed", err)
		if !cmd.SetStateFailed(delivery) {
			cmd.recordError(delivery)
		}
		return
	}
	log.Debug("shell result delivered", "duration_ms", time.Since(started).Milliseconds())
	if !cmd.IsStateFailed() {
		cmd.SetState(schema.StateSuccess)
	}
}

// RemoveSession finishes the session with the given handle, killing it if
// it still runs, and returns its former tab index or -1.
func (s *Supervisor) RemoveSession(handle schema.SessionHandle) (int, error) {
	index, session := s.registry.sessionIndex(handle)
	if session == nil {
		return -1, fmt.Errorf("%w: %s", schema.ErrShellNotFound, handle)
	}
	if session.IsRunning() {
		if term := session.Terminal(); term != nil {
			term.FinishIfRunning()
		}
	} else {
		session.Finish()
	}
	return index, nil
}

// Terminal returns the terminal of the live session with the given handle.
func (s *Supervisor) Terminal(handle schema.SessionHandle) (Terminal, error) {
	session := s.registry.SessionByHandle(handle)
	if session == nil {
		return nil, fmt.Errorf("%w: %s", schema.ErrShellNotFound, handle)
	}
	term := session.Terminal()
	if term == nil {
		return nil, fmt.Errorf("%w: %s", schema.ErrShellNotFound, handle)
	}
	return term, nil
}

// Snapshots lists every tracked shell.
func (s *Supervisor) Snapshots() []schema.ShellSnapshot {
	return s.registry.Snapshots()
}

// Counts returns the registry sizes.
func (s *Supervisor) Counts() schema.ShellCounts {
	return s.registry.Counts()
}

// ShutdownSweep kills outstanding work exactly once and answers every
// pending plugin caller. Non-plugin background tasks are only forgotten.
// It waits for plugin results to be processed or for ctx to end.
func (s *Supervisor) ShutdownSweep(ctx context.Context) error {
	sessions, tasks, pending, first := s.registry.BeginShutdown()
	if !first {
		return nil
	}
	started := time.Now()
	s.log.Info("shell sweep start", "sessions", len(sessions), "tasks", len(tasks), "pending", len(pending))
	s.publish(schema.ShellEvent{Type: schema.ShellEventStopping, Counts: schema.ShellCounts{Sessions: len(sessions), Tasks: len(tasks), Pending: len(pending)}})

	var waits []*ExecutionCommand
	for _, task := range tasks {
		if task.cmd.IsPluginWithPendingResult() {
			task.KillIfExecuting(ctx, true)
			s.processIfFailed(ctx, task.cmd, task)
			waits = append(waits, task.cmd)
			continue
		}
		s.registry.Remove(task.cmd)
	}
	for _, cmd := range pending {
		if !cmd.IsPluginWithPendingResult() || cmd.ResultsProcessed() {
			continue
		}
		cmd.SetStateFailed(NewExecError(ErrorCancelled, ErrnoCancelled, "service stopping before execution", schema.ErrShuttingDown))
		processResult(ctx, cmd, nil, s.complete)
		waits = append(waits, cmd)
	}
	for _, session := range sessions {
		session.KillIfExecuting(ctx, true)
		if session.cmd.IsPluginWithPendingResult() {
			s.processIfFailed(ctx, session.cmd, session)
			waits = append(waits, session.cmd)
		}
	}
	s.publishCounts()

	for _, cmd := range waits {
		select {
		case <-cmd.Done():
		case <-ctx.Done():
			s.log.Warn("shell sweep interrupted", "waiting_for", cmd.IDAndLabel(), "err", ctx.Err())
			return ctx.Err()
		}
	}
	s.log.Info("shell sweep done", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// processIfFailed answers a command that failed without having its result
// processed. It is a no-op for any other command.
func (s *Supervisor) processIfFailed(ctx context.Context, cmd *ExecutionCommand, shell Shell) {
	if cmd.IsStateFailed() && !cmd.ResultsProcessed() {
		processResult(ctx, cmd, shell, s.complete)
	}
}

// Stop runs the shutdown sweep once and rejects later creation calls.
func (s *Supervisor) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.ShutdownSweep(ctx)
		close(s.stopped)
	})
	return err
}

// Close runs the sweep with a background context unless Stop already did.
func (s *Supervisor) Close() error {
	return s.Stop(context.Background())
}

// Stopped is closed once Stop finished its sweep.
func (s *Supervisor) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Supervisor) publish(event schema.ShellEvent) {
	if s.sink == nil {
		return
	}
	if event.Type != schema.ShellEventStopping {
		event.Counts = s.registry.Counts()
	}
	s.sink.OnShellEvent(event)
}

func (s *Supervisor) publishCounts() {
	s.publish(schema.ShellEvent{Type: schema.ShellEventChanged})
}
