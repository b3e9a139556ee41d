package core

import (
	"context"
	"errors"
	"os/exec"
	"syscall"

	"pkt.systems/shellvisor/schema"
)

// Shell is a live process owned by the supervisor, either a background task
// or an interactive session.
type Shell interface {
	Command() *ExecutionCommand
	Name() string
	Runner() schema.RunnerKind
	Pid() int
	IsRunning() bool
	// KillIfExecuting fails the command as cancelled unless it already
	// executed, optionally processes its result, and kills the process.
	KillIfExecuting(ctx context.Context, forceProcessResult bool)
}

// CompletionHandler is invoked exactly once per command when its result is
// processed. shell is nil when no process was ever created.
type CompletionHandler func(ctx context.Context, cmd *ExecutionCommand, shell Shell)

// processResult runs the completion handler at most once per command. With
// no handler a command that did not fail advances to SUCCESS.
func processResult(ctx context.Context, cmd *ExecutionCommand, shell Shell, handler CompletionHandler) {
	if cmd.ShouldNotProcessResults() {
		cmd.logger().Debug("shell result already processed", "command", cmd.IDAndLabel())
		return
	}
	defer cmd.finishProcessing()
	if handler != nil {
		handler(ctx, cmd, shell)
		return
	}
	if !cmd.IsStateFailed() {
		cmd.SetState(schema.StateSuccess)
	}
}

// exitCodeFromWait maps the error returned by exec.Cmd.Wait to an OS style
// exit code: the reported status, or 128+signal for signalled processes.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ErrnoFailed
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

func cancelledError(message string) *ExecError {
	return NewExecError(ErrorCancelled, ErrnoCancelled, message, nil)
}
