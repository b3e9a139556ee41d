package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
	"pkt.systems/shellvisor/internal/logx"
	"pkt.systems/shellvisor/schema"
)

// BackgroundTask is a detached child process with piped stdio.
type BackgroundTask struct {
	cmd     *ExecutionCommand
	name    string
	proc    *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	stderr  *os.File
	exited  atomic.Bool
	handler CompletionHandler
	log     pslog.Logger
}

// ExecuteBackgroundTask spawns cmd with piped stdio and returns without
// waiting for the process. On failure the command is failed, its result is
// processed, and the returned task is nil.
func ExecuteBackgroundTask(ctx context.Context, cmd *ExecutionCommand, env Environment, handler CompletionHandler) (*BackgroundTask, error) {
	if strings.TrimSpace(cmd.Executable) == "" {
		failEarly(ctx, cmd, handler, NewExecError(ErrorValidation, ErrnoFailed, "executable is required", schema.ErrEmptyExecutable))
		return nil, schema.ErrEmptyExecutable
	}
	prepareCommand(cmd, env)

	argv, err := env.BuildArgv(cmd.Executable, cmd.Args, ArgvOptions{Failsafe: cmd.Failsafe})
	if err != nil {
		failEarly(ctx, cmd, handler, NewExecError(ErrorValidation, ErrnoFailed, "build argv failed", err))
		return nil, err
	}
	environ := env.BuildEnvironment(cmd.Failsafe)

	if !cmd.SetState(schema.StateExecuting) {
		err := fmt.Errorf("command %s already started", cmd.IDAndLabel())
		failEarly(ctx, cmd, handler, NewExecError(ErrorValidation, ErrnoFailed, "start shell task failed", err))
		return nil, err
	}

	task := &BackgroundTask{
		cmd:     cmd,
		name:    cmd.ShellName,
		handler: handler,
		log:     logx.WithShell(cmd.logger(), cmd.ShellName),
	}
	if err := task.spawn(argv, environ); err != nil {
		task.log.Warn("shell task start failed", "executable", cmd.Executable, "err", err)
		failEarly(ctx, cmd, handler, NewExecError(ErrorSpawn, ErrnoFailed, "start process failed", err))
		return nil, err
	}
	task.log.Info("shell task started", "pid", task.proc.Process.Pid, "executable", cmd.Executable, "workdir", cmd.WorkingDir)
	task.log.Trace("shell task argv", "path", argv.Path, "args", argv.Args)

	go task.executeInner(context.WithoutCancel(ctx))
	return task, nil
}

// prepareCommand fills the working directory and names the way every shell does.
func prepareCommand(cmd *ExecutionCommand, env Environment) {
	if cmd.WorkingDir == "" {
		cmd.WorkingDir = env.DefaultWorkingDirectory()
	}
	if cmd.WorkingDir == "" {
		cmd.WorkingDir = "/"
	}
	if cmd.ShellName == "" {
		cmd.ShellName = executableBasename(cmd.Executable)
	}
	if cmd.Label == "" {
		cmd.Label = cmd.ShellName
	}
}

// failEarly fails a command that never got a process and processes its result.
func failEarly(ctx context.Context, cmd *ExecutionCommand, handler CompletionHandler, err *ExecError) {
	cmd.SetStateFailed(err)
	processResult(ctx, cmd, nil, handler)
}

func (t *BackgroundTask) spawn(argv Argv, environ []string) error {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdinW)
		return err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdinW, stdoutR, stdoutW)
		return err
	}
	proc := &exec.Cmd{
		Path:        argv.Path,
		Args:        argv.Args,
		Env:         environ,
		Dir:         t.cmd.WorkingDir,
		Stdin:       stdinR,
		Stdout:      stdoutW,
		Stderr:      stderrW,
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
	}
	err = proc.Start()
	// The child holds its own copies of these ends.
	closeFiles(stdinR, stdoutW, stderrW)
	if err != nil {
		closeFiles(stdinW, stdoutR, stderrR)
		return err
	}
	t.proc = proc
	t.stdin = stdinW
	t.stdout = stdoutR
	t.stderr = stderrR
	t.cmd.setPid(proc.Process.Pid)
	return nil
}

func (t *BackgroundTask) executeInner(ctx context.Context) {
	cmd := t.cmd
	started := time.Now()
	pid := t.proc.Process.Pid
	cmd.setPid(pid)

	stdoutPump := NewStreamPump("stdout", t.stdout, cmd.Stdout, t.log, cmd.EchoOutput)
	stderrPump := NewStreamPump("stderr", t.stderr, cmd.Stderr, t.log, cmd.EchoOutput)
	stdoutPump.Start()
	stderrPump.Start()

	if cmd.Stdin != "" {
		if _, err := io.WriteString(t.stdin, cmd.Stdin+"\n"); err != nil && !isClosedPipe(err) {
			t.log.Warn("shell task stdin write failed", "pid", pid, "err", err)
			if cmd.SetStateFailed(NewExecError(ErrorIO, ErrnoFailed, "write stdin failed", err)) {
				cmd.setExitCode(ErrnoFailed)
			}
			processResult(ctx, cmd, t, t.handler)
			t.Kill()
			go t.reap(stdoutPump, stderrPump)
			return
		}
	}
	_ = t.stdin.Close()

	waitErr := t.proc.Wait()
	t.exited.Store(true)
	exitCode := exitCodeFromWait(waitErr)

	stdoutPump.Join()
	stderrPump.Join()
	closeFiles(t.stdout, t.stderr)

	if cmd.IsStateFailed() {
		t.log.Debug("shell task finished after failure", "pid", pid, "exit_code", exitCode)
		return
	}
	if !cmd.markExecuted(exitCode) {
		return
	}
	t.log.Info(
		"shell task finished",
		"pid", pid,
		"exit_code", exitCode,
		"stdout_bytes", cmd.Stdout.OriginalLength(),
		"stderr_bytes", cmd.Stderr.OriginalLength(),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	processResult(ctx, cmd, t, t.handler)
}

// reap waits for a process abandoned after a stdin failure.
func (t *BackgroundTask) reap(pumps ...*StreamPump) {
	_ = t.stdin.Close()
	_ = t.proc.Wait()
	t.exited.Store(true)
	for _, pump := range pumps {
		pump.Join()
	}
	closeFiles(t.stdout, t.stderr)
}

// KillIfExecuting implements Shell.
func (t *BackgroundTask) KillIfExecuting(ctx context.Context, forceProcessResult bool) {
	cmd := t.cmd
	if cmd.HasExecuted() {
		t.log.Debug("shell task kill skipped", "reason", "already executed")
		return
	}
	var exitCode *int
	if forceProcessResult {
		code := ExitCodeSIGKILL
		exitCode = &code
	}
	if cmd.cancel(cancelledError("killed before completion"), exitCode) {
		t.log.Info("shell task cancelled", "pid", t.Pid())
		if forceProcessResult {
			processResult(ctx, cmd, t, t.handler)
		}
	}
	if !t.exited.Load() {
		t.Kill()
	}
}

// Kill sends SIGKILL to the task's process group. Failures are logged only.
func (t *BackgroundTask) Kill() {
	pid := t.Pid()
	if pid <= 0 {
		return
	}
	t.log.Debug("shell task kill", "pid", pid)
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			t.log.Warn("shell task kill failed", "pid", pid, "err", err)
		}
	}
}

// Command implements Shell.
func (t *BackgroundTask) Command() *ExecutionCommand { return t.cmd }

// Name implements Shell.
func (t *BackgroundTask) Name() string { return t.name }

// Runner implements Shell.
func (t *BackgroundTask) Runner() schema.RunnerKind { return schema.RunnerBackgroundTask }

// Pid implements Shell.
func (t *BackgroundTask) Pid() int { return t.cmd.Pid() }

// IsRunning implements Shell.
func (t *BackgroundTask) IsRunning() bool { return !t.exited.Load() }

func isClosedPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
