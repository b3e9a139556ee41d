package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
	"pkt.systems/shellvisor/schema"
)

// ExecutionCommand records one request to run an executable, its
// configuration, and its outcome.
//
// State only moves forward (see schema.ExecutionState). Transitions are
// compare-and-set on the state ordinal so a kill racing a natural exit can
// never finalize the command twice. Output buffers are written by the owning
// shell's workers and must only be read once the command has executed.
type ExecutionCommand struct {
	ID              schema.CommandID
	Runner          schema.RunnerKind
	Executable      string
	Args            []string
	Stdin           string
	WorkingDir      string
	Failsafe        bool
	ShellName       string
	ShellCreateMode schema.ShellCreateMode
	Label           string
	Description     string
	Help            string
	PluginAPIHelp   string
	TranscriptRows  int
	// EchoOutput logs captured output lines at trace level.
	EchoOutput bool

	// Plugin marks a command from an external caller.
	Plugin bool
	Result *schema.ResultConfig

	Stdout *OutputBuffer
	Stderr *OutputBuffer

	state     atomic.Int32
	processed atomic.Bool
	done      chan struct{}
	pid       atomic.Int64

	mu       sync.Mutex
	exitCode *int
	errs     []*ExecError

	log pslog.Logger
}

// NewExecutionCommand builds a command in state NEW from a boundary request.
func NewExecutionCommand(id schema.CommandID, req schema.ExecRequest, outputMax int, log pslog.Logger) *ExecutionCommand {
	mode := req.ShellCreateMode
	if mode == "" {
		mode = schema.ShellCreateAlways
	}
	c := &ExecutionCommand{
		ID:              id,
		Runner:          req.Runner,
		Executable:      req.Executable,
		Args:            append([]string(nil), req.Args...),
		Stdin:           req.Stdin,
		WorkingDir:      req.WorkingDir,
		Failsafe:        req.Failsafe,
		ShellName:       req.ShellName,
		ShellCreateMode: mode,
		Label:           req.Label,
		Description:     req.Description,
		Help:            req.Help,
		PluginAPIHelp:   req.PluginAPIHelp,
		TranscriptRows:  req.TranscriptRows,
		EchoOutput:      echoLevel(req.LogLevel),
		Plugin:          req.Plugin,
		Result:          req.Result,
		Stdout:          NewOutputBuffer(outputMax),
		Stderr:          NewOutputBuffer(outputMax),
		done:            make(chan struct{}),
		log:             log,
	}
	return c
}

func echoLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "verbose":
		return true
	default:
		return false
	}
}

// IDAndLabel returns the "<id> (<label>)" string used in logs and messages.
func (c *ExecutionCommand) IDAndLabel() string {
	if c.Label == "" {
		return fmt.Sprintf("%d", c.ID)
	}
	return fmt.Sprintf("%d (%s)", c.ID, c.Label)
}

// ExecutableBasename returns the basename of the executable, or "" if unset.
func (c *ExecutionCommand) ExecutableBasename() string {
	return executableBasename(c.Executable)
}

func executableBasename(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	return filepath.Base(path)
}

// State returns the current state.
func (c *ExecutionCommand) State() schema.ExecutionState {
	return schema.ExecutionState(c.state.Load())
}

// SetState advances to next if its ordinal is strictly greater than the
// current one. FAILED can only be entered through SetStateFailed. A rejected
// transition is logged as a warning and callers must abort their operation.
func (c *ExecutionCommand) SetState(next schema.ExecutionState) bool {
	if next == schema.StateFailed {
		c.logger().Warn("execution command state change rejected", "command", c.IDAndLabel(), "to", next, "reason", "failed state requires an error")
		return false
	}
	for {
		cur := schema.ExecutionState(c.state.Load())
		if next <= cur {
			c.logger().Warn("execution command state change rejected", "command", c.IDAndLabel(), "from", cur, "to", next)
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			c.logger().Trace("execution command state changed", "command", c.IDAndLabel(), "from", cur, "to", next)
			return true
		}
	}
}

// SetStateFailed records err and forces the state to FAILED from any
// non-terminal state. A second call is a no-op that returns false.
func (c *ExecutionCommand) SetStateFailed(err *ExecError) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(schema.StateSuccess, err)
}

// Fail is shorthand for SetStateFailed with a freshly built error.
func (c *ExecutionCommand) Fail(kind ErrorKind, code int, message string, cause error) bool {
	return c.SetStateFailed(NewExecError(kind, code, message, cause))
}

// failLocked moves to FAILED if the current state is below limit. c.mu must be held.
func (c *ExecutionCommand) failLocked(limit schema.ExecutionState, err *ExecError) bool {
	if err == nil {
		err = NewExecError(ErrorValidation, ErrnoFailed, "unknown failure", nil)
	}
	for {
		cur := schema.ExecutionState(c.state.Load())
		if cur >= limit {
			c.logger().Debug("execution command fail ignored", "command", c.IDAndLabel(), "state", cur, "err", err)
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(schema.StateFailed)) {
			c.errs = append(c.errs, err)
			c.logger().Debug("execution command failed", "command", c.IDAndLabel(), "from", cur, "kind", err.Kind, "err", err)
			return true
		}
	}
}

// cancel fails a command that has not executed yet and, when exitCode is
// non-nil, records it in the same critical section.
func (c *ExecutionCommand) cancel(err *ExecError, exitCode *int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.failLocked(schema.StateExecuted, err) {
		return false
	}
	if exitCode != nil {
		code := *exitCode
		c.exitCode = &code
	}
	return true
}

// markExecuted records the exit code and advances to EXECUTED. It returns
// false when another path already advanced or failed the command.
func (c *ExecutionCommand) markExecuted(exitCode int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsStateFailed() {
		return false
	}
	if !c.SetState(schema.StateExecuted) {
		return false
	}
	c.exitCode = &exitCode
	return true
}

// recordError appends err to the result without changing state.
func (c *ExecutionCommand) recordError(err *ExecError) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

// setExitCode sets the exit code unconditionally.
func (c *ExecutionCommand) setExitCode(code int) {
	c.mu.Lock()
	c.exitCode = &code
	c.mu.Unlock()
}

// HasExecuted reports whether the state is EXECUTED or later.
func (c *ExecutionCommand) HasExecuted() bool {
	return c.State() >= schema.StateExecuted
}

// IsExecuting reports whether the state is EXECUTING.
func (c *ExecutionCommand) IsExecuting() bool {
	return c.State() == schema.StateExecuting
}

// IsStateFailed reports whether the state is FAILED.
func (c *ExecutionCommand) IsStateFailed() bool {
	return c.State() == schema.StateFailed
}

// ShouldNotProcessResults marks the results as being processed and reports
// whether they already were. Only the first caller ever sees false.
func (c *ExecutionCommand) ShouldNotProcessResults() bool {
	return !c.processed.CompareAndSwap(false, true)
}

// ResultsProcessed reports whether result processing has started, without marking it.
func (c *ExecutionCommand) ResultsProcessed() bool {
	return c.processed.Load()
}

// Done is closed once result processing has finished.
func (c *ExecutionCommand) Done() <-chan struct{} {
	return c.done
}

func (c *ExecutionCommand) finishProcessing() {
	close(c.done)
}

// IsPluginWithPendingResult reports whether an external caller awaits the result.
func (c *ExecutionCommand) IsPluginWithPendingResult() bool {
	return c.Plugin && c.Result.HasTarget()
}

// Pid returns the OS process id, or 0 before spawn.
func (c *ExecutionCommand) Pid() int {
	return int(c.pid.Load())
}

func (c *ExecutionCommand) setPid(pid int) {
	c.pid.Store(int64(pid))
}

// ExitCode returns the exit code, or nil before the process exited.
func (c *ExecutionCommand) ExitCode() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode == nil {
		return nil
	}
	code := *c.exitCode
	return &code
}

// Err returns the first recorded error, or nil.
func (c *ExecutionCommand) Err() *ExecError {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs[0]
}

// Errors returns all recorded errors in order.
func (c *ExecutionCommand) Errors() []*ExecError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ExecError(nil), c.errs...)
}

// ResultData returns the frozen outcome for delivery.
func (c *ExecutionCommand) ResultData() schema.Result {
	c.mu.Lock()
	var exitCode *int
	if c.exitCode != nil {
		code := *c.exitCode
		exitCode = &code
	}
	infos := make([]schema.ErrorInfo, 0, len(c.errs))
	for _, err := range c.errs {
		infos = append(infos, err.Info())
	}
	c.mu.Unlock()
	return schema.Result{
		CommandID:            c.ID,
		Label:                c.Label,
		Executable:           c.Executable,
		State:                c.State(),
		Stdout:               c.Stdout.String(),
		Stderr:               c.Stderr.String(),
		StdoutOriginalLength: c.Stdout.OriginalLength(),
		StderrOriginalLength: c.Stderr.OriginalLength(),
		ExitCode:             exitCode,
		Errors:               infos,
	}
}

// Snapshot returns a transport-friendly view of the command.
func (c *ExecutionCommand) Snapshot() schema.ShellSnapshot {
	return schema.ShellSnapshot{
		CommandID:  c.ID,
		Label:      c.Label,
		ShellName:  c.ShellName,
		Runner:     c.Runner,
		Executable: c.Executable,
		Pid:        c.Pid(),
		State:      c.State(),
	}
}

func (c *ExecutionCommand) logger() pslog.Logger {
	if c.log != nil {
		return c.log
	}
	return pslog.Ctx(context.Background())
}
