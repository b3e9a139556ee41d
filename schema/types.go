package schema

import (
	"fmt"
	"strings"
)

// CommandID identifies an execution command within one supervisor.
type CommandID int64

// SessionHandle identifies an interactive session.
type SessionHandle string

// RunnerKind selects how a command is attached to the host.
type RunnerKind string

const (
	// RunnerInteractiveSession runs the command on a pseudo-terminal.
	RunnerInteractiveSession RunnerKind = "terminal-session"
	// RunnerBackgroundTask runs the command detached with piped stdio.
	RunnerBackgroundTask RunnerKind = "app-shell"
)

// ParseRunnerKind validates a runner name. An empty name selects the
// interactive session runner unless background is set.
func ParseRunnerKind(value string, background bool) (RunnerKind, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if background {
			return RunnerBackgroundTask, nil
		}
		return RunnerInteractiveSession, nil
	}
	switch RunnerKind(trimmed) {
	case RunnerInteractiveSession, RunnerBackgroundTask:
		return RunnerKind(trimmed), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRunner, trimmed)
	}
}

// ShellCreateMode controls whether a new shell is created when one with the
// same name already exists.
type ShellCreateMode string

const (
	// ShellCreateAlways always creates a new shell.
	ShellCreateAlways ShellCreateMode = "always"
	// ShellCreateNoShellWithName reuses a live shell with the same name.
	ShellCreateNoShellWithName ShellCreateMode = "no-shell-with-name"
)

// ParseShellCreateMode validates a shell create mode, defaulting to always.
func ParseShellCreateMode(value string) (ShellCreateMode, error) {
	trimmed := strings.TrimSpace(value)
	switch ShellCreateMode(trimmed) {
	case "":
		return ShellCreateAlways, nil
	case ShellCreateAlways, ShellCreateNoShellWithName:
		return ShellCreateMode(trimmed), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidShellCreateMode, trimmed)
	}
}

// ExecutionState is the lifecycle state of an execution command. States are
// ordered; a command only ever moves to a state with a higher ordinal.
type ExecutionState int32

const (
	// StateNew is the initial state.
	StateNew ExecutionState = iota
	// StateExecuting means the process was (or is being) spawned.
	StateExecuting
	// StateExecuted means the process exited and output is fully captured.
	StateExecuted
	// StateSuccess means results were processed without error.
	StateSuccess
	// StateFailed means the command failed; an error is always recorded.
	StateFailed
)

func (s ExecutionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateExecuting:
		return "executing"
	case StateExecuted:
		return "executed"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s ExecutionState) MarshalText() ([]byte, error) {
	switch s {
	case StateNew, StateExecuting, StateExecuted, StateSuccess, StateFailed:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, int32(s))
	}
}

// UnmarshalText decodes a state name as produced by MarshalText.
func (s *ExecutionState) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for state := StateNew; state <= StateFailed; state++ {
		if state.String() == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidState, name)
}

// Terminal reports whether the state is SUCCESS or FAILED.
func (s ExecutionState) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}
