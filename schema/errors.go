package schema

import "errors"

var (
	// ErrEmptyExecutable indicates a background task without an executable.
	ErrEmptyExecutable = errors.New("executable not set")
	// ErrInvalidRunner indicates an unknown runner name.
	ErrInvalidRunner = errors.New("invalid execution command runner")
	// ErrRunnerMismatch indicates a command was sent to the wrong create call.
	ErrRunnerMismatch = errors.New("wrong runner for create call")
	// ErrInvalidShellCreateMode indicates an unknown shell create mode.
	ErrInvalidShellCreateMode = errors.New("invalid shell create mode")
	// ErrShellNotFound indicates a requested shell could not be found.
	ErrShellNotFound = errors.New("shell not found")
	// ErrShuttingDown indicates the supervisor no longer accepts commands.
	ErrShuttingDown = errors.New("supervisor is shutting down")
	// ErrNoResultTarget indicates a result config has neither callback nor directory.
	ErrNoResultTarget = errors.New("result config has no delivery target")
	// ErrAmbiguousResultTarget indicates a result config has both callback and directory.
	ErrAmbiguousResultTarget = errors.New("result config has both callback and directory")
	// ErrResultDirNotAllowed indicates the result directory is outside the allowed parents.
	ErrResultDirNotAllowed = errors.New("result directory not allowed")
	// ErrInvalidState is returned when decoding an unknown execution state.
	ErrInvalidState = errors.New("invalid execution state")
)
