package core

import (
	"fmt"

	"pkt.systems/shellvisor/schema"
)

// ErrorKind classifies execution failures.
type ErrorKind string

const (
	// ErrorValidation indicates a malformed command (empty executable, bad runner).
	ErrorValidation ErrorKind = "validation"
	// ErrorSpawn indicates the OS refused to create the process.
	ErrorSpawn ErrorKind = "spawn_failure"
	// ErrorIO indicates an unexpected I/O error while feeding or draining the process.
	ErrorIO ErrorKind = "io_failure"
	// ErrorCancelled indicates the command was killed before or during execution.
	ErrorCancelled ErrorKind = "cancelled"
	// ErrorDelivery indicates the result could not be delivered to its caller.
	ErrorDelivery ErrorKind = "delivery_failure"
)

// Errno-style codes carried on ExecError.
const (
	ErrnoFailed    = 1
	ErrnoCancelled = 2
)

// ExitCodeSIGKILL is the exit code reported for a process killed with SIGKILL.
const ExitCodeSIGKILL = 128 + 9

// ExecError wraps execution failures with a stable classification.
type ExecError struct {
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

// NewExecError constructs a classified execution error.
func NewExecError(kind ErrorKind, code int, message string, err error) *ExecError {
	return &ExecError{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *ExecError) Error() string {
	if e == nil {
		return "execution error"
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return fmt.Sprintf("execution %s", e.Kind)
}

func (e *ExecError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Info returns the transport form of the error.
func (e *ExecError) Info() schema.ErrorInfo {
	if e == nil {
		return schema.ErrorInfo{}
	}
	info := schema.ErrorInfo{Kind: string(e.Kind), Code: e.Code, Message: e.Message}
	if info.Message == "" {
		info.Message = e.Error()
	}
	if e.Err != nil {
		info.Cause = e.Err.Error()
	}
	return info
}
