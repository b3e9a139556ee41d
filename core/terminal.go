package core

import (
	"context"

	"pkt.systems/shellvisor/schema"
)

// TerminalRequest describes a process to start on a pseudo-terminal.
type TerminalRequest struct {
	Path           string
	Args           []string
	Env            []string
	WorkingDir     string
	TranscriptRows int
	Rows           int
	Cols           int
	Name           string
}

// Terminal is a process attached to a pseudo-terminal.
type Terminal interface {
	Handle() schema.SessionHandle
	Pid() int
	IsRunning() bool
	// ExitStatus returns the exit status once IsRunning is false.
	ExitStatus() int
	// FinishIfRunning kills the process if it is still running. The exit
	// callback still fires once the process is reaped.
	FinishIfRunning()
}

// TerminalFactory starts processes on pseudo-terminals. onExit is called
// exactly once, from the factory's own goroutine, after the process exited.
type TerminalFactory interface {
	Start(ctx context.Context, req TerminalRequest, onExit func(Terminal)) (Terminal, error)
}

// ResultSender delivers a finished command's result to its caller.
type ResultSender interface {
	Send(ctx context.Context, cfg *schema.ResultConfig, result schema.Result) error
}
