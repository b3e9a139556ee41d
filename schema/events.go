package schema

// ShellEventType identifies a shell lifecycle event.
type ShellEventType string

const (
	// ShellEventStarted is emitted when a shell process was spawned.
	ShellEventStarted ShellEventType = "shell_started"
	// ShellEventExited is emitted when a shell was finalized and removed.
	ShellEventExited ShellEventType = "shell_exited"
	// ShellEventChanged is emitted whenever the registry counts change.
	ShellEventChanged ShellEventType = "shells_changed"
	// ShellEventStopping is emitted when the supervisor begins its shutdown sweep.
	ShellEventStopping ShellEventType = "service_stopping"
)

// ShellEvent describes a lifecycle change in the supervisor.
type ShellEvent struct {
	Type      ShellEventType `json:"type"`
	CommandID CommandID      `json:"command_id,omitempty"`
	Label     string         `json:"label,omitempty"`
	Runner    RunnerKind     `json:"runner,omitempty"`
	Handle    SessionHandle  `json:"handle,omitempty"`
	State     ExecutionState `json:"state,omitempty"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Counts    ShellCounts    `json:"counts"`
}
