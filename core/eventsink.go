package core

import "pkt.systems/shellvisor/schema"

// EventSink receives shell lifecycle events from the supervisor.
type EventSink interface {
	OnShellEvent(event schema.ShellEvent)
}
