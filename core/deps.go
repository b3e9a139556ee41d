package core

import "pkt.systems/pslog"

// SupervisorDeps captures optional dependencies for the supervisor.
type SupervisorDeps struct {
	Environment Environment
	Terminals   TerminalFactory
	Sender      ResultSender
	EventSink   EventSink
	Logger      pslog.Logger
	// IDs allocates command ids. A fresh source starting at zero is used when nil.
	IDs *IDSource
}
