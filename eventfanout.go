package shellvisor

import (
	"pkt.systems/shellvisor/core"
	"pkt.systems/shellvisor/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnShellEvent(event schema.ShellEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnShellEvent(event)
	}
}

// fanout collapses sinks into one, dropping nils.
func fanout(sinks ...core.EventSink) core.EventSink {
	out := make([]core.EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return eventFanout{sinks: out}
	}
}
