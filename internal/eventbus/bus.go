package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/shellvisor/schema"
)

// All subscribes to events of every command.
const All schema.CommandID = 0

// Bus fans shell lifecycle events out to subscribers. Subscribers either
// follow a single command or every event.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.CommandID]map[chan schema.ShellEvent]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.CommandID]map[chan schema.ShellEvent]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the command (or All) and returns a
// channel + cancel.
func (b *Bus) Subscribe(id schema.CommandID) (<-chan schema.ShellEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.ShellEvent, b.depth)
	b.mu.Lock()
	subs := b.subs[id]
	if subs == nil {
		subs = make(map[chan schema.ShellEvent]struct{})
		b.subs[id] = subs
	}
	subs[ch] = struct{}{}
	count := len(subs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "command_id", int64(id), "subs", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[id]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, id)
				}
			}
			close(ch)
			b.mu.Unlock()
			b.log.Debug("eventbus unsubscribe", "command_id", int64(id))
		})
	}
}

// OnShellEvent publishes an event to its command's subscribers and to All.
func (b *Bus) OnShellEvent(event schema.ShellEvent) {
	if b == nil {
		return
	}
	dropped := 0
	b.mu.Lock()
	// Sends never block, so holding the lock keeps cancel from closing a
	// channel mid-send.
	for sub := range b.subs[All] {
		if !trySend(sub, event) {
			dropped++
		}
	}
	if event.CommandID != All {
		for sub := range b.subs[event.CommandID] {
			if !trySend(sub, event) {
				dropped++
			}
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Trace("eventbus dropped", "type", string(event.Type), "count", dropped)
	}
}

func trySend(ch chan schema.ShellEvent, event schema.ShellEvent) bool {
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}
