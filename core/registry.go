package core

import (
	"sync"

	"pkt.systems/shellvisor/schema"
)

// Registry tracks live interactive sessions, background tasks, and plugin
// commands accepted but not yet spawned. A command is in at most one list.
type Registry struct {
	ids *IDSource

	mu       sync.Mutex
	sessions []*InteractiveSession
	tasks    []*BackgroundTask
	pending  []*ExecutionCommand
	stopping bool
}

// NewRegistry returns an empty registry allocating ids from ids.
func NewRegistry(ids *IDSource) *Registry {
	if ids == nil {
		ids = NewIDSource(0)
	}
	return &Registry{ids: ids}
}

// NextID allocates a command id.
func (r *Registry) NextID() schema.CommandID {
	return r.ids.Next()
}

// AddPending records a plugin command awaiting spawn. It fails once the
// registry is stopping.
func (r *Registry) AddPending(cmd *ExecutionCommand) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return false
	}
	r.pending = append(r.pending, cmd)
	return true
}

// PromoteTask moves the task's command out of pending and lists the task.
// It returns false when the command was already processed or the registry
// is stopping; the caller then owns cleanup of the task.
func (r *Registry) PromoteTask(task *BackgroundTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = removeCommand(r.pending, task.cmd)
	if r.stopping || task.cmd.ResultsProcessed() {
		return false
	}
	r.tasks = append(r.tasks, task)
	return true
}

// PromoteSession is PromoteTask for interactive sessions.
func (r *Registry) PromoteSession(session *InteractiveSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = removeCommand(r.pending, session.cmd)
	if r.stopping || session.cmd.ResultsProcessed() {
		return false
	}
	r.sessions = append(r.sessions, session)
	return true
}

// Remove drops cmd from whichever list holds it and reports whether it was found.
func (r *Registry) Remove(cmd *ExecutionCommand) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for i, s := range r.sessions {
		if s.cmd == cmd {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			found = true
			break
		}
	}
	for i, t := range r.tasks {
		if t.cmd == cmd {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			found = true
			break
		}
	}
	before := len(r.pending)
	r.pending = removeCommand(r.pending, cmd)
	return found || len(r.pending) != before
}

func removeCommand(list []*ExecutionCommand, cmd *ExecutionCommand) []*ExecutionCommand {
	for i, c := range list {
		if c == cmd {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// BeginShutdown marks the registry as stopping and snapshots all lists in
// the same critical section. first is false on every call after the first.
func (r *Registry) BeginShutdown() (sessions []*InteractiveSession, tasks []*BackgroundTask, pending []*ExecutionCommand, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	first = !r.stopping
	r.stopping = true
	return append([]*InteractiveSession(nil), r.sessions...),
		append([]*BackgroundTask(nil), r.tasks...),
		append([]*ExecutionCommand(nil), r.pending...),
		first
}

// Stopping reports whether shutdown began.
func (r *Registry) Stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// Sessions returns a copy of the live sessions in tab order.
func (r *Registry) Sessions() []*InteractiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*InteractiveSession(nil), r.sessions...)
}

// Tasks returns a copy of the live background tasks.
func (r *Registry) Tasks() []*BackgroundTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*BackgroundTask(nil), r.tasks...)
}

// Pending returns a copy of the pending plugin commands.
func (r *Registry) Pending() []*ExecutionCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ExecutionCommand(nil), r.pending...)
}

// Counts returns the list sizes.
func (r *Registry) Counts() schema.ShellCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return schema.ShellCounts{Sessions: len(r.sessions), Tasks: len(r.tasks), Pending: len(r.pending)}
}

// TaskByShellName returns the first live task with the given shell name.
func (r *Registry) TaskByShellName(name string) *BackgroundTask {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.name == name {
			return t
		}
	}
	return nil
}

// SessionByHandle returns the session with the given handle, or nil.
func (r *Registry) SessionByHandle(handle schema.SessionHandle) *InteractiveSession {
	_, session := r.sessionIndex(handle)
	return session
}

// SessionIndex returns the tab index of the session, or -1.
func (r *Registry) SessionIndex(handle schema.SessionHandle) int {
	index, _ := r.sessionIndex(handle)
	return index
}

func (r *Registry) sessionIndex(handle schema.SessionHandle) (int, *InteractiveSession) {
	if handle == "" {
		return -1, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sessions {
		if s.Handle() == handle {
			return i, s
		}
	}
	return -1, nil
}

// LastSession returns the most recently added session, or nil.
func (r *Registry) LastSession() *InteractiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

// Snapshots returns transport views of everything tracked, sessions first.
func (r *Registry) Snapshots() []schema.ShellSnapshot {
	r.mu.Lock()
	sessions := append([]*InteractiveSession(nil), r.sessions...)
	tasks := append([]*BackgroundTask(nil), r.tasks...)
	pending := append([]*ExecutionCommand(nil), r.pending...)
	r.mu.Unlock()

	out := make([]schema.ShellSnapshot, 0, len(sessions)+len(tasks)+len(pending))
	for _, s := range sessions {
		snap := s.cmd.Snapshot()
		snap.Handle = s.Handle()
		out = append(out, snap)
	}
	for _, t := range tasks {
		out = append(out, t.cmd.Snapshot())
	}
	for _, c := range pending {
		snap := c.Snapshot()
		snap.Pending = true
		out = append(out, snap)
	}
	return out
}
