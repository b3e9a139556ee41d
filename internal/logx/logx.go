package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/shellvisor/schema"
)

type contextKey int

const (
	commandKey contextKey = iota
	shellKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// Or returns log, or the context-free default logger when log is nil.
func Or(log pslog.Logger) pslog.Logger {
	if log != nil {
		return log
	}
	return pslog.Ctx(context.Background())
}

// WithCommand annotates the logger with a command id and label.
func WithCommand(log pslog.Logger, id schema.CommandID, label string) pslog.Logger {
	log = Or(log)
	if id != 0 {
		log = log.With("command_id", int64(id))
	}
	if label != "" {
		log = log.With("label", label)
	}
	return log
}

// WithCommandCtx annotates the context logger with a command id unless the
// context already carries it.
func WithCommandCtx(ctx context.Context, id schema.CommandID, label string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if current, ok := ctx.Value(commandKey).(schema.CommandID); ok && current == id {
		return log
	}
	return WithCommand(log, id, label)
}

// WithShell annotates the logger with a shell name.
func WithShell(log pslog.Logger, name string) pslog.Logger {
	log = Or(log)
	if name != "" {
		log = log.With("shell", name)
	}
	return log
}

// WithHandle annotates the logger with an interactive session handle.
func WithHandle(log pslog.Logger, handle schema.SessionHandle) pslog.Logger {
	log = Or(log)
	if handle != "" {
		log = log.With("handle", string(handle))
	}
	return log
}

// ContextWithCommand stores the command marker on the context for log de-duplication.
func ContextWithCommand(ctx context.Context, id schema.CommandID) context.Context {
	if ctx == nil || id == 0 {
		return ctx
	}
	return context.WithValue(ctx, commandKey, id)
}

// ContextWithShell stores the shell marker on the context.
func ContextWithShell(ctx context.Context, name string) context.Context {
	if ctx == nil || name == "" {
		return ctx
	}
	return context.WithValue(ctx, shellKey, name)
}

// ContextWithCommandLogger attaches the logger and command marker to the context.
func ContextWithCommandLogger(ctx context.Context, log pslog.Logger, id schema.CommandID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithCommand(ctx, id)
}

// CopyContextFields copies command/shell markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if id, ok := src.Value(commandKey).(schema.CommandID); ok && id != 0 {
		dst = ContextWithCommand(dst, id)
	}
	if name, ok := src.Value(shellKey).(string); ok && name != "" {
		dst = ContextWithShell(dst, name)
	}
	return dst
}
