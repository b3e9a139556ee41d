package shellvisor

import (
	"fmt"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/shellvisor/schema"
)

// notifier logs a one-line summary whenever the number of live shells
// changes, the way a foreground notification would show it.
type notifier struct {
	log  pslog.Logger
	mu   sync.Mutex
	last string
}

func newNotifier(log pslog.Logger) *notifier {
	return &notifier{log: log}
}

func (n *notifier) OnShellEvent(event schema.ShellEvent) {
	if event.Type == schema.ShellEventStopping {
		n.log.Info("shells stopping")
		return
	}
	if event.Type != schema.ShellEventChanged {
		return
	}
	text := NotificationText(event.Counts)
	n.mu.Lock()
	changed := text != n.last
	n.last = text
	n.mu.Unlock()
	if changed {
		n.log.Info("shells changed", "summary", text, "sessions", event.Counts.Sessions, "tasks", event.Counts.Tasks, "pending", event.Counts.Pending)
	}
}

// NotificationText renders counts as "1 session, 2 tasks". Pending commands
// are not shown.
func NotificationText(counts schema.ShellCounts) string {
	parts := []string{plural(counts.Sessions, "session")}
	if counts.Tasks > 0 {
		parts = append(parts, plural(counts.Tasks, "task"))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
