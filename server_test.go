package shellvisor

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/shellvisor/core"
	"pkt.systems/shellvisor/internal/shellenv"
	"pkt.systems/shellvisor/schema"
)

type recordingSink struct {
	mu     sync.Mutex
	events []schema.ShellEvent
}

func (r *recordingSink) OnShellEvent(event schema.ShellEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) count(kind schema.ShellEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Type == kind {
			n++
		}
	}
	return n
}

func TestNotificationText(t *testing.T) {
	tests := []struct {
		counts schema.ShellCounts
		want   string
	}{
		{counts: schema.ShellCounts{}, want: "0 sessions"},
		{counts: schema.ShellCounts{Sessions: 1}, want: "1 session"},
		{counts: schema.ShellCounts{Sessions: 2, Tasks: 1}, want: "2 sessions, 1 task"},
		{counts: schema.ShellCounts{Tasks: 3, Pending: 4}, want: "0 sessions, 3 tasks"},
	}
	for _, tt := range tests {
		if got := NotificationText(tt.counts); got != tt.want {
			t.Fatalf("%+v: expected %q, got %q", tt.counts, tt.want, got)
		}
	}
}

func TestNotifierLogsOnlyChanges(t *testing.T) {
	var buf bytes.Buffer
	log := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.InfoLevel})
	n := newNotifier(log)
	n.OnShellEvent(schema.ShellEvent{Type: schema.ShellEventChanged, Counts: schema.ShellCounts{Tasks: 1}})
	n.OnShellEvent(schema.ShellEvent{Type: schema.ShellEventChanged, Counts: schema.ShellCounts{Tasks: 1}})
	n.OnShellEvent(schema.ShellEvent{Type: schema.ShellEventStarted})
	if got := strings.Count(buf.String(), "shells changed"); got != 1 {
		t.Fatalf("expected one change log, got %d: %s", got, buf.String())
	}
}

func TestFanout(t *testing.T) {
	if fanout(nil, nil) != nil {
		t.Fatalf("expected nil fanout for no sinks")
	}
	a := &recordingSink{}
	if fanout(nil, a) != core.EventSink(a) {
		t.Fatalf("expected a single sink to be used directly")
	}
	b := &recordingSink{}
	fanout(a, nil, b).OnShellEvent(schema.ShellEvent{Type: schema.ShellEventChanged})
	if a.count(schema.ShellEventChanged) != 1 || b.count(schema.ShellEventChanged) != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
}

func newTestServer(t *testing.T, sink core.EventSink) Server {
	t.Helper()
	for _, path := range []string{"/bin/sh", "/bin/echo"} {
		if _, err := os.Stat(path); err != nil {
			t.Skipf("%s not available", path)
		}
	}
	home := t.TempDir()
	srv, err := New(ServerConfig{
		Service: schema.ServiceConfig{HomeDir: home},
		Env:     shellenv.Config{HomeDir: home},
	}, ServerDeps{EventSink: sink})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestServerRunsCommandAndStops(t *testing.T) {
	sink := &recordingSink{}
	srv := newTestServer(t, sink)
	results := make(chan schema.Result, 1)
	_, cmd, err := srv.Supervisor().Execute(context.Background(), schema.ExecRequest{
		Runner:     schema.RunnerBackgroundTask,
		Executable: "/bin/echo",
		Args:       []string{"hello"},
		Plugin:     true,
		Result: &schema.ResultConfig{Callback: func(_ context.Context, r schema.Result) error {
			results <- r
			return nil
		}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	select {
	case r := <-results:
		if r.Stdout != "hello\n" {
			t.Fatalf("unexpected stdout %q", r.Stdout)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
	select {
	case <-cmd.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for processing")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, _, err := srv.Supervisor().Execute(context.Background(), schema.ExecRequest{Runner: schema.RunnerBackgroundTask, Executable: "/bin/echo"}); err == nil {
		t.Fatalf("expected execute after stop to fail")
	}
	if stopping := sink.count(schema.ShellEventStopping); stopping != 1 {
		t.Fatalf("expected one stopping event, got %d", stopping)
	}
}

func TestServerWaitRequiresStart(t *testing.T) {
	srv := newTestServer(t, nil)
	if err := srv.Wait(); err == nil {
		t.Fatalf("expected wait before start to fail")
	}
	_ = srv.Stop(context.Background())
}
