package core

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/shellvisor/schema"
)

var allStates = []schema.ExecutionState{
	schema.StateNew,
	schema.StateExecuting,
	schema.StateExecuted,
	schema.StateSuccess,
	schema.StateFailed,
}

func TestSetStateNeverMovesBackward(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			if to > from {
				continue
			}
			cmd := newTestCommand(t, schema.ExecRequest{Executable: "/bin/true"})
			cmd.state.Store(int32(from))
			if cmd.SetState(to) {
				t.Fatalf("expected %s -> %s to be rejected", from, to)
			}
			if cmd.State() != from {
				t.Fatalf("expected state to stay %s, got %s", from, cmd.State())
			}
		}
	}
}

func TestSetStateForwardSequence(t *testing.T) {
	cmd := newTestCommand(t, schema.ExecRequest{Executable: "/bin/true"})
	for _, next := range []schema.ExecutionState{schema.StateExecuting, schema.StateExecuted, schema.StateSuccess} {
		if !cmd.SetState(next) {
			t.Fatalf("expected transition to %s", next)
		}
	}
	if cmd.SetStateFailed(NewExecError(ErrorCancelled, ErrnoCancelled, "late", nil)) {
		t.Fatalf("expected fail after success to be rejected")
	}
	if cmd.State() != schema.StateSuccess {
		t.Fatalf("expected success, got %s", cmd.State())
	}
}

func TestSetStateRejectsFailedTarget(t *testing.T) {
	cmd := newTestCommand(t, schema.ExecRequest{Executable: "/bin/true"})
	if cmd.SetState(schema.StateFailed) {
		t.Fatalf("expected failed to require SetStateFailed")
	}
	if cmd.State() != schema.StateNew {
		t.Fatalf("expected new, got %s", cmd.State())
	}
}

func TestSetStateFailedFromNewIsIdempotent(t *testing.T) {
	cmd := newTestCommand(t, schema.ExecRequest{})
	if !cmd.Fail(ErrorValidation, ErrnoFailed, "executable is required", schema.ErrEmptyExecutable) {
		t.Fatalf("expected first fail to succeed")
	}
	if cmd.Fail(ErrorCancelled, ErrnoCancelled, "again", nil) {
		t.Fatalf("expected second fail to be a no-op")
	}
	if !cmd.IsStateFailed() || !cmd.HasExecuted() {
		t.Fatalf("expected failed state to count as executed, got %s", cmd.State())
	}
	errs := cmd.Errors()
	if len(errs) != 1 || errs[0].Kind != ErrorValidation {
		t.Fatalf("expected a single validation error, got %+v", errs)
	}
}

func TestCancelDoesNotOverrideExecuted(t *testing.T) {
	cmd := newTestCommand(t, schema.ExecRequest{Executable: "/bin/true"})
	cmd.SetState(schema.StateExecuting)
	if !cmd.markExecuted(0) {
		t.Fatalf("expected executed")
	}
	code := ExitCodeSIGKILL
	if cmd.cancel(cancelledError("late kill"), &code) {
		t.Fatalf("expected cancel after executed to be rejected")
	}
	if got := cmd.ExitCode(); got == nil || *got != 0 {
		t.Fatalf("expected exit code 0 to survive, got %v", got)
	}
}

func TestMarkExecutedAfterCancelIsRejected(t *testing.T) {
	cmd := newTestCommand(t, schema.ExecRequest{Executable: "/bin/true"})
	cmd.SetState(schema.StateExecuting)
	code := ExitCodeSIGKILL
	if !cmd.cancel(cancelledError("kill"), &code) {
		t.Fatalf("expected cancel to succeed")
	}
	if cmd.markExecuted(0) {
		t.Fatalf("expected natural exit to lose the race")
	}
	if got := cmd.ExitCode(); got == nil || *got != ExitCodeSIGKILL {
		t.Fatalf("expected exit code %d, got %v", ExitCodeSIGKILL, got)
	}
}

func TestShouldNotProcessResultsOnlyOnce(t *testing.T) {
	cmd := newTestCommand(t, schema.ExecRequest{Executable: "/bin/true"})
	var first atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cmd.ShouldNotProcessResults() {
				first.Add(1)
			}
		}()
	}
	wg.Wait()
	if first.Load() != 1 {
		t.Fatalf("expected exactly one processor, got %d", first.Load())
	}
	if !cmd.ResultsProcessed() {
		t.Fatalf("expected processed flag")
	}
}

func TestSetStateRejectionLogsWarning(t *testing.T) {
	logs := &logBuffer{}
	cmd := NewExecutionCommand(4, schema.ExecRequest{Executable: "/bin/true", Label: "demo"}, 0, testLogger(logs))
	cmd.SetState(schema.StateExecuting)
	cmd.SetState(schema.StateNew)
	out := logs.String()
	if !strings.Contains(out, "execution command state change rejected") {
		t.Fatalf("expected rejection warning, got %s", out)
	}
	if !strings.Contains(out, "4 (demo)") {
		t.Fatalf("expected id and label in log, got %s", out)
	}
}

func TestIDAndLabel(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{label: "", want: "9"},
		{label: "backup", want: "9 (backup)"},
	}
	for _, tt := range tests {
		cmd := NewExecutionCommand(9, schema.ExecRequest{Label: tt.label}, 0, nil)
		if got := cmd.IDAndLabel(); got != tt.want {
			t.Fatalf("label %q: expected %q, got %q", tt.label, tt.want, got)
		}
	}
}

func TestResultDataCarriesOutputAndErrors(t *testing.T) {
	cmd := NewExecutionCommand(2, schema.ExecRequest{Executable: "/bin/x", Label: "x"}, 4, nil)
	_, _ = cmd.Stdout.Write([]byte("abcdef"))
	cmd.SetState(schema.StateExecuting)
	cmd.Fail(ErrorIO, ErrnoFailed, "write stdin failed", nil)
	cmd.setExitCode(1)

	result := cmd.ResultData()
	if result.Stdout != "abcd" || result.StdoutOriginalLength != 6 {
		t.Fatalf("unexpected stdout %q (%d)", result.Stdout, result.StdoutOriginalLength)
	}
	if result.ExitCode == nil || *result.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %v", result.ExitCode)
	}
	if result.Err() == nil || result.Err().Kind != string(ErrorIO) {
		t.Fatalf("expected io error, got %+v", result.Errors)
	}
	if result.State != schema.StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
}

func TestIsPluginWithPendingResult(t *testing.T) {
	tests := []struct {
		name string
		req  schema.ExecRequest
		want bool
	}{
		{name: "not plugin", req: schema.ExecRequest{Result: &schema.ResultConfig{Directory: "/tmp"}}},
		{name: "no target", req: schema.ExecRequest{Plugin: true, Result: &schema.ResultConfig{}}},
		{name: "directory", req: schema.ExecRequest{Plugin: true, Result: &schema.ResultConfig{Directory: "/tmp"}}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewExecutionCommand(1, tt.req, 0, nil)
			if got := cmd.IsPluginWithPendingResult(); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
