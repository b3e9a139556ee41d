package schema

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseRunnerKind(t *testing.T) {
	tests := []struct {
		value      string
		background bool
		want       RunnerKind
		err        error
	}{
		{value: "", want: RunnerInteractiveSession},
		{value: "", background: true, want: RunnerBackgroundTask},
		{value: " app-shell ", want: RunnerBackgroundTask},
		{value: "terminal-session", background: true, want: RunnerInteractiveSession},
		{value: "daemon", err: ErrInvalidRunner},
	}
	for _, tt := range tests {
		got, err := ParseRunnerKind(tt.value, tt.background)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Fatalf("%q: expected %v, got %v", tt.value, tt.err, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("%q: expected %q, got %q (%v)", tt.value, tt.want, got, err)
		}
	}
}

func TestParseShellCreateMode(t *testing.T) {
	if mode, err := ParseShellCreateMode(""); err != nil || mode != ShellCreateAlways {
		t.Fatalf("expected default always, got %q %v", mode, err)
	}
	if mode, err := ParseShellCreateMode("no-shell-with-name"); err != nil || mode != ShellCreateNoShellWithName {
		t.Fatalf("unexpected mode %q %v", mode, err)
	}
	if _, err := ParseShellCreateMode("never"); !errors.Is(err, ErrInvalidShellCreateMode) {
		t.Fatalf("expected invalid mode, got %v", err)
	}
}

func TestExecutionStateOrdering(t *testing.T) {
	order := []ExecutionState{StateNew, StateExecuting, StateExecuted, StateSuccess, StateFailed}
	for i := 1; i < len(order); i++ {
		if order[i] <= order[i-1] {
			t.Fatalf("expected %s after %s", order[i], order[i-1])
		}
	}
	if !StateSuccess.Terminal() || !StateFailed.Terminal() || StateExecuted.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
	if StateExecuted.String() != "executed" {
		t.Fatalf("unexpected name %q", StateExecuted.String())
	}
}

func TestExecutionStateEncodesByName(t *testing.T) {
	data, err := json.Marshal(Result{State: StateSuccess})
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	if !strings.Contains(string(data), `"state":"success"`) {
		t.Fatalf("expected state name in json, got %s", data)
	}
	var fromJSON Result
	if err := json.Unmarshal(data, &fromJSON); err != nil || fromJSON.State != StateSuccess {
		t.Fatalf("expected json round trip, got %v err=%v", fromJSON.State, err)
	}

	out, err := yaml.Marshal(ShellSnapshot{State: StateFailed})
	if err != nil {
		t.Fatalf("marshal yaml: %v", err)
	}
	if !strings.Contains(string(out), "state: failed") {
		t.Fatalf("expected state name in yaml, got %s", out)
	}
	var fromYAML Result
	if err := yaml.Unmarshal([]byte("state: executing\n"), &fromYAML); err != nil || fromYAML.State != StateExecuting {
		t.Fatalf("expected yaml decode, got %v err=%v", fromYAML.State, err)
	}

	var state ExecutionState
	if err := state.UnmarshalText([]byte("bogus")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	if _, err := ExecutionState(42).MarshalText(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state error for unknown ordinal, got %v", err)
	}
}

func TestResultConfigValidate(t *testing.T) {
	callback := func(ctx context.Context, r Result) error { return nil }
	tests := []struct {
		name string
		cfg  *ResultConfig
		err  error
	}{
		{name: "nil", cfg: nil, err: ErrNoResultTarget},
		{name: "empty", cfg: &ResultConfig{}, err: ErrNoResultTarget},
		{name: "callback", cfg: &ResultConfig{Callback: callback}},
		{name: "directory", cfg: &ResultConfig{Directory: "/tmp"}},
		{name: "both", cfg: &ResultConfig{Callback: callback, Directory: "/tmp"}, err: ErrAmbiguousResultTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestNormalizeServiceConfigDefaults(t *testing.T) {
	cfg, err := NormalizeServiceConfig(ServiceConfig{HomeDir: "/home/u"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.OutputMaxBytes != DefaultOutputMaxBytes || cfg.TranscriptRows != DefaultTranscriptRows || cfg.Rows != DefaultRows || cfg.Cols != DefaultCols {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
