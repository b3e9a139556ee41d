package shellenv

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"pkt.systems/shellvisor/core"
)

func writeExecutable(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newProvider(t *testing.T, mutate func(*Config)) (*Provider, string) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		HomeDir:   filepath.Join(root, "home"),
		PrefixDir: filepath.Join(root, "usr"),
		TmpDir:    filepath.Join(root, "tmp"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p, root
}

func TestDefaults(t *testing.T) {
	p, root := newProvider(t, nil)
	if p.DefaultBinaryDirectory() != filepath.Join(root, "usr", "bin") {
		t.Fatalf("unexpected bin dir %q", p.DefaultBinaryDirectory())
	}
	if p.DefaultWorkingDirectory() != filepath.Join(root, "home") {
		t.Fatalf("unexpected workdir %q", p.DefaultWorkingDirectory())
	}
	if p.Config().SystemShell != defaultSystemShell {
		t.Fatalf("unexpected system shell %q", p.Config().SystemShell)
	}
}

func TestLinkerRequiresPath(t *testing.T) {
	if _, err := New(Config{HomeDir: "/tmp", LinkerEnabled: true}, nil); err == nil {
		t.Fatalf("expected error for linker without path")
	}
}

func TestLoginShellProbesInOrder(t *testing.T) {
	p, root := newProvider(t, nil)
	zsh := filepath.Join(root, "usr", "bin", "zsh")
	writeExecutable(t, zsh, "#!/bin/sh\n")
	writeExecutable(t, filepath.Join(root, "usr", "bin", "sh"), "#!/bin/sh\n")
	// Not executable, must be skipped.
	if err := os.WriteFile(filepath.Join(root, "usr", "bin", "bash"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write bash: %v", err)
	}

	path, login := p.LoginShell(false)
	if path != zsh || !login {
		t.Fatalf("expected zsh login shell, got %q login=%v", path, login)
	}
	path, login = p.LoginShell(true)
	if path != defaultSystemShell || login {
		t.Fatalf("expected failsafe system shell, got %q login=%v", path, login)
	}
}

func TestLoginShellFallsBackToSystemShell(t *testing.T) {
	p, _ := newProvider(t, func(cfg *Config) { cfg.SystemShell = "/bin/dash" })
	path, login := p.LoginShell(false)
	if path != "/bin/dash" || login {
		t.Fatalf("expected system shell fallback, got %q login=%v", path, login)
	}
}

func TestBuildArgv(t *testing.T) {
	p, root := newProvider(t, nil)
	tool := filepath.Join(root, "usr", "bin", "tool")
	writeExecutable(t, tool, "\x7fELF")

	tests := []struct {
		name     string
		exe      string
		opts     core.ArgvOptions
		wantPath string
		wantArgs []string
	}{
		{name: "background", exe: tool, wantPath: tool, wantArgs: []string{tool, "a"}},
		{name: "bare name", exe: "tool", wantPath: tool, wantArgs: []string{tool, "a"}},
		{name: "interactive", exe: tool, opts: core.ArgvOptions{Interactive: true}, wantPath: tool, wantArgs: []string{"tool", "a"}},
		{name: "login", exe: tool, opts: core.ArgvOptions{Interactive: true, LoginShell: true}, wantPath: tool, wantArgs: []string{"-tool", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, err := p.BuildArgv(tt.exe, []string{"a"}, tt.opts)
			if err != nil {
				t.Fatalf("build argv: %v", err)
			}
			if argv.Path != tt.wantPath || strings.Join(argv.Args, " ") != strings.Join(tt.wantArgs, " ") {
				t.Fatalf("expected %q %v, got %q %v", tt.wantPath, tt.wantArgs, argv.Path, argv.Args)
			}
		})
	}
	if _, err := p.BuildArgv("", nil, core.ArgvOptions{}); err == nil {
		t.Fatalf("expected error for empty executable")
	}
}

func TestBuildArgvRewritesMissingInterpreter(t *testing.T) {
	p, root := newProvider(t, nil)
	interp := filepath.Join(root, "usr", "bin", "fakesh")
	writeExecutable(t, interp, "\x7fELF")
	script := filepath.Join(root, "home", "run.sh")
	writeExecutable(t, script, "#!/nonexistent/bin/fakesh -e\necho hi\n")

	argv, err := p.BuildArgv(script, []string{"x"}, core.ArgvOptions{})
	if err != nil {
		t.Fatalf("build argv: %v", err)
	}
	want := []string{interp, "-e", script, "x"}
	if argv.Path != interp || strings.Join(argv.Args, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q %v, got %q %v", interp, want, argv.Path, argv.Args)
	}
}

func TestBuildArgvLinkerWrapsInteractive(t *testing.T) {
	p, root := newProvider(t, func(cfg *Config) {
		cfg.LinkerEnabled = true
		cfg.LinkerPath = "/system/bin/linker64"
	})
	shell := filepath.Join(root, "usr", "bin", "bash")
	writeExecutable(t, shell, "\x7fELF")

	argv, err := p.BuildArgv(shell, []string{"-l"}, core.ArgvOptions{Interactive: true, LoginShell: true})
	if err != nil {
		t.Fatalf("build argv: %v", err)
	}
	want := []string{"-bash", filepath.Join(root, "usr", "bin", "sh"), shell, "-l"}
	if argv.Path != "/system/bin/linker64" || strings.Join(argv.Args, "|") != strings.Join(want, "|") {
		t.Fatalf("expected linker wrap %v, got %q %v", want, argv.Path, argv.Args)
	}

	argv, _ = p.BuildArgv(shell, nil, core.ArgvOptions{Interactive: true, Failsafe: true})
	if argv.Path != shell {
		t.Fatalf("expected failsafe to skip the linker, got %q", argv.Path)
	}
	argv, _ = p.BuildArgv(shell, nil, core.ArgvOptions{})
	if argv.Path != shell {
		t.Fatalf("expected background tasks to skip the linker, got %q", argv.Path)
	}
}

func TestBuildEnvironment(t *testing.T) {
	p, root := newProvider(t, func(cfg *Config) { cfg.ExtraEnv = map[string]string{"EDITOR": "vi"} })
	env := p.BuildEnvironment(false)
	if !sort.StringsAreSorted(env) {
		t.Fatalf("expected sorted environment, got %v", env)
	}
	joined := strings.Join(env, "\n")
	for _, want := range []string{
		"HOME=" + filepath.Join(root, "home"),
		"PREFIX=" + filepath.Join(root, "usr"),
		"TMPDIR=" + filepath.Join(root, "tmp"),
		"EDITOR=vi",
		"PATH=" + filepath.Join(root, "usr", "bin"),
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in %v", want, env)
		}
	}

	failsafe := strings.Join(p.BuildEnvironment(true), "\n")
	if strings.Contains(failsafe, "PREFIX=") || strings.Contains(failsafe, "EDITOR=") {
		t.Fatalf("expected minimal failsafe environment, got %s", failsafe)
	}
}
