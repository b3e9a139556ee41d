package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion || cfg.SystemShell != "/bin/sh" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
home_dir: /home/demo
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 9
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadReadsValues(t *testing.T) {
	t.Setenv("SHELLVISOR_TEST_PREFIX", "/opt/prefix")
	path := writeConfig(t, `
config_version: 1
prefix_dir: $SHELLVISOR_TEST_PREFIX
bin_dir: $SHELLVISOR_TEST_PREFIX/bin
login_shells: [zsh, sh]
env:
  - EDITOR=vi
  - PAGER=$SHELLVISOR_TEST_PREFIX/bin/less
linker:
  enabled: true
  path: /system/bin/linker64
output:
  max_bytes: 4096
session:
  rows: 40
  cols: 132
result:
  allowed_dirs: [/srv/results]
http:
  socket: /run/shellvisor.sock
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PrefixDir != "/opt/prefix" || cfg.BinDir != "/opt/prefix/bin" {
		t.Fatalf("expected env expansion, got %q %q", cfg.PrefixDir, cfg.BinDir)
	}
	if len(cfg.LoginShells) != 2 || cfg.LoginShells[0] != "zsh" {
		t.Fatalf("unexpected login shells %v", cfg.LoginShells)
	}
	env := cfg.ShellEnv().ExtraEnv
	if env["PAGER"] != "/opt/prefix/bin/less" {
		t.Fatalf("expected expanded env entry, got %q", env["PAGER"])
	}
	if env["EDITOR"] != "vi" || !cfg.Linker.Enabled || cfg.Linker.Path != "/system/bin/linker64" {
		t.Fatalf("unexpected env/linker %+v %+v", cfg.Env, cfg.Linker)
	}
	if cfg.Output.MaxBytes != 4096 || cfg.Session.Rows != 40 || cfg.Session.Cols != 132 {
		t.Fatalf("unexpected sizes %+v %+v", cfg.Output, cfg.Session)
	}
	if cfg.Session.TranscriptRows == 0 {
		t.Fatalf("expected transcript rows default to survive")
	}
	if len(cfg.Result.AllowedDirs) != 1 || cfg.Result.AllowedDirs[0] != "/srv/results" || cfg.HTTP.Socket != "/run/shellvisor.sock" {
		t.Fatalf("unexpected result/http config %+v %+v", cfg.Result, cfg.HTTP)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "linker path", content: "config_version: 1\nlinker:\n  enabled: true\n", want: "linker.path"},
		{name: "negative output", content: "config_version: 1\noutput:\n  max_bytes: -1\n", want: "output.max_bytes"},
		{name: "relative allowed dir", content: "config_version: 1\nresult:\n  allowed_dirs: [results]\n", want: "result.allowed_dirs"},
		{name: "bad env", content: "config_version: 1\nenv: [NOVALUE]\n", want: "KEY=VALUE"},
		{name: "relative socket", content: "config_version: 1\nhttp:\n  socket: run/s.sock\n", want: "http.socket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %s error, got %v", tt.want, err)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected written default to load: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
