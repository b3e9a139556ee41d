package appconfig

import (
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/shellvisor/internal/shellenv"
	"pkt.systems/shellvisor/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	HomeDir       string        `mapstructure:"home_dir" yaml:"home_dir"`
	PrefixDir     string        `mapstructure:"prefix_dir" yaml:"prefix_dir"`
	BinDir        string        `mapstructure:"bin_dir" yaml:"bin_dir"`
	TmpDir        string        `mapstructure:"tmp_dir" yaml:"tmp_dir"`
	SystemShell   string        `mapstructure:"system_shell" yaml:"system_shell"`
	LoginShells   []string      `mapstructure:"login_shells" yaml:"login_shells"`
	// Env holds extra KEY=VALUE entries for non-failsafe children.
	Env           []string      `mapstructure:"env" yaml:"env"`
	Linker        LinkerConfig  `mapstructure:"linker" yaml:"linker"`
	Output        OutputConfig  `mapstructure:"output" yaml:"output"`
	Session       SessionConfig `mapstructure:"session" yaml:"session"`
	Result        ResultConfig  `mapstructure:"result" yaml:"result"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// LinkerConfig routes interactive executables through a dynamic linker.
type LinkerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// OutputConfig bounds captured background task output.
type OutputConfig struct {
	MaxBytes int `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// SessionConfig sets pseudo-terminal defaults for interactive sessions.
type SessionConfig struct {
	TranscriptRows int `mapstructure:"transcript_rows" yaml:"transcript_rows"`
	Rows           int `mapstructure:"rows" yaml:"rows"`
	Cols           int `mapstructure:"cols" yaml:"cols"`
}

// ResultConfig restricts where result directories may be written.
type ResultConfig struct {
	AllowedDirs []string `mapstructure:"allowed_dirs" yaml:"allowed_dirs"`
}

// HTTPConfig configures the HTTP server. Socket takes precedence over Addr.
type HTTPConfig struct {
	Addr   string `mapstructure:"addr" yaml:"addr"`
	Socket string `mapstructure:"socket" yaml:"socket"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		HomeDir:       home,
		PrefixDir:     "/usr",
		BinDir:        "/usr/bin",
		TmpDir:        os.TempDir(),
		SystemShell:   "/bin/sh",
		LoginShells:   append([]string(nil), shellenv.DefaultLoginShells...),
		Env:           []string{},
		Linker: LinkerConfig{
			Enabled: false,
			Path:    "",
		},
		Output: OutputConfig{
			MaxBytes: schema.DefaultOutputMaxBytes,
		},
		Session: SessionConfig{
			TranscriptRows: schema.DefaultTranscriptRows,
			Rows:           schema.DefaultRows,
			Cols:           schema.DefaultCols,
		},
		Result: ResultConfig{
			AllowedDirs: []string{filepath.Join(home, ".shellvisor", "results")},
		},
		HTTP: HTTPConfig{
			Addr:   "127.0.0.1:27490",
			Socket: "",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shellvisor", "config.yaml"), nil
}

// ShellEnv maps the config onto the environment policy settings.
func (c Config) ShellEnv() shellenv.Config {
	return shellenv.Config{
		HomeDir:       c.HomeDir,
		PrefixDir:     c.PrefixDir,
		BinDir:        c.BinDir,
		TmpDir:        c.TmpDir,
		SystemShell:   c.SystemShell,
		LoginShells:   c.LoginShells,
		LinkerEnabled: c.Linker.Enabled,
		LinkerPath:    c.Linker.Path,
		ExtraEnv:      envMap(c.Env),
	}
}

// Service maps the config onto supervisor limits.
func (c Config) Service() schema.ServiceConfig {
	return schema.ServiceConfig{
		HomeDir:        c.HomeDir,
		OutputMaxBytes: c.Output.MaxBytes,
		TranscriptRows: c.Session.TranscriptRows,
		Rows:           c.Session.Rows,
		Cols:           c.Session.Cols,
	}
}

func envMap(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = value
	}
	return out
}
