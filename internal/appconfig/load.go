package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("home_dir", cfg.HomeDir)
	v.SetDefault("prefix_dir", cfg.PrefixDir)
	v.SetDefault("bin_dir", cfg.BinDir)
	v.SetDefault("tmp_dir", cfg.TmpDir)
	v.SetDefault("system_shell", cfg.SystemShell)
	v.SetDefault("login_shells", cfg.LoginShells)
	v.SetDefault("env", cfg.Env)
	v.SetDefault("linker.enabled", cfg.Linker.Enabled)
	v.SetDefault("linker.path", cfg.Linker.Path)
	v.SetDefault("output.max_bytes", cfg.Output.MaxBytes)
	v.SetDefault("session.transcript_rows", cfg.Session.TranscriptRows)
	v.SetDefault("session.rows", cfg.Session.Rows)
	v.SetDefault("session.cols", cfg.Session.Cols)
	v.SetDefault("result.allowed_dirs", cfg.Result.AllowedDirs)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.socket", cfg.HTTP.Socket)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Linker.Enabled && strings.TrimSpace(cfg.Linker.Path) == "" {
		return fmt.Errorf("linker.path is required when linker.enabled is true")
	}
	if cfg.Output.MaxBytes < 0 {
		return fmt.Errorf("output.max_bytes must not be negative")
	}
	if cfg.Session.TranscriptRows < 0 || cfg.Session.Rows < 0 || cfg.Session.Cols < 0 {
		return fmt.Errorf("session sizes must not be negative")
	}
	for _, entry := range cfg.Env {
		if key, _, ok := strings.Cut(entry, "="); !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("env entry %q must be KEY=VALUE", entry)
		}
	}
	for _, dir := range cfg.Result.AllowedDirs {
		if dir != "" && !filepath.IsAbs(dir) {
			return fmt.Errorf("result.allowed_dirs entry %q must be absolute", dir)
		}
	}
	if socket := strings.TrimSpace(cfg.HTTP.Socket); socket != "" && !filepath.IsAbs(socket) {
		return fmt.Errorf("http.socket must be an absolute path")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.HomeDir = expandEnv(cfg.HomeDir)
	cfg.PrefixDir = expandEnv(cfg.PrefixDir)
	cfg.BinDir = expandEnv(cfg.BinDir)
	cfg.TmpDir = expandEnv(cfg.TmpDir)
	cfg.SystemShell = expandEnv(cfg.SystemShell)
	cfg.Linker.Path = expandEnv(cfg.Linker.Path)
	cfg.HTTP.Socket = expandEnv(cfg.HTTP.Socket)
	for i, dir := range cfg.Result.AllowedDirs {
		cfg.Result.AllowedDirs[i] = expandEnv(dir)
	}
	for i, entry := range cfg.Env {
		cfg.Env[i] = expandEnv(entry)
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
