package schema

import (
	"os"
	"path/filepath"
)

// ServiceConfig defines defaults and limits for the shell supervisor.
type ServiceConfig struct {
	HomeDir        string
	OutputMaxBytes int
	TranscriptRows int
	Rows           int
	Cols           int
}

const (
	// DefaultOutputMaxBytes caps each captured stdout/stderr buffer.
	DefaultOutputMaxBytes = 100 * 1024
	// DefaultTranscriptRows is the default scrollback for interactive sessions.
	DefaultTranscriptRows = 2000
	// DefaultRows is the initial pseudo-terminal height.
	DefaultRows = 24
	// DefaultCols is the initial pseudo-terminal width.
	DefaultCols = 80
)

// NormalizeServiceConfig applies defaults.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.HomeDir = filepath.Clean(home)
	}
	if cfg.OutputMaxBytes <= 0 {
		cfg.OutputMaxBytes = DefaultOutputMaxBytes
	}
	if cfg.TranscriptRows <= 0 {
		cfg.TranscriptRows = DefaultTranscriptRows
	}
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.Cols <= 0 {
		cfg.Cols = DefaultCols
	}
	return cfg, nil
}
