// Package resultsend delivers finished plugin command results either to an
// in-process callback or as files in a result directory.
package resultsend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/shellvisor/core"
	"pkt.systems/shellvisor/internal/logx"
	"pkt.systems/shellvisor/internal/persist"
	"pkt.systems/shellvisor/schema"
)

// FormatYAML selects a YAML document instead of a text template.
const FormatYAML = "yaml"

const (
	// DefaultOutputFormat is used when a result carries no error.
	DefaultOutputFormat = "stdout=\n%stdout\n\nstderr=\n%stderr\n\nexit_code=%exit_code\n"
	// DefaultErrorFormat is used when a result carries an error.
	DefaultErrorFormat = "err=%err\nerrmsg=\n%errmsg\n\n" + DefaultOutputFormat

	timestampLayout = "2006-01-02_15.04.05.000"
	filePerm        = 0o600
)

// Multi-file result names, written in this order. exit_code comes last so
// its presence means the whole result is on disk.
var resultFiles = []string{"stdout", "stderr", "err", "errmsg", "exit_code"}

// Options configure a Sender.
type Options struct {
	// AllowedDirs restricts result directories to these parents. Empty
	// allows any absolute directory.
	AllowedDirs []string
	// BaseDir resolves relative result directories and "~".
	BaseDir string
	Now     func() time.Time
	Logger  pslog.Logger
}

// Sender implements core.ResultSender.
type Sender struct {
	allowed []string
	baseDir string
	now     func() time.Time
	log     pslog.Logger
}

var _ core.ResultSender = (*Sender)(nil)

// New returns a Sender.
func New(opts Options) *Sender {
	s := &Sender{
		baseDir: opts.BaseDir,
		now:     opts.Now,
		log:     logx.Or(opts.Logger),
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, dir := range opts.AllowedDirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		s.allowed = append(s.allowed, filepath.Clean(s.expand(dir)))
	}
	return s
}

// Send implements core.ResultSender.
func (s *Sender) Send(ctx context.Context, cfg *schema.ResultConfig, result schema.Result) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logx.WithCommand(s.log, result.CommandID, result.Label)
	if cfg.Callback != nil {
		if err := s.callback(ctx, cfg.Callback, result); err != nil {
			log.Warn("result callback failed", "err", err)
			return err
		}
		log.Debug("result delivered", "target", "callback")
		return nil
	}
	dir, err := s.ResolveDirectory(cfg.Directory)
	if err != nil {
		log.Warn("result directory rejected", "directory", cfg.Directory, "err", err)
		return err
	}
	if cfg.SingleFile {
		name := s.singleFileName(cfg, result)
		data, err := render(cfg, result)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name)
		if err := persist.WriteFile(path, data, filePerm); err != nil {
			log.Warn("result write failed", "path", path, "err", err)
			return fmt.Errorf("write result file: %w", err)
		}
		log.Debug("result delivered", "target", "file", "path", path)
		return nil
	}
	values := fields(result)
	for _, name := range resultFiles {
		path := filepath.Join(dir, name+cfg.FilesSuffix)
		if err := persist.WriteFile(path, []byte(values[name]), filePerm); err != nil {
			log.Warn("result write failed", "path", path, "err", err)
			return fmt.Errorf("write result file: %w", err)
		}
	}
	log.Debug("result delivered", "target", "directory", "directory", dir)
	return nil
}

func (s *Sender) callback(ctx context.Context, fn schema.ResultCallback, result schema.Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("result callback panicked: %v", r)
		}
	}()
	return fn(ctx, result)
}

// ResolveDirectory makes dir absolute and checks it against the allowed
// parents.
func (s *Sender) ResolveDirectory(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", schema.ErrNoResultTarget
	}
	dir = s.expand(dir)
	if !filepath.IsAbs(dir) {
		if s.baseDir == "" {
			return "", fmt.Errorf("%w: %q is not absolute", schema.ErrResultDirNotAllowed, dir)
		}
		dir = filepath.Join(s.baseDir, dir)
	}
	dir = filepath.Clean(dir)
	if len(s.allowed) == 0 {
		return dir, nil
	}
	for _, parent := range s.allowed {
		if dir == parent || strings.HasPrefix(dir, parent+string(os.PathSeparator)) {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %q", schema.ErrResultDirNotAllowed, dir)
}

func (s *Sender) expand(path string) string {
	if s.baseDir == "" {
		return path
	}
	if path == "~" {
		return s.baseDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(s.baseDir, path[2:])
	}
	return path
}

func (s *Sender) singleFileName(cfg *schema.ResultConfig, result schema.Result) string {
	if name := strings.TrimSpace(cfg.FileBasename); name != "" {
		return persist.SanitizeName(name)
	}
	base := filepath.Base(result.Executable)
	if base == "." || base == string(os.PathSeparator) {
		base = "command"
	}
	return persist.SanitizeName(base + "-" + s.now().Format(timestampLayout) + ".log")
}

func render(cfg *schema.ResultConfig, result schema.Result) ([]byte, error) {
	format := cfg.OutputFormat
	if len(result.Errors) > 0 && (cfg.ErrorFormat != "" || !isYAML(format)) {
		format = cfg.ErrorFormat
	}
	if format == "" {
		format = DefaultOutputFormat
		if len(result.Errors) > 0 {
			format = DefaultErrorFormat
		}
	}
	if isYAML(format) {
		data, err := yaml.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return data, nil
	}
	return []byte(Expand(format, result)), nil
}

func isYAML(format string) bool {
	return strings.EqualFold(strings.TrimSpace(format), FormatYAML)
}

// Expand substitutes %stdout, %stderr, %exit_code, %err and %errmsg in format.
func Expand(format string, result schema.Result) string {
	values := fields(result)
	replacer := strings.NewReplacer(
		"%stdout", values["stdout"],
		"%stderr", values["stderr"],
		"%exit_code", values["exit_code"],
		"%errmsg", values["errmsg"],
		"%err", values["err"],
	)
	return replacer.Replace(format)
}

func fields(result schema.Result) map[string]string {
	exitCode := ""
	if result.ExitCode != nil {
		exitCode = strconv.Itoa(*result.ExitCode)
	}
	errCode := "0"
	var msgs []string
	if first := result.Err(); first != nil {
		errCode = strconv.Itoa(first.Code)
		for _, info := range result.Errors {
			msg := info.Message
			if info.Cause != "" {
				msg += ": " + info.Cause
			}
			msgs = append(msgs, msg)
		}
	}
	return map[string]string{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": exitCode,
		"err":       errCode,
		"errmsg":    strings.Join(msgs, "\n"),
	}
}
