// Package shellenv decides how shell commands are launched: which login
// shell to use, how argv is wrapped, and what environment children get.
package shellenv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
	"pkt.systems/shellvisor/core"
)

// DefaultLoginShells are probed in order under the bin directory.
var DefaultLoginShells = []string{"bash", "zsh", "fish", "sh"}

const (
	defaultPrefixDir   = "/usr"
	defaultSystemShell = "/bin/sh"
	defaultTerm        = "xterm-256color"
	defaultLang        = "en_US.UTF-8"
)

// Config holds the environment policy settings.
type Config struct {
	HomeDir     string
	PrefixDir   string
	BinDir      string
	TmpDir      string
	SystemShell string
	LoginShells []string
	// LinkerEnabled runs interactive executables through LinkerPath
	// instead of executing them directly.
	LinkerEnabled bool
	LinkerPath    string
	ExtraEnv      map[string]string
}

// Provider implements core.Environment.
type Provider struct {
	cfg Config
	log pslog.Logger
}

var _ core.Environment = (*Provider)(nil)

// New validates cfg, fills defaults, and returns a provider.
func New(cfg Config, log pslog.Logger) (*Provider, error) {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if cfg.HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.HomeDir = home
	}
	if cfg.PrefixDir == "" {
		cfg.PrefixDir = defaultPrefixDir
	}
	if cfg.BinDir == "" {
		cfg.BinDir = filepath.Join(cfg.PrefixDir, "bin")
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.SystemShell == "" {
		cfg.SystemShell = defaultSystemShell
	}
	if len(cfg.LoginShells) == 0 {
		cfg.LoginShells = append([]string(nil), DefaultLoginShells...)
	}
	if cfg.LinkerEnabled && strings.TrimSpace(cfg.LinkerPath) == "" {
		return nil, errors.New("linker path is required when the linker is enabled")
	}
	for _, dir := range []*string{&cfg.HomeDir, &cfg.PrefixDir, &cfg.BinDir, &cfg.TmpDir} {
		*dir = filepath.Clean(*dir)
	}
	return &Provider{cfg: cfg, log: log}, nil
}

// Config returns the effective configuration.
func (p *Provider) Config() Config {
	return p.cfg
}

// DefaultBinaryDirectory implements core.Environment.
func (p *Provider) DefaultBinaryDirectory() string {
	return p.cfg.BinDir
}

// DefaultWorkingDirectory implements core.Environment.
func (p *Provider) DefaultWorkingDirectory() string {
	return p.cfg.HomeDir
}

// LoginShell returns the first executable login shell under the bin
// directory. Failsafe sessions, and hosts without any, get the system shell
// as a non-login shell so a broken profile cannot stop them from starting.
func (p *Provider) LoginShell(failsafe bool) (string, bool) {
	if !failsafe {
		for _, name := range p.cfg.LoginShells {
			path := filepath.Join(p.cfg.BinDir, name)
			if isExecutable(path) {
				return path, true
			}
		}
		p.log.Debug("shellenv no login shell found", "bin_dir", p.cfg.BinDir)
	}
	return p.cfg.SystemShell, false
}

// BuildArgv implements core.Environment.
func (p *Provider) BuildArgv(executable string, args []string, opts core.ArgvOptions) (core.Argv, error) {
	if strings.TrimSpace(executable) == "" {
		return core.Argv{}, errors.New("executable is required")
	}
	path := p.resolve(executable)
	cmdline := append([]string{path}, args...)
	if interp := p.interpreter(path); len(interp) > 0 {
		cmdline = append(interp, cmdline...)
		path = interp[0]
	}

	argv0 := path
	if opts.Interactive {
		argv0 = filepath.Base(path)
		if opts.LoginShell {
			argv0 = "-" + argv0
		}
	}
	out := core.Argv{Path: path, Args: append([]string{argv0}, cmdline[1:]...)}

	if opts.Interactive && p.cfg.LinkerEnabled && !opts.Failsafe {
		wrapped := []string{argv0, filepath.Join(p.cfg.PrefixDir, "bin", "sh"), path}
		out = core.Argv{Path: p.cfg.LinkerPath, Args: append(wrapped, cmdline[1:]...)}
	}
	p.log.Trace("shellenv argv", "path", out.Path, "args", out.Args)
	return out, nil
}

// resolve finds bare command names under the bin directory, then on PATH.
func (p *Provider) resolve(executable string) string {
	if strings.ContainsRune(executable, '/') {
		return executable
	}
	candidate := filepath.Join(p.cfg.BinDir, executable)
	if isExecutable(candidate) {
		return candidate
	}
	if found, err := exec.LookPath(executable); err == nil {
		return found
	}
	return executable
}

// interpreter reads a "#!" line and, when the named interpreter does not
// exist but one of the same name lives in the bin directory, returns that
// interpreter and its optional argument.
func (p *Provider) interpreter(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "#!") {
		return nil
	}
	fields := strings.Fields(strings.TrimSpace(line[2:]))
	if len(fields) == 0 {
		return nil
	}
	interp := fields[0]
	if isExecutable(interp) {
		return nil
	}
	replacement := filepath.Join(p.cfg.BinDir, filepath.Base(interp))
	if !isExecutable(replacement) {
		return nil
	}
	out := []string{replacement}
	if len(fields) > 1 {
		out = append(out, strings.Join(fields[1:], " "))
	}
	return out
}

// BuildEnvironment implements core.Environment. Failsafe environments only
// carry the variables needed to get a working shell.
func (p *Provider) BuildEnvironment(failsafe bool) []string {
	env := map[string]string{
		"HOME": p.cfg.HomeDir,
		"TERM": defaultTerm,
		"LANG": defaultLang,
	}
	hostPath := os.Getenv("PATH")
	if hostPath == "" {
		hostPath = "/usr/bin:/bin"
	}
	if failsafe {
		env["PATH"] = hostPath
	} else {
		env["PATH"] = joinPath(p.cfg.BinDir, hostPath)
		env["PREFIX"] = p.cfg.PrefixDir
		env["TMPDIR"] = p.cfg.TmpDir
		for key, value := range p.cfg.ExtraEnv {
			if key != "" {
				env[key] = value
			}
		}
	}
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}

func joinPath(first, rest string) string {
	for _, part := range filepath.SplitList(rest) {
		if part == first {
			return rest
		}
	}
	return first + string(os.PathListSeparator) + rest
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}
