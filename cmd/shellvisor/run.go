package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/shellvisor"
	"pkt.systems/shellvisor/internal/appconfig"
	"pkt.systems/shellvisor/schema"
)

type runOptions struct {
	cfgPath   string
	workdir   string
	stdin     string
	stdinFile string
	label     string
	failsafe  bool
	logLevel  string
	format    string
	timeout   time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] -- executable [args...]",
		Short: "Run one background task and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(opts.cfgPath)
			if err != nil {
				return err
			}
			req, err := buildRunRequest(opts, args)
			if err != nil {
				return err
			}
			result, err := runOnce(cmd.Context(), cfg, req, opts.timeout)
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts.format, result); err != nil {
				return err
			}
			if code := resultExitCode(result); code != 0 {
				return &exitStatusError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&opts.workdir, "workdir", "w", "", "working directory")
	cmd.Flags().StringVar(&opts.stdin, "stdin", "", "text written to the command's stdin")
	cmd.Flags().StringVar(&opts.stdinFile, "stdin-file", "", "file whose content is written to stdin (- for this process's stdin)")
	cmd.Flags().StringVarP(&opts.label, "label", "l", "", "label used in logs")
	cmd.Flags().BoolVar(&opts.failsafe, "failsafe", false, "use the minimal failsafe environment")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "set to trace to echo captured output to the log")
	cmd.Flags().StringVar(&opts.format, "format", "text", "output format: text or yaml")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "kill the command after this duration")
	return cmd
}

func buildRunRequest(opts runOptions, args []string) (schema.ExecRequest, error) {
	stdin := opts.stdin
	if opts.stdinFile != "" {
		if opts.stdin != "" {
			return schema.ExecRequest{}, fmt.Errorf("--stdin and --stdin-file are mutually exclusive")
		}
		var data []byte
		var err error
		if opts.stdinFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(opts.stdinFile)
		}
		if err != nil {
			return schema.ExecRequest{}, fmt.Errorf("read stdin file: %w", err)
		}
		stdin = strings.TrimSuffix(string(data), "\n")
	}
	switch opts.format {
	case "text", "yaml":
	default:
		return schema.ExecRequest{}, fmt.Errorf("unsupported format %q", opts.format)
	}
	return schema.ExecRequest{
		Runner:     schema.RunnerBackgroundTask,
		Executable: args[0],
		Args:       args[1:],
		Stdin:      stdin,
		WorkingDir: opts.workdir,
		Failsafe:   opts.failsafe,
		Label:      opts.label,
		LogLevel:   opts.logLevel,
	}, nil
}

// runOnce runs req on a private supervisor and returns its result. The
// supervisor is stopped before returning, which kills the command if the
// context ended first.
func runOnce(ctx context.Context, cfg appconfig.Config, req schema.ExecRequest, timeout time.Duration) (schema.Result, error) {
	logger := pslog.Ctx(ctx)
	server, err := shellvisor.New(serverConfig(cfg), shellvisor.ServerDeps{Logger: logger})
	if err != nil {
		return schema.Result{}, err
	}
	defer func() {
		if err := server.Stop(context.Background()); err != nil {
			logger.Warn("run stop failed", "err", err)
		}
	}()

	results := make(chan schema.Result, 1)
	req.Plugin = true
	req.Result = &schema.ResultConfig{Callback: func(_ context.Context, result schema.Result) error {
		results <- result
		return nil
	}}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	shell, _, _ := server.Supervisor().Execute(ctx, req)
	select {
	case result := <-results:
		return result, nil
	case <-ctx.Done():
		logger.Warn("run interrupted", "err", ctx.Err())
		if shell != nil {
			shell.KillIfExecuting(context.Background(), true)
		}
		return <-results, nil
	}
}

func printResult(stdout, stderr io.Writer, format string, result schema.Result) error {
	if format == "yaml" {
		data, err := yaml.Marshal(result)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}
	if _, err := io.WriteString(stdout, result.Stdout); err != nil {
		return err
	}
	if _, err := io.WriteString(stderr, result.Stderr); err != nil {
		return err
	}
	for _, info := range result.Errors {
		msg := info.Message
		if info.Cause != "" {
			msg += ": " + info.Cause
		}
		if _, err := fmt.Fprintf(stderr, "shellvisor: %s (%s)\n", msg, info.Kind); err != nil {
			return err
		}
	}
	return nil
}

func resultExitCode(result schema.Result) int {
	if result.ExitCode != nil {
		return *result.ExitCode
	}
	if first := result.Err(); first != nil && first.Code != 0 {
		return first.Code
	}
	return 0
}
