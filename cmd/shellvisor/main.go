package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		return exitCode(ctx, err)
	}
	return 0
}

// exitStatusError carries a child's exit status out of the run command.
type exitStatusError struct {
	code int
}

func (e *exitStatusError) Error() string {
	return "command exited with a non-zero status"
}

func exitCode(ctx context.Context, err error) int {
	var status *exitStatusError
	if errors.As(err, &status) {
		return status.code
	}
	pslog.Ctx(ctx).With("err", err).Error("shellvisor command failed")
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shellvisor",
		Short:         "Shell execution supervisor for background tasks and terminal sessions",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}
