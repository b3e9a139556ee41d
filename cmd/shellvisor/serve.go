package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellvisor"
	"pkt.systems/shellvisor/httpapi"
	"pkt.systems/shellvisor/internal/appconfig"
)

const stopTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var socket string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the shell supervisor with its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
				cfg.HTTP.Socket = ""
			}
			if cmd.Flags().Changed("socket") {
				cfg.HTTP.Socket = socket
			}

			server, err := shellvisor.New(serverConfig(cfg), shellvisor.ServerDeps{Logger: logger}, shellvisor.WithHTTP())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr and http.socket)")
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket path (overrides http.socket)")
	return cmd
}

func serverConfig(cfg appconfig.Config) shellvisor.ServerConfig {
	return shellvisor.ServerConfig{
		Service: cfg.Service(),
		Env:     cfg.ShellEnv(),
		HTTP: httpapi.Config{
			Addr:   cfg.HTTP.Addr,
			Socket: cfg.HTTP.Socket,
		},
		ResultAllowedDirs: cfg.Result.AllowedDirs,
	}
}
