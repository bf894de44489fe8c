package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentryd/internal/config"
	"agentryd/internal/daemonlog"
	"agentryd/internal/rpcserver"
)

func newServeCmd() *cobra.Command {
	var socketPath string
	var configPath string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				defaultPath, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			if socketPath == "" {
				socketPath = os.Getenv("AGENTRYD_SOCKET")
			}
			if socketPath != "" {
				cfg.SocketPath = socketPath
			}

			log := daemonlog.New(cfg.LogEnabled, cfg.LogPath)
			defer log.Close()

			srv := rpcserver.New(cfg, log)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				srv.Shutdown(fmt.Sprintf("received signal %s", sig))
			}()

			if !quiet {
				daemonlog.PrintBanner(os.Stdout, os.Getpid(), cfg.SocketPath, rpcserver.Version)
			}

			return srv.Run(cfg.SocketPath)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "Override the Unix socket path")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file (default ~/.config/agentryd/config.yaml)")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress the startup banner")

	return cmd
}
