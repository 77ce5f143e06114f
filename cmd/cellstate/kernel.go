package main

import (
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cellstate/internal/appconfig"
	"pkt.systems/cellstate/internal/kernel"
	"pkt.systems/cellstate/internal/kernelgrpc"
	"pkt.systems/pslog"
)

func newKernelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Kernel daemon commands",
	}
	cmd.AddCommand(newKernelServeCmd())
	return cmd
}

// kernelOverrides are command-line values that replace the config file.
type kernelOverrides struct {
	SocketPath        string
	Binary            string
	Args              []string
	Env               []string
	Dir               string
	KeepaliveInterval time.Duration
	KeepaliveMisses   int
}

type kernelServeConfig struct {
	Process kernel.Config
	GRPC    kernelgrpc.Config
}

func newKernelServeCmd() *cobra.Command {
	var cfgPath string
	var overrides kernelOverrides
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a process kernel behind the gRPC socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			serveCfg, err := resolveKernelServe(cfg, overrides)
			if err != nil {
				return err
			}
			logger.Info("kernel config loaded",
				"binary", serveCfg.Process.BinaryPath,
				"args", len(serveCfg.Process.Args),
				"env", len(serveCfg.Process.Env),
				"keepalive_interval", serveCfg.GRPC.KeepaliveInterval,
				"keepalive_misses", serveCfg.GRPC.KeepaliveMisses,
			)

			proc := kernel.New(serveCfg.Process, logger)
			defer func() { _ = proc.Close() }()
			server := kernelgrpc.NewServer(serveCfg.GRPC, proc)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := proc.Start(ctx); err != nil {
				return err
			}
			logger.Info("kernel socket listening", "socket", serveCfg.GRPC.SocketPath)
			return server.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&overrides.SocketPath, "socket-path", "", "kernel socket path (overrides config)")
	cmd.Flags().StringVar(&overrides.Binary, "binary", "", "kernel bridge binary (overrides config)")
	cmd.Flags().StringArrayVar(&overrides.Args, "arg", nil, "extra bridge args (repeatable)")
	cmd.Flags().StringArrayVar(&overrides.Env, "env", nil, "extra env for the bridge (repeatable KEY=VAL)")
	cmd.Flags().StringVar(&overrides.Dir, "dir", "", "bridge working directory")
	cmd.Flags().DurationVar(&overrides.KeepaliveInterval, "keepalive-interval", 0, "keepalive interval (e.g. 10s)")
	cmd.Flags().IntVar(&overrides.KeepaliveMisses, "keepalive-misses", 0, "keepalive misses before exit")
	return cmd
}

func resolveKernelServe(cfg appconfig.Config, overrides kernelOverrides) (kernelServeConfig, error) {
	process := processConfig(cfg)
	socketPath := cfg.Kernel.SocketPath
	interval := time.Duration(cfg.Kernel.KeepaliveIntervalSeconds) * time.Second
	misses := cfg.Kernel.KeepaliveMisses

	if strings.TrimSpace(overrides.SocketPath) != "" {
		socketPath = overrides.SocketPath
	}
	if strings.TrimSpace(overrides.Binary) != "" {
		process.BinaryPath = overrides.Binary
	}
	if len(overrides.Args) > 0 {
		process.Args = append([]string(nil), overrides.Args...)
	}
	if len(overrides.Env) > 0 {
		process.Env = append(process.Env, overrides.Env...)
	}
	if strings.TrimSpace(overrides.Dir) != "" {
		process.Dir = overrides.Dir
	}
	if overrides.KeepaliveInterval > 0 {
		interval = overrides.KeepaliveInterval
	}
	if overrides.KeepaliveMisses > 0 {
		misses = overrides.KeepaliveMisses
	}

	if strings.TrimSpace(socketPath) == "" {
		return kernelServeConfig{}, errors.New("socket path is required")
	}
	for _, entry := range process.Env {
		if key, _, ok := strings.Cut(entry, "="); !ok || strings.TrimSpace(key) == "" {
			return kernelServeConfig{}, errors.New("env entries must be KEY=VAL: " + entry)
		}
	}
	return kernelServeConfig{
		Process: process,
		GRPC: kernelgrpc.Config{
			SocketPath:        socketPath,
			KeepaliveInterval: interval,
			KeepaliveMisses:   misses,
		},
	}, nil
}
