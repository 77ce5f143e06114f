package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/internal/appconfig"
	"pkt.systems/cellstate/internal/kernel"
	"pkt.systems/cellstate/internal/kernelgrpc"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// kernelBackend is the kernel provider selected by kernel.mode plus the
// cleanup for whatever it started.
type kernelBackend struct {
	provider core.KernelProvider
	close    func() error
}

func selectKernels(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) (kernelBackend, error) {
	noop := func() error { return nil }
	switch cfg.Kernel.Mode {
	case appconfig.KernelModeNone:
		logger.Warn("kernel disabled", "mode", cfg.Kernel.Mode)
		return kernelBackend{close: noop}, nil
	case appconfig.KernelModeGRPC:
		client, err := kernelgrpc.Dial(ctx, cfg.Kernel.SocketPath)
		if err != nil {
			return kernelBackend{}, fmt.Errorf("kernel grpc dial failed (%s): %w", cfg.Kernel.SocketPath, err)
		}
		interval := time.Duration(cfg.Kernel.KeepaliveIntervalSeconds) * time.Second
		go client.KeepAlive(ctx, interval)
		logger.Info("kernel selected", "mode", cfg.Kernel.Mode, "socket", cfg.Kernel.SocketPath, "keepalive", interval)
		return kernelBackend{provider: core.StaticKernelProvider{Kernel: client}, close: client.Close}, nil
	case appconfig.KernelModeProcess, "":
		base := processConfig(cfg)
		if cfg.Kernel.PerSession {
			logger.Info("kernel selected", "mode", cfg.Kernel.Mode, "binary", base.BinaryPath, "per_session", true)
			provider := core.NewPerSessionKernelProvider(func(_ context.Context, file schema.FileID) (core.Kernel, error) {
				perFile := base
				if perFile.Dir == "" {
					perFile.Dir = filepath.Dir(file.Path())
				}
				return kernel.New(perFile, logger.With("file", file)), nil
			})
			// Session close releases per-session kernels.
			return kernelBackend{provider: provider, close: noop}, nil
		}
		proc := kernel.New(base, logger)
		logger.Info("kernel selected", "mode", cfg.Kernel.Mode, "binary", base.BinaryPath, "per_session", false)
		return kernelBackend{provider: core.StaticKernelProvider{Kernel: proc}, close: proc.Close}, nil
	default:
		return kernelBackend{}, fmt.Errorf("unsupported kernel.mode %q", cfg.Kernel.Mode)
	}
}

func processConfig(cfg appconfig.Config) kernel.Config {
	return kernel.Config{
		BinaryPath: cfg.Kernel.Binary,
		Args:       append([]string(nil), cfg.Kernel.Args...),
		Env:        cfg.KernelEnv(),
		Dir:        cfg.Kernel.Dir,
	}
}
