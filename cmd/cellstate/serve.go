package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cellstate"
	"pkt.systems/cellstate/httpapi"
	"pkt.systems/cellstate/internal/appconfig"
	"pkt.systems/cellstate/internal/filehost"
	"pkt.systems/cellstate/internal/historydb"
	"pkt.systems/cellstate/internal/nbformat"
	"pkt.systems/cellstate/internal/persist"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var disableAuditTrails bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the notebook session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if disableAuditTrails {
				cfg.Logging.DisableAuditTrails = true
			}
			if strings.TrimSpace(addr) != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps, cleanup, err := buildServerDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := cellstate.New(cellstate.ServerConfig{
				Registry: cfg.RegistryConfig(),
				HTTP:     toHTTPConfig(cfg),
			}, deps, cellstate.WithHTTP())
			if err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			waitErr := srv.Wait()
			// Sessions are closed (and backed up) before cleanup closes the
			// stores they write to.
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				logger.Warn("server stop failed", "err", err)
			}
			return waitErr
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&disableAuditTrails, "disable-audit-trails", false, "log requests at debug level only")
	return cmd
}

// buildServerDeps opens the stores and the kernel backend named by cfg.
// The returned cleanup closes them in reverse order; on error everything
// opened so far is already closed.
func buildServerDeps(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) (cellstate.ServerDeps, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("cleanup failed", "err", err)
			}
		}
	}

	backups, err := persist.NewStoreWithLogger(filepath.Join(cfg.StateDir, "backups"), logger)
	if err != nil {
		return cellstate.ServerDeps{}, nil, err
	}
	deps := cellstate.ServerDeps{
		Host: filehost.New(filehost.Config{
			SaveDir:     cfg.Session.SaveDir,
			SaveOnClose: cfg.Session.SaveOnClose,
		}, logger),
		Serializer: nbformat.New(),
		Backups:    backups,
		Logger:     logger,
	}

	if !cfg.History.Disabled {
		db, err := historydb.Open(ctx, cfg.History.Path, logger)
		if err != nil {
			return cellstate.ServerDeps{}, nil, err
		}
		closers = append(closers, db.Close)
		deps.Recorder = db
		deps.History = db
	}

	kernels, err := selectKernels(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return cellstate.ServerDeps{}, nil, err
	}
	closers = append(closers, kernels.close)
	deps.Kernels = kernels.provider
	return deps, cleanup, nil
}

func toHTTPConfig(cfg appconfig.Config) httpapi.Config {
	return httpapi.Config{
		Addr:               cfg.HTTP.Addr,
		BasePath:           cfg.HTTP.BasePath,
		ReplayEvents:       cfg.HTTP.ReplayEvents,
		DisableAuditTrails: cfg.Logging.DisableAuditTrails,
	}
}
