package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cellstate"
	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/internal/appconfig"
	"pkt.systems/cellstate/internal/eventbus"
	"pkt.systems/cellstate/internal/filehost"
	"pkt.systems/cellstate/internal/format"
	"pkt.systems/cellstate/internal/logx"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// errCellFailed reports a cell that finished in the error state.
var errCellFailed = errors.New("cell execution failed")

type runOptions struct {
	Path        string
	Save        bool
	AllowErrors bool
	HideSource  bool
	// StripMarkdown prints markdown cells without emphasis markers.
	StripMarkdown bool
	Timeout       time.Duration
}

func newRunCmd() *cobra.Command {
	var cfgPath string
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run NOTEBOOK",
		Short: "Execute every code cell of a notebook and print the outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			opts.Path = args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps, cleanup, err := buildServerDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()
			// Headless runs never leave hot-exit copies behind and only
			// write the notebook when --save asks for it.
			deps.Backups = nil
			deps.Host = filehost.New(filehost.Config{SaveDir: cfg.Session.SaveDir}, logger)
			registryCfg := cfg.RegistryConfig()
			registryCfg.HotExit = false

			srv, err := cellstate.New(cellstate.ServerConfig{Registry: registryCfg}, deps)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Registry().CloseAll(context.Background()) }()
			return runNotebook(ctx, srv.Registry(), srv.Bus(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "write outputs back to the notebook")
	cmd.Flags().BoolVar(&opts.AllowErrors, "allow-errors", false, "keep running after a failing cell")
	cmd.Flags().BoolVar(&opts.HideSource, "hide-source", false, "print outputs only")
	cmd.Flags().BoolVar(&opts.StripMarkdown, "strip-markdown", false, "drop inline markdown markers from markdown cells")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "overall execution timeout (0 disables)")
	return cmd
}

// runNotebook opens the notebook, executes its code cells in order and
// prints every cell through the plain renderer.
func runNotebook(ctx context.Context, registry *core.Registry, bus *eventbus.Bus, opts runOptions, out io.Writer) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	file, err := schema.NormalizeFileID(opts.Path)
	if err != nil {
		return err
	}
	log := logx.WithFile(ctx, file)
	events, unsubscribe := bus.Subscribe(file)
	defer unsubscribe()

	session, err := registry.Open(ctx, core.OpenRequest{Path: opts.Path})
	if err != nil {
		return err
	}
	ctrl := session.Controller()

	var runErr error
	executed := 0
	for _, cell := range ctrl.VisibleCells() {
		if cell.Data.CellType != schema.CellTypeCode || strings.TrimSpace(cell.Data.Source) == "" {
			continue
		}
		if !ctrl.ReexecuteCell(ctx, cell.ID, "") {
			continue
		}
		executed++
		state, err := waitForCell(ctx, ctrl, events, cell.ID)
		if err != nil {
			runErr = err
			break
		}
		if state == schema.CellStateError && !opts.AllowErrors {
			runErr = fmt.Errorf("%w: cell %d", errCellFailed, cell.Line+1)
			break
		}
	}
	log.Info("run executed", "cells", executed, "err", runErr)

	renderer := format.NewPlainRenderer()
	renderer.HideSource = opts.HideSource
	renderer.StripMarkdown = opts.StripMarkdown
	if err := printCells(out, renderer, ctrl.VisibleCells()); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if opts.Save {
		if err := session.Save(ctx); err != nil {
			return err
		}
		log.Info("run saved", "path", session.File())
	}
	return nil
}

// waitForCell blocks until the cell reaches a terminal state. State events
// drive the wait; a periodic re-check covers events dropped by the bus.
func waitForCell(ctx context.Context, ctrl *core.Controller, events <-chan eventbus.Event, id schema.CellID) (schema.CellState, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if state, ok := cellState(ctrl.Snapshot(), id); !ok {
			return "", fmt.Errorf("%w: %s", schema.ErrCellNotFound, id)
		} else if state.Done() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case _, ok := <-events:
			if !ok {
				return "", schema.ErrSessionClosed
			}
		case <-ticker.C:
		}
	}
}

func cellState(snapshot schema.ControllerSnapshot, id schema.CellID) (schema.CellState, bool) {
	for _, view := range snapshot.Cells {
		if view.Cell.ID == id {
			return view.Cell.State, true
		}
	}
	return "", false
}

func printCells(out io.Writer, renderer core.Renderer, cells []schema.Cell) error {
	for _, cell := range cells {
		lines, err := renderer.FormatCell(cell)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		}
	}
	return nil
}
