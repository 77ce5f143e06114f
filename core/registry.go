package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"pkt.systems/cellstate/internal/logx"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// OpenRequest identifies a notebook to open. Contents, when set, are used
// instead of reading the file through the document host.
type OpenRequest struct {
	Path     string
	Contents []byte
	// Mode defaults to the registry's controller mode.
	Mode schema.EditorMode
}

// Registry keeps at most one live session per file.
type Registry struct {
	mu       sync.Mutex
	cfg      schema.RegistryConfig
	deps     RegistryDeps
	sessions map[schema.FileID]*Session
	pumps    map[Kernel]*kernelPump
	logger   pslog.Logger
}

// kernelPump feeds one kernel's events to the sessions using it.
type kernelPump struct {
	refs   int
	cancel context.CancelFunc
	routes *kernelRoutes
}

// NewRegistry constructs a session registry.
func NewRegistry(cfg schema.RegistryConfig, deps RegistryDeps) (*Registry, error) {
	normalized, err := schema.NormalizeRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = pslog.Ctx(context.Background())
	}
	return &Registry{
		cfg:      normalized,
		deps:     deps,
		sessions: make(map[schema.FileID]*Session),
		pumps:    make(map[Kernel]*kernelPump),
		logger:   deps.Logger,
	}, nil
}

// Open returns the live session for the file, creating it when needed. A
// hot-exit backup takes precedence over the file contents.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	file, err := schema.NormalizeFileID(req.Path)
	if err != nil {
		return nil, err
	}
	if existing, ok := r.Show(string(file)); ok {
		return existing, nil
	}
	log := logx.WithFile(ctx, file)
	mode := req.Mode
	if mode == "" {
		mode = r.cfg.Controller.Mode
	}

	var (
		cells    []schema.Cell
		history  []schema.HistoryEntry
		restored bool
	)
	if r.deps.Backups != nil {
		backup, ok, err := r.deps.Backups.LoadBackup(file)
		if err != nil {
			log.Warn("registry backup load failed", "err", err)
		} else if ok {
			cells = backup.Cells
			history = backup.History
			restored = true
			log.Info("registry restoring backup", "cells", len(cells), "saved_at", backup.SavedAt)
		}
	}
	if !restored && mode == schema.ModeNotebook {
		cells, err = r.readCells(ctx, file, req.Contents)
		if err != nil {
			log.Warn("registry open failed", "err", err)
			return nil, err
		}
	}
	if !restored && r.deps.History != nil {
		entries, err := r.deps.History.RecentInputs(ctx, file, r.cfg.Controller.HistoryMax)
		if err != nil {
			log.Warn("registry history seed failed", "err", err)
		} else {
			history = entries
		}
	}

	var kernel Kernel
	if r.deps.Kernels != nil {
		kernel, err = r.deps.Kernels.KernelFor(ctx, file)
		if err != nil {
			log.Warn("registry kernel unavailable", "err", err)
			kernel = nil
		}
	}

	session := &Session{
		file:       file,
		mode:       mode,
		kernel:     kernel,
		kernelKey:  file,
		host:       r.deps.Host,
		serializer: r.deps.Serializer,
		backups:    r.deps.Backups,
		sink:       r.deps.Sink,
		prefix:     r.cfg.UntitledPrefix,
		hotExit:    r.cfg.HotExit,
		logger:     r.logger.With("file", file),
		rename:     r.rename,
		release:    r.release,
	}
	ctrlCfg := r.cfg.Controller
	ctrlCfg.Mode = mode
	var ctrlKernel Kernel
	if kernel != nil {
		ctrlKernel = routedKernel{Kernel: kernel, registry: r, session: session}
	}
	ctrl, err := NewController(file, ctrlCfg, ControllerDeps{
		Kernel:   ctrlKernel,
		Channel:  sessionChannel{session: session, inner: r.deps.Channel},
		Sink:     r.deps.Sink,
		Recorder: r.deps.Recorder,
		Logger:   r.logger,
		NewID:    r.deps.NewID,
	})
	if err != nil {
		return nil, err
	}
	session.ctrl = ctrl
	ctrl.seedHistory(history)
	if mode == schema.ModeNotebook || restored {
		ctrl.LoadAllCells(ctx, cells)
	}
	if restored {
		ctrl.markDirty(ctx)
	}

	r.mu.Lock()
	if existing, ok := r.sessions[file]; ok {
		r.mu.Unlock()
		ctrl.Close()
		return existing, nil
	}
	r.sessions[file] = session
	if kernel != nil {
		r.attachLocked(kernel)
	}
	r.mu.Unlock()

	log.Info("registry session opened", "mode", mode, "cells", len(cells), "restored", restored)
	session.emit(schema.SessionEventOpened)
	return session, nil
}

func (r *Registry) readCells(ctx context.Context, file schema.FileID, contents []byte) ([]schema.Cell, error) {
	if len(contents) == 0 && r.deps.Host != nil {
		data, err := r.deps.Host.ReadFile(ctx, file.Path())
		switch {
		case err == nil:
			contents = data
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read notebook: %w", err)
		}
	}
	if len(contents) == 0 {
		return nil, schema.ErrNoContents
	}
	if r.deps.Serializer == nil {
		return nil, errors.New("no serializer configured")
	}
	data, err := r.deps.Serializer.Parse(contents)
	if err != nil {
		return nil, fmt.Errorf("parse notebook: %w", err)
	}
	cells := make([]schema.Cell, 0, len(data))
	for i, d := range data {
		cells = append(cells, schema.Cell{
			File: string(file),
			Line: i,
			Data: d,
		})
	}
	return cells, nil
}

// Show returns the live session for path without opening anything.
func (r *Registry) Show(path string) (*Session, bool) {
	file, err := schema.NormalizeFileID(path)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[file]
	return session, ok
}

// Close closes the session for path.
func (r *Registry) Close(ctx context.Context, path string) (CloseResult, error) {
	session, ok := r.Show(path)
	if !ok {
		return CloseResult{}, schema.ErrSessionNotFound
	}
	return session.Close(ctx)
}

// List returns snapshots of the open sessions ordered by file.
func (r *Registry) List() []schema.SessionSnapshot {
	sessions := r.Sessions()
	out := make([]schema.SessionSnapshot, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Snapshot())
	}
	return out
}

// Sessions returns the open sessions ordered by file.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].File() < sessions[j].File()
	})
	return sessions
}

// CloseAll closes every open session.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs []error
	for _, session := range r.Sessions() {
		if _, err := session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", session.File(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) rename(s *Session, from, to schema.FileID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[to]; ok && existing != s {
		return fmt.Errorf("%w: %s is already open", schema.ErrInvalidFile, to)
	}
	if current, ok := r.sessions[from]; ok && current == s {
		delete(r.sessions, from)
	}
	r.sessions[to] = s
	r.logger.Info("registry session renamed", "from", from, "to", to)
	return nil
}

func (r *Registry) release(ctx context.Context, s *Session) {
	file := s.File()
	r.mu.Lock()
	if current, ok := r.sessions[file]; ok && current == s {
		delete(r.sessions, file)
	}
	if s.kernel != nil {
		if pump, ok := r.pumps[s.kernel]; ok {
			pump.routes.forget(s)
		}
		r.detachLocked(s.kernel)
	}
	r.mu.Unlock()
	if r.deps.Kernels != nil {
		if err := r.deps.Kernels.Release(ctx, s.kernelKey); err != nil {
			r.logger.Warn("registry kernel release failed", "file", file, "err", err)
		}
	}
	s.emit(schema.SessionEventClosed)
}

func (r *Registry) attachLocked(kernel Kernel) {
	if pump, ok := r.pumps[kernel]; ok {
		pump.refs++
		return
	}
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), r.logger))
	routes := newKernelRoutes()
	r.pumps[kernel] = &kernelPump{refs: 1, cancel: cancel, routes: routes}
	router := kernelRouter{registry: r, kernel: kernel, routes: routes}
	go func() {
		if err := PumpKernelEvents(ctx, kernel.Events(), router); err != nil {
			r.logger.Warn("registry kernel pump stopped", "err", err)
		}
	}()
}

func (r *Registry) detachLocked(kernel Kernel) {
	pump, ok := r.pumps[kernel]
	if !ok {
		return
	}
	pump.refs--
	if pump.refs > 0 {
		return
	}
	pump.cancel()
	delete(r.pumps, kernel)
}

// routesFor returns the routing table of an attached kernel.
func (r *Registry) routesFor(kernel Kernel) *kernelRoutes {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pump, ok := r.pumps[kernel]; ok {
		return pump.routes
	}
	return nil
}
