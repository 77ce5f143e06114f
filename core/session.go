package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// CloseResult reports what happened to a session's unsaved changes.
type CloseResult struct {
	Saved     bool `json:"saved"`
	BackedUp  bool `json:"backed_up"`
	Discarded bool `json:"discarded"`
}

// Session binds a controller to a file on disk.
type Session struct {
	mu         sync.Mutex
	file       schema.FileID
	mode       schema.EditorMode
	ctrl       *Controller
	kernel     Kernel
	kernelKey  schema.FileID
	host       DocumentHost
	serializer Serializer
	backups    BackupStore
	sink       EventSink
	prefix     string
	hotExit    bool
	closed     bool
	logger     pslog.Logger

	// rename re-keys the session in its registry; release removes it.
	rename  func(s *Session, from, to schema.FileID) error
	release func(ctx context.Context, s *Session)
}

// File returns the session's file identity.
func (s *Session) File() schema.FileID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

// Title returns the file's base name.
func (s *Session) Title() string {
	return s.File().Base()
}

// Mode reports whether the session backs a notebook or an interactive window.
func (s *Session) Mode() schema.EditorMode {
	return s.mode
}

// Controller returns the session's state controller.
func (s *Session) Controller() *Controller {
	return s.ctrl
}

// HandleMessage forwards a message to the controller.
func (s *Session) HandleMessage(ctx context.Context, msg schema.Message) bool {
	return s.ctrl.HandleMessage(ctx, msg)
}

// Closed reports whether the session was closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Snapshot returns a read-only view of the session.
func (s *Session) Snapshot() schema.SessionSnapshot {
	s.mu.Lock()
	file := s.file
	closed := s.closed
	s.mu.Unlock()
	state := s.ctrl.Snapshot()
	return schema.SessionSnapshot{
		File:      file,
		Title:     file.Base(),
		Dirty:     state.Dirty,
		Closed:    closed,
		CellCount: state.CellCount,
	}
}

// Untitled reports whether saving needs a file name from the user first.
func (s *Session) Untitled() bool {
	return strings.HasPrefix(s.Title(), s.prefix)
}

// Export serializes the visible cells.
func (s *Session) Export() ([]byte, error) {
	if s.serializer == nil {
		return nil, errors.New("no serializer configured")
	}
	return s.serializer.Serialize(s.ctrl.VisibleCells())
}

// Save writes the cells to the session file. Untitled sessions ask for a
// path first and are re-keyed to it.
func (s *Session) Save(ctx context.Context) error {
	if s.Untitled() {
		if s.host == nil {
			return schema.ErrSaveCancelled
		}
		path, ok, err := s.host.ShowSaveDialog(ctx, s.Title())
		if err != nil {
			return fmt.Errorf("save dialog: %w", err)
		}
		if !ok || strings.TrimSpace(path) == "" {
			return schema.ErrSaveCancelled
		}
		return s.SaveAs(ctx, path)
	}
	return s.saveTo(ctx, s.File())
}

// SaveAs writes the cells to path and re-keys the session to it.
func (s *Session) SaveAs(ctx context.Context, path string) error {
	target, err := schema.NormalizeFileID(path)
	if err != nil {
		return err
	}
	return s.saveTo(ctx, target)
}

func (s *Session) saveTo(ctx context.Context, target schema.FileID) error {
	if s.Closed() {
		return schema.ErrSessionClosed
	}
	if s.host == nil {
		return errors.New("no document host configured")
	}
	data, err := s.Export()
	if err != nil {
		return fmt.Errorf("serialize notebook: %w", err)
	}
	if err := s.host.WriteFile(ctx, target.Path(), data); err != nil {
		return fmt.Errorf("write notebook: %w", err)
	}
	previous := s.File()
	if target != previous {
		if s.rename != nil {
			if err := s.rename(s, previous, target); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.file = target
		s.mu.Unlock()
		s.ctrl.setFile(target)
	}
	s.ctrl.MarkClean(ctx)
	if s.backups != nil {
		if err := s.backups.DeleteBackup(previous); err != nil {
			s.logger.Warn("session backup cleanup failed", "err", err)
		}
	}
	s.logger.Info("session saved", "path", target, "bytes", len(data))
	s.emit(schema.SessionEventSaved)
	return nil
}

// Close ends the session. Dirty sessions are backed up when hot exit is
// enabled; otherwise the host decides whether to save first. Closing twice
// is a no-op.
func (s *Session) Close(ctx context.Context) (CloseResult, error) {
	if s.Closed() {
		return CloseResult{}, nil
	}
	var result CloseResult
	file := s.File()
	if s.ctrl.Dirty() && s.mode == schema.ModeNotebook {
		switch {
		case s.hotExit && s.backups != nil:
			backup := schema.SessionBackup{
				File:    file,
				Cells:   s.ctrl.VisibleCells(),
				History: s.ctrl.History(),
				Dirty:   true,
				SavedAt: time.Now().UTC(),
			}
			if err := s.backups.SaveBackup(backup); err != nil {
				return result, fmt.Errorf("backup session: %w", err)
			}
			result.BackedUp = true
		case s.host != nil:
			save, err := s.host.ConfirmSave(ctx, file)
			if err != nil {
				return result, fmt.Errorf("confirm save: %w", err)
			}
			if save {
				if err := s.Save(ctx); err != nil {
					return result, err
				}
				result.Saved = true
			} else {
				result.Discarded = true
			}
		default:
			result.Discarded = true
		}
	} else if s.backups != nil {
		if err := s.backups.DeleteBackup(file); err != nil {
			s.logger.Warn("session backup cleanup failed", "err", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return result, nil
	}
	s.closed = true
	s.mu.Unlock()
	s.ctrl.Close()
	if s.release != nil {
		s.release(ctx, s)
	}
	s.logger.Info("session closed", "saved", result.Saved, "backed_up", result.BackedUp, "discarded", result.Discarded)
	return result, nil
}

func (s *Session) emit(kind schema.SessionEventType) {
	if s.sink == nil {
		return
	}
	s.sink.OnSessionEvent(schema.SessionEvent{Type: kind, Session: s.Snapshot()})
}

// sessionChannel forwards controller posts and turns dirty notifications
// into session events.
type sessionChannel struct {
	session *Session
	inner   MessageChannel
}

func (c sessionChannel) Post(ctx context.Context, file schema.FileID, msg schema.Message) error {
	if _, ok := msg.(schema.NotebookDirty); ok {
		c.session.emit(schema.SessionEventDirty)
	}
	if c.inner == nil {
		return nil
	}
	return c.inner.Post(ctx, file, msg)
}
