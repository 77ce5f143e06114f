// Package filehost implements the editor host on the local filesystem. There
// is no interactive UI, so dialogs are answered by configuration.
package filehost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/cellstate/internal/persist"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// PromptFunc answers a save dialog. ok=false cancels the save.
type PromptFunc func(ctx context.Context, suggested string) (path string, ok bool, err error)

// Config controls how dialogs are answered.
type Config struct {
	// SaveDir receives untitled notebooks under a generated name when no
	// Prompt is set. Empty cancels untitled saves.
	SaveDir string
	// SaveOnClose answers the save-before-close question.
	SaveOnClose bool
	// Prompt overrides SaveDir.
	Prompt PromptFunc
	// FileMode applies to written notebooks; zero means 0644.
	FileMode os.FileMode
}

// Host reads and writes notebooks on disk.
type Host struct {
	cfg Config
	now func() time.Time
	log pslog.Logger
}

// New constructs a Host.
func New(cfg Config, logger pslog.Logger) *Host {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Host{cfg: cfg, now: time.Now, log: logger}
}

// ReadFile reads a notebook. Missing files wrap os.ErrNotExist.
func (h *Host) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	h.log.Debug("filehost read", "path", path, "bytes", len(data))
	return data, nil
}

// WriteFile atomically replaces the notebook at path.
func (h *Host) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := persist.WriteFileAtomic(path, data, h.cfg.FileMode); err != nil {
		h.log.Warn("filehost write failed", "path", path, "err", err)
		return err
	}
	h.log.Debug("filehost write", "path", path, "bytes", len(data))
	return nil
}

// ShowSaveDialog picks a path for an untitled notebook.
func (h *Host) ShowSaveDialog(ctx context.Context, suggested string) (string, bool, error) {
	if h.cfg.Prompt != nil {
		return h.cfg.Prompt(ctx, suggested)
	}
	if strings.TrimSpace(h.cfg.SaveDir) == "" {
		h.log.Info("filehost save dialog cancelled; no save dir", "suggested", suggested)
		return "", false, nil
	}
	path, err := h.uniquePath(suggested)
	if err != nil {
		return "", false, err
	}
	h.log.Info("filehost save dialog", "suggested", suggested, "path", path)
	return path, true, nil
}

// ConfirmSave answers with the configured SaveOnClose value.
func (h *Host) ConfirmSave(_ context.Context, file schema.FileID) (bool, error) {
	h.log.Debug("filehost confirm save", "file", file, "save", h.cfg.SaveOnClose)
	return h.cfg.SaveOnClose, nil
}

func (h *Host) uniquePath(suggested string) (string, error) {
	ext := filepath.Ext(suggested)
	if ext == "" {
		ext = ".ipynb"
	}
	stem := "notebook-" + h.now().UTC().Format("20060102-150405")
	for i := 0; i < 100; i++ {
		name := stem + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		candidate := filepath.Join(h.cfg.SaveDir, name)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free file name in %s", h.cfg.SaveDir)
}
