package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// Store persists hot-exit session backups to disk, one JSON file per
// notebook.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// LoadBackup reads the backup for file.
func (s *Store) LoadBackup(file schema.FileID) (schema.SessionBackup, bool, error) {
	path := s.pathForFile(file)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("backup load miss", "file", file)
			}
			return schema.SessionBackup{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("backup load failed", "file", file, "err", err)
		}
		return schema.SessionBackup{}, false, err
	}
	var backup schema.SessionBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		if s.log != nil {
			s.log.Warn("backup load failed", "file", file, "err", err)
		}
		return schema.SessionBackup{}, false, err
	}
	if backup.File != file {
		if s.log != nil {
			s.log.Warn("backup load skipped; file mismatch", "file", file, "backup_file", backup.File)
		}
		return schema.SessionBackup{}, false, nil
	}
	if s.log != nil {
		s.log.Debug("backup load ok", "file", file, "cells", len(backup.Cells))
	}
	return backup, true, nil
}

// SaveBackup writes the backup for backup.File.
func (s *Store) SaveBackup(backup schema.SessionBackup) error {
	if backup.File == "" {
		return schema.ErrInvalidFile
	}
	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("backup save failed", "file", backup.File, "err", err)
		}
		return err
	}
	if err := WriteFileAtomic(s.pathForFile(backup.File), data, 0o600); err != nil {
		if s.log != nil {
			s.log.Warn("backup save failed", "file", backup.File, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("backup save ok", "file", backup.File, "cells", len(backup.Cells))
	}
	return nil
}

// DeleteBackup removes the backup for file. A missing backup is not an error.
func (s *Store) DeleteBackup(file schema.FileID) error {
	err := os.Remove(s.pathForFile(file))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("backup delete failed", "file", file, "err", err)
		}
		return err
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

// pathForFile keys backups by base name plus a digest of the full path so
// notebooks with the same name in different directories do not collide.
func (s *Store) pathForFile(file schema.FileID) string {
	name := sanitize(file.Base())
	if name == "" {
		name = "unknown"
	}
	sum := sha256.Sum256([]byte(file))
	return filepath.Join(s.dir, name+"-"+hex.EncodeToString(sum[:6])+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
