package schema

import (
	"path/filepath"
	"strings"
)

// NormalizeFileID turns a path into the identity used to key sessions.
// Relative paths are made absolute and cleaned.
func NormalizeFileID(path string) (FileID, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrInvalidFile
	}
	if strings.HasPrefix(trimmed, "file://") {
		trimmed = strings.TrimPrefix(trimmed, "file://")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", err
	}
	return FileID(filepath.Clean(abs)), nil
}

// Path returns the filesystem path of the identity.
func (f FileID) Path() string {
	return string(f)
}

// Base returns the base name of the file.
func (f FileID) Base() string {
	if f == "" {
		return ""
	}
	return filepath.Base(string(f))
}

// NormalizeCellType validates a cell type, lower-casing the input.
func NormalizeCellType(value string) (CellType, error) {
	cellType := CellType(strings.ToLower(strings.TrimSpace(value)))
	if !cellType.Valid() {
		return "", ErrInvalidCellType
	}
	return cellType, nil
}
