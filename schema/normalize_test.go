package schema

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestNormalizeFileID(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name  string
		input string
		want  FileID
		err   error
	}{
		{"absolute", filepath.Join(dir, "a.ipynb"), FileID(filepath.Join(dir, "a.ipynb")), nil},
		{"dotted", filepath.Join(dir, "x", "..", "a.ipynb"), FileID(filepath.Join(dir, "a.ipynb")), nil},
		{"uri", "file://" + filepath.Join(dir, "a.ipynb"), FileID(filepath.Join(dir, "a.ipynb")), nil},
		{"padded", "  " + filepath.Join(dir, "a.ipynb") + " ", FileID(filepath.Join(dir, "a.ipynb")), nil},
		{"empty", "", "", ErrInvalidFile},
		{"blank", "   ", "", ErrInvalidFile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeFileID(tc.input)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNormalizeCellType(t *testing.T) {
	if got, err := NormalizeCellType(" Markdown "); err != nil || got != CellTypeMarkdown {
		t.Fatalf("expected markdown, got %q (%v)", got, err)
	}
	if _, err := NormalizeCellType("python"); !errors.Is(err, ErrInvalidCellType) {
		t.Fatalf("expected invalid cell type, got %v", err)
	}
}

func TestNormalizeControllerConfigDefaults(t *testing.T) {
	cfg, err := NormalizeControllerConfig(ControllerConfig{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Mode != ModeNotebook {
		t.Fatalf("expected notebook mode, got %q", cfg.Mode)
	}
	if cfg.HistoryMax != DefaultHistoryMax {
		t.Fatalf("expected history max %d, got %d", DefaultHistoryMax, cfg.HistoryMax)
	}
	if _, err := NormalizeControllerConfig(ControllerConfig{UndoMax: -1}); err == nil {
		t.Fatalf("expected error for negative undo max")
	}
	if _, err := NormalizeControllerConfig(ControllerConfig{Mode: "webview"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
