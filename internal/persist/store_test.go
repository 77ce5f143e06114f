package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"pkt.systems/cellstate/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.LoadBackup("/tmp/a.ipynb")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing backup")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	count := 1
	backup := schema.SessionBackup{
		File: "/work/demo.ipynb",
		Cells: []schema.Cell{
			{
				ID:             "c1",
				File:           "/work/demo.ipynb",
				State:          schema.CellStateFinished,
				ExecutionCount: 1,
				Data: schema.CellData{
					CellType:       schema.CellTypeCode,
					Source:         "print(1)",
					ExecutionCount: &count,
					Outputs:        []schema.Output{{OutputType: schema.OutputStream, Name: "stdout", Text: "1\n"}},
				},
			},
		},
		History: []schema.HistoryEntry{{Text: "print(1)", Dirty: true}},
		Dirty:   true,
		SavedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := store.SaveBackup(backup); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.LoadBackup("/work/demo.ipynb")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected backup to exist")
	}
	if !reflect.DeepEqual(backup, got) {
		t.Fatalf("backup mismatch:\nwant: %+v\ngot:  %+v", backup, got)
	}
	if err := store.DeleteBackup("/work/demo.ipynb"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.LoadBackup("/work/demo.ipynb"); ok {
		t.Fatalf("expected backup deleted")
	}
	if err := store.DeleteBackup("/work/demo.ipynb"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestStoreKeysBySamePathOnly(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SaveBackup(schema.SessionBackup{File: "/a/demo.ipynb"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, _ := store.LoadBackup("/b/demo.ipynb"); ok {
		t.Fatalf("expected different directories not to collide")
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := store.pathForFile("/work/demo.ipynb")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, _, err := store.LoadBackup("/work/demo.ipynb"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.ipynb")
	if err := WriteFileAtomic(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "{}" {
		t.Fatalf("unexpected contents %q (%v)", data, err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("expected 0644, got %v", info.Mode().Perm())
	}
}
