package core

import (
	"context"
	"time"

	"pkt.systems/cellstate/schema"
)

// DocumentHost is the file and dialog surface of the editor host.
type DocumentHost interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	// ShowSaveDialog returns the chosen path, or ok=false when cancelled.
	ShowSaveDialog(ctx context.Context, suggested string) (path string, ok bool, err error)
	// ConfirmSave asks whether a dirty file should be saved before closing.
	ConfirmSave(ctx context.Context, file schema.FileID) (bool, error)
}

// Serializer converts between the on-disk notebook format and cells.
type Serializer interface {
	Parse(data []byte) ([]schema.CellData, error)
	Serialize(cells []schema.Cell) ([]byte, error)
}

// BackupStore keeps hot-exit copies of dirty sessions.
type BackupStore interface {
	LoadBackup(file schema.FileID) (schema.SessionBackup, bool, error)
	SaveBackup(backup schema.SessionBackup) error
	DeleteBackup(file schema.FileID) error
}

// SubmissionRecord describes a cell handed to the kernel.
type SubmissionRecord struct {
	File   schema.FileID
	CellID schema.CellID
	Code   string
	At     time.Time
}

// CompletionRecord describes a cell reaching a terminal state.
type CompletionRecord struct {
	File           schema.FileID
	CellID         schema.CellID
	State          schema.CellState
	ExecutionCount int
	At             time.Time
}

// ExecutionRecorder logs submissions and completions.
type ExecutionRecorder interface {
	RecordSubmission(ctx context.Context, rec SubmissionRecord) error
	RecordCompletion(ctx context.Context, rec CompletionRecord) error
}

// HistorySource seeds the input history of a newly opened session.
type HistorySource interface {
	RecentInputs(ctx context.Context, file schema.FileID, limit int) ([]schema.HistoryEntry, error)
}
