package schema

import "time"

// CellViewModel is a cell plus the view-only flags a UI renders it with.
type CellViewModel struct {
	Cell            Cell `json:"cell"`
	Editable        bool `json:"editable"`
	Selected        bool `json:"selected"`
	Focused         bool `json:"focused"`
	InputCollapsed  bool `json:"input_collapsed"`
	OutputCollapsed bool `json:"output_collapsed"`
}

// ControllerSnapshot is a read-only view of controller state for transports.
type ControllerSnapshot struct {
	Cells              []CellViewModel `json:"cells"`
	EditCell           *CellViewModel  `json:"edit_cell,omitempty"`
	Dirty              bool            `json:"dirty"`
	Busy               bool            `json:"busy"`
	CanUndo            bool            `json:"can_undo"`
	CanRedo            bool            `json:"can_redo"`
	CanExport          bool            `json:"can_export"`
	CanSave            bool            `json:"can_save"`
	UndoCount          int             `json:"undo_count"`
	RedoCount          int             `json:"redo_count"`
	CellCount          int             `json:"cell_count"`
	NextExecutionCount int             `json:"next_execution_count"`
}

// SessionSnapshot is a read-only view of a session for transports.
type SessionSnapshot struct {
	File      FileID `json:"file"`
	Title     string `json:"title"`
	Dirty     bool   `json:"dirty"`
	Closed    bool   `json:"closed"`
	CellCount int    `json:"cell_count"`
}

// SessionBackup is the hot-exit copy of a dirty session.
type SessionBackup struct {
	File    FileID         `json:"file"`
	Cells   []Cell         `json:"cells"`
	History []HistoryEntry `json:"history,omitempty"`
	Dirty   bool           `json:"dirty"`
	SavedAt time.Time      `json:"saved_at"`
}
