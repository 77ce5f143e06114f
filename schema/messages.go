package schema

import (
	"encoding/json"
	"fmt"
)

// MessageKind tags a message on the channel between the state controller and
// its counterparts.
type MessageKind string

const (
	// Collection-wide and notebook messages.
	KindLoadAllCells  MessageKind = "load_all_cells"
	KindNotebookDirty MessageKind = "notebook_dirty"
	KindNotebookClean MessageKind = "notebook_clean"
	KindRemoteAddCode MessageKind = "remote_add_code"
	KindClearAllCells MessageKind = "clear_all_cells"

	// Submission.
	KindSubmitNewCell MessageKind = "submit_new_cell"
	KindReexecuteCell MessageKind = "reexecute_cell"

	// Kernel execution lifecycle.
	KindExecutionStarted  MessageKind = "execution_started"
	KindOutputAppended    MessageKind = "output_appended"
	KindExecutionFinished MessageKind = "execution_finished"
	KindExecutionErrored  MessageKind = "execution_errored"
	KindRestartKernel     MessageKind = "restart_kernel"
	KindInterruptKernel   MessageKind = "interrupt_kernel"

	// Structural edits.
	KindDeleteCell     MessageKind = "delete_cell"
	KindMoveCellUp     MessageKind = "move_cell_up"
	KindMoveCellDown   MessageKind = "move_cell_down"
	KindChangeCellType MessageKind = "change_cell_type"
	KindInsertCell     MessageKind = "insert_cell"
	KindEditCell       MessageKind = "edit_cell"
	KindUndo           MessageKind = "undo"
	KindRedo           MessageKind = "redo"

	// View state.
	KindSelectCell  MessageKind = "select_cell"
	KindFocusCell   MessageKind = "focus_cell"
	KindUnfocusCell MessageKind = "unfocus_cell"
	KindExpandAll   MessageKind = "expand_all"
	KindCollapseAll MessageKind = "collapse_all"
)

// Message is the closed set of messages the controller understands. Kinds
// this build does not know decode to Unknown.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// LoadAllCells replaces the whole collection.
type LoadAllCells struct {
	Cells []Cell `json:"cells"`
}

// NotebookDirty marks the notebook as modified.
type NotebookDirty struct{}

// NotebookClean marks the notebook as saved.
type NotebookClean struct{}

// RemoteAddCode mirrors a submission made by another controller.
type RemoteAddCode struct {
	ID         CellID `json:"id"`
	Code       string `json:"code"`
	File       string `json:"file"`
	Line       int    `json:"line"`
	Originator string `json:"originator"`
	Debug      bool   `json:"debug,omitempty"`
}

// ClearAllCells removes every cell.
type ClearAllCells struct{}

// SubmitNewCell submits the edit cell contents.
type SubmitNewCell struct {
	ID   CellID `json:"id"`
	Code string `json:"code"`
}

// ReexecuteCell runs an existing cell again.
type ReexecuteCell struct {
	ID   CellID `json:"id"`
	Code string `json:"code"`
}

// ExecutionStarted reports the kernel accepted a cell and assigned a counter.
type ExecutionStarted struct {
	ID             CellID `json:"id"`
	ExecutionCount int    `json:"execution_count"`
}

// OutputAppended carries one output record for an executing cell.
type OutputAppended struct {
	ID     CellID `json:"id"`
	Output Output `json:"output"`
}

// ExecutionFinished reports successful completion.
type ExecutionFinished struct {
	ID CellID `json:"id"`
}

// ExecutionErrored reports failed completion.
type ExecutionErrored struct {
	ID    CellID    `json:"id"`
	Error ErrorInfo `json:"error"`
}

// RestartKernel restarts the kernel and resets local execution state.
type RestartKernel struct{}

// InterruptKernel requests a best-effort interrupt.
type InterruptKernel struct{}

// DeleteCell removes a cell.
type DeleteCell struct {
	ID CellID `json:"id"`
}

// MoveCellUp swaps a cell with its predecessor.
type MoveCellUp struct {
	ID CellID `json:"id"`
}

// MoveCellDown swaps a cell with its successor.
type MoveCellDown struct {
	ID CellID `json:"id"`
}

// ChangeCellType switches a cell between code, markdown and raw.
type ChangeCellType struct {
	ID       CellID   `json:"id"`
	CellType CellType `json:"cell_type"`
}

// InsertCell adds a new cell after After, or at the top when After is empty.
type InsertCell struct {
	ID       CellID   `json:"id,omitempty"`
	After    CellID   `json:"after,omitempty"`
	CellType CellType `json:"cell_type,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// EditCell replaces the source of a cell.
type EditCell struct {
	ID     CellID `json:"id"`
	Source string `json:"source"`
}

// Undo restores the previous collection snapshot.
type Undo struct{}

// Redo re-applies the last undone snapshot.
type Redo struct{}

// SelectCell moves the selection.
type SelectCell struct {
	ID CellID `json:"id"`
}

// FocusCell moves editor focus to a cell.
type FocusCell struct {
	ID CellID `json:"id"`
}

// UnfocusCell reports that a cell editor lost focus with its current text.
type UnfocusCell struct {
	ID     CellID `json:"id"`
	Source string `json:"source"`
}

// ExpandAll expands every cell's input and output.
type ExpandAll struct{}

// CollapseAll collapses every cell's input and output.
type CollapseAll struct{}

// Unknown carries a message kind this build does not understand.
type Unknown struct {
	Type    MessageKind
	Payload json.RawMessage
}

func (LoadAllCells) Kind() MessageKind      { return KindLoadAllCells }
func (NotebookDirty) Kind() MessageKind     { return KindNotebookDirty }
func (NotebookClean) Kind() MessageKind     { return KindNotebookClean }
func (RemoteAddCode) Kind() MessageKind     { return KindRemoteAddCode }
func (ClearAllCells) Kind() MessageKind     { return KindClearAllCells }
func (SubmitNewCell) Kind() MessageKind     { return KindSubmitNewCell }
func (ReexecuteCell) Kind() MessageKind     { return KindReexecuteCell }
func (ExecutionStarted) Kind() MessageKind  { return KindExecutionStarted }
func (OutputAppended) Kind() MessageKind    { return KindOutputAppended }
func (ExecutionFinished) Kind() MessageKind { return KindExecutionFinished }
func (ExecutionErrored) Kind() MessageKind  { return KindExecutionErrored }
func (RestartKernel) Kind() MessageKind     { return KindRestartKernel }
func (InterruptKernel) Kind() MessageKind   { return KindInterruptKernel }
func (DeleteCell) Kind() MessageKind        { return KindDeleteCell }
func (MoveCellUp) Kind() MessageKind        { return KindMoveCellUp }
func (MoveCellDown) Kind() MessageKind      { return KindMoveCellDown }
func (ChangeCellType) Kind() MessageKind    { return KindChangeCellType }
func (InsertCell) Kind() MessageKind        { return KindInsertCell }
func (EditCell) Kind() MessageKind          { return KindEditCell }
func (Undo) Kind() MessageKind              { return KindUndo }
func (Redo) Kind() MessageKind              { return KindRedo }
func (SelectCell) Kind() MessageKind        { return KindSelectCell }
func (FocusCell) Kind() MessageKind         { return KindFocusCell }
func (UnfocusCell) Kind() MessageKind       { return KindUnfocusCell }
func (ExpandAll) Kind() MessageKind         { return KindExpandAll }
func (CollapseAll) Kind() MessageKind       { return KindCollapseAll }
func (m Unknown) Kind() MessageKind         { return m.Type }

func (LoadAllCells) isMessage()      {}
func (NotebookDirty) isMessage()     {}
func (NotebookClean) isMessage()     {}
func (RemoteAddCode) isMessage()     {}
func (ClearAllCells) isMessage()     {}
func (SubmitNewCell) isMessage()     {}
func (ReexecuteCell) isMessage()     {}
func (ExecutionStarted) isMessage()  {}
func (OutputAppended) isMessage()    {}
func (ExecutionFinished) isMessage() {}
func (ExecutionErrored) isMessage()  {}
func (RestartKernel) isMessage()     {}
func (InterruptKernel) isMessage()   {}
func (DeleteCell) isMessage()        {}
func (MoveCellUp) isMessage()        {}
func (MoveCellDown) isMessage()      {}
func (ChangeCellType) isMessage()    {}
func (InsertCell) isMessage()        {}
func (EditCell) isMessage()          {}
func (Undo) isMessage()              {}
func (Redo) isMessage()              {}
func (SelectCell) isMessage()        {}
func (FocusCell) isMessage()         {}
func (UnfocusCell) isMessage()       {}
func (ExpandAll) isMessage()         {}
func (CollapseAll) isMessage()       {}
func (Unknown) isMessage()           {}

// Envelope is the wire form of a message.
type Envelope struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeMessage wraps a message in its wire envelope.
func EncodeMessage(msg Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, ErrInvalidRequest
	}
	if unknown, ok := msg.(Unknown); ok {
		return Envelope{Kind: unknown.Type, Payload: append(json.RawMessage(nil), unknown.Payload...)}, nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return Envelope{Kind: msg.Kind(), Payload: payload}, nil
}

// DecodeMessage turns a wire envelope into a typed message. Unknown kinds
// decode to Unknown without error.
func DecodeMessage(env Envelope) (Message, error) {
	switch env.Kind {
	case KindLoadAllCells:
		return decodeAs[LoadAllCells](env)
	case KindNotebookDirty:
		return decodeAs[NotebookDirty](env)
	case KindNotebookClean:
		return decodeAs[NotebookClean](env)
	case KindRemoteAddCode:
		return decodeAs[RemoteAddCode](env)
	case KindClearAllCells:
		return decodeAs[ClearAllCells](env)
	case KindSubmitNewCell:
		return decodeAs[SubmitNewCell](env)
	case KindReexecuteCell:
		return decodeAs[ReexecuteCell](env)
	case KindExecutionStarted:
		return decodeAs[ExecutionStarted](env)
	case KindOutputAppended:
		return decodeAs[OutputAppended](env)
	case KindExecutionFinished:
		return decodeAs[ExecutionFinished](env)
	case KindExecutionErrored:
		return decodeAs[ExecutionErrored](env)
	case KindRestartKernel:
		return decodeAs[RestartKernel](env)
	case KindInterruptKernel:
		return decodeAs[InterruptKernel](env)
	case KindDeleteCell:
		return decodeAs[DeleteCell](env)
	case KindMoveCellUp:
		return decodeAs[MoveCellUp](env)
	case KindMoveCellDown:
		return decodeAs[MoveCellDown](env)
	case KindChangeCellType:
		return decodeAs[ChangeCellType](env)
	case KindInsertCell:
		return decodeAs[InsertCell](env)
	case KindEditCell:
		return decodeAs[EditCell](env)
	case KindUndo:
		return decodeAs[Undo](env)
	case KindRedo:
		return decodeAs[Redo](env)
	case KindSelectCell:
		return decodeAs[SelectCell](env)
	case KindFocusCell:
		return decodeAs[FocusCell](env)
	case KindUnfocusCell:
		return decodeAs[UnfocusCell](env)
	case KindExpandAll:
		return decodeAs[ExpandAll](env)
	case KindCollapseAll:
		return decodeAs[CollapseAll](env)
	case "":
		return nil, ErrInvalidRequest
	default:
		return Unknown{Type: env.Kind, Payload: append(json.RawMessage(nil), env.Payload...)}, nil
	}
}

func decodeAs[T Message](env Envelope) (Message, error) {
	var msg T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return msg, nil
	}
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return msg, nil
}
