package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/cellstate/internal/logx"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// errNoChange aborts a mutation without emitting state.
var errNoChange = errors.New("no change")

var restartedError = schema.ErrorInfo{Name: "KernelRestarted", Value: "kernel restarted"}

// Controller owns the cell state of one notebook or interactive window. All
// state changes happen under mu; collaborators are called after unlocking.
type Controller struct {
	mu        sync.Mutex
	cfg       schema.ControllerConfig
	file      schema.FileID
	cells     *cellCollection
	undo      *undoStack
	history   *inputHistory
	edit      schema.Cell
	nextCount int
	dirty     bool
	busy      bool
	closed    bool
	selected  schema.CellID
	focused   schema.CellID

	inputCollapsed  map[schema.CellID]bool
	outputCollapsed map[schema.CellID]bool
	// inflight holds cells handed to the kernel that have not reported a
	// terminal message, including cells deleted while running.
	inflight map[schema.CellID]struct{}

	kernel   Kernel
	channel  MessageChannel
	sink     EventSink
	recorder ExecutionRecorder
	newID    func() schema.CellID
	base     pslog.Logger
	logger   pslog.Logger
}

// effects are side effects collected under the lock and applied after it.
type effects struct {
	file        schema.FileID
	execute     []ExecuteRequest
	posts       []schema.Message
	submissions []SubmissionRecord
	completions []CompletionRecord
	state       *schema.ControllerSnapshot
}

// NewController constructs a controller for file.
func NewController(file schema.FileID, cfg schema.ControllerConfig, deps ControllerDeps) (*Controller, error) {
	normalized, err := schema.NormalizeControllerConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	newID := deps.NewID
	if newID == nil {
		newID = newCellID
	}
	c := &Controller{
		cfg:             normalized,
		file:            file,
		cells:           newCellCollection(),
		undo:            newUndoStack(normalized.UndoMax),
		history:         newInputHistory(normalized.HistoryMax),
		nextCount:       1,
		busy:            normalized.Mode == schema.ModeNotebook,
		inputCollapsed:  make(map[schema.CellID]bool),
		outputCollapsed: make(map[schema.CellID]bool),
		inflight:        make(map[schema.CellID]struct{}),
		kernel:          deps.Kernel,
		channel:         deps.Channel,
		sink:            deps.Sink,
		recorder:        deps.Recorder,
		newID:           newID,
		base:            logger,
		logger:          logger.With("file", file),
	}
	c.edit = c.newEditCell()
	return c, nil
}

func (c *Controller) log() pslog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// File returns the file the controller is bound to.
func (c *Controller) File() schema.FileID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file
}

func (c *Controller) setFile(file schema.FileID) {
	c.mu.Lock()
	c.file = file
	c.logger = c.base.With("file", file)
	c.mu.Unlock()
}

// Dirty reports whether the cells changed since the last save.
func (c *Controller) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// SubmitInput executes code in the cell with id, creating the cell when it
// does not exist yet. It reports false when nothing was submitted.
func (c *Controller) SubmitInput(ctx context.Context, code string, id schema.CellID) bool {
	return c.submit(ctx, submitRequest{code: code, id: id})
}

// AddCode submits code that originated from file at line.
func (c *Controller) AddCode(ctx context.Context, code string, file string, line int) (schema.CellID, bool) {
	id := c.newID()
	ok := c.submit(ctx, submitRequest{code: code, id: id, file: file, line: line})
	return id, ok
}

// ReexecuteCell runs an existing cell again. An empty code reuses the
// cell's current source.
func (c *Controller) ReexecuteCell(ctx context.Context, id schema.CellID, code string) bool {
	c.mu.Lock()
	cell, ok := c.cells.Get(id)
	if ok && code == "" {
		code = cell.Data.Source
	}
	c.mu.Unlock()
	if !ok {
		c.log().Debug("controller reexecute ignored", "cell", id, "err", schema.ErrCellNotFound)
		return false
	}
	return c.submit(ctx, submitRequest{code: code, id: id})
}

type submitRequest struct {
	code  string
	id    schema.CellID
	file  string
	line  int
	debug bool
}

func (c *Controller) submit(ctx context.Context, req submitRequest) bool {
	c.mu.Lock()
	fx := c.newEffectsLocked()
	ok := c.submitLocked(req, fx)
	if ok {
		c.emitLocked(fx)
	}
	c.mu.Unlock()
	if ok {
		c.apply(ctx, fx)
	}
	return ok
}

func (c *Controller) submitLocked(req submitRequest, fx *effects) bool {
	if c.closed || req.code == "" || req.id == "" {
		return false
	}
	log := logx.WithCell(c.logger, req.id)
	cell, exists := c.cells.Get(req.id)
	if exists && cell.State == schema.CellStateExecuting {
		log.Debug("controller submit ignored; cell already executing")
		return false
	}
	c.snapshotBeforeMutationLocked()
	wasDirty := c.dirty
	if exists {
		cell.Data.Source = req.code
		cell.Data.Outputs = nil
	} else {
		cellType := schema.CellTypeCode
		if req.id == c.edit.ID && c.edit.Data.CellType != "" {
			cellType = c.edit.Data.CellType
		}
		file := req.file
		if file == "" {
			file = schema.EmptyFileName
		}
		if err := c.cells.Append(schema.Cell{
			ID:    req.id,
			File:  file,
			Line:  req.line,
			State: schema.CellStateInit,
			Data:  schema.CellData{CellType: cellType, Source: req.code},
		}); err != nil {
			log.Warn("controller submit failed", "err", err)
			return false
		}
		cell, _ = c.cells.Get(req.id)
		if req.id == c.edit.ID {
			c.edit = c.newEditCell()
		}
	}
	c.history.Add(req.code, wasDirty)
	c.markDirtyLocked(fx)
	if cell.Data.CellType != schema.CellTypeCode {
		cell.State = schema.CellStateFinished
		log.Debug("controller submit rendered", "cell_type", cell.Data.CellType)
		return true
	}
	cell.State = schema.CellStateExecuting
	c.inflight[cell.ID] = struct{}{}
	fx.execute = append(fx.execute, ExecuteRequest{
		CellID: cell.ID,
		Code:   req.code,
		File:   cell.File,
		Line:   cell.Line,
		Debug:  req.debug,
	})
	fx.submissions = append(fx.submissions, SubmissionRecord{
		File:   c.file,
		CellID: cell.ID,
		Code:   req.code,
		At:     time.Now().UTC(),
	})
	if c.cfg.Originator != "" {
		fx.posts = append(fx.posts, schema.RemoteAddCode{
			ID:         cell.ID,
			Code:       req.code,
			File:       cell.File,
			Line:       cell.Line,
			Originator: c.cfg.Originator,
			Debug:      req.debug,
		})
	}
	log.Debug("controller submit", "file_line", cell.Line)
	return true
}

// HandleMessage reduces one message into the controller state. It reports
// false for kinds the controller does not understand.
func (c *Controller) HandleMessage(ctx context.Context, msg schema.Message) bool {
	if msg == nil {
		return false
	}
	log := logx.WithMessage(c.log(), msg.Kind())
	var err error
	switch m := msg.(type) {
	case schema.SubmitNewCell:
		c.SubmitInput(ctx, m.Code, m.ID)
	case schema.ReexecuteCell:
		c.ReexecuteCell(ctx, m.ID, m.Code)
	case schema.RemoteAddCode:
		c.remoteAddCode(ctx, m)
	case schema.ExecutionStarted:
		c.executionStarted(ctx, m)
	case schema.OutputAppended:
		c.updateExecuting(ctx, m.ID, false, func(cell *schema.Cell, _ *effects) {
			cell.Data.Outputs = appendOutput(cell.Data.Outputs, m.Output)
		})
	case schema.ExecutionFinished:
		c.updateExecuting(ctx, m.ID, true, func(cell *schema.Cell, fx *effects) {
			c.completeLocked(cell, schema.CellStateFinished, fx)
		})
	case schema.ExecutionErrored:
		c.updateExecuting(ctx, m.ID, true, func(cell *schema.Cell, fx *effects) {
			cell.Data.Outputs = appendOutput(cell.Data.Outputs, m.Error.Output())
			c.completeLocked(cell, schema.CellStateError, fx)
		})
	case schema.LoadAllCells:
		c.LoadAllCells(ctx, m.Cells)
	case schema.RestartKernel:
		err = c.RestartKernel(ctx)
	case schema.InterruptKernel:
		err = c.InterruptKernel(ctx)
	case schema.NotebookDirty:
		err = c.mutate(ctx, func(_ *effects) error {
			if c.dirty {
				return errNoChange
			}
			c.dirty = true
			return nil
		})
	case schema.NotebookClean:
		c.MarkClean(ctx)
	case schema.DeleteCell:
		err = c.DeleteCell(ctx, m.ID)
	case schema.MoveCellUp:
		err = c.MoveCellUp(ctx, m.ID)
	case schema.MoveCellDown:
		err = c.MoveCellDown(ctx, m.ID)
	case schema.ChangeCellType:
		err = c.ChangeCellType(ctx, m.ID, m.CellType)
	case schema.InsertCell:
		_, err = c.insertCell(ctx, m.ID, m.After, m.CellType, m.Source)
	case schema.EditCell:
		err = c.EditCell(ctx, m.ID, m.Source)
	case schema.ClearAllCells:
		c.ClearAll(ctx)
	case schema.Undo:
		c.Undo(ctx)
	case schema.Redo:
		c.Redo(ctx)
	case schema.SelectCell:
		err = c.SelectCell(ctx, m.ID)
	case schema.FocusCell:
		err = c.FocusCell(ctx, m.ID)
	case schema.UnfocusCell:
		c.UnfocusCell(ctx, m.ID, m.Source)
	case schema.ExpandAll:
		c.ExpandAll(ctx)
	case schema.CollapseAll:
		c.CollapseAll(ctx)
	default:
		log.Debug("controller ignoring message")
		return false
	}
	if err != nil {
		log.Debug("controller message not applied", "err", err)
	}
	return true
}

func (c *Controller) remoteAddCode(ctx context.Context, m schema.RemoteAddCode) {
	if m.Originator != "" && m.Originator == c.cfg.Originator {
		return
	}
	err := c.mutate(ctx, func(_ *effects) error {
		if m.ID == "" || m.Code == "" {
			return schema.ErrInvalidRequest
		}
		if _, exists := c.cells.Get(m.ID); exists {
			return schema.ErrDuplicateCell
		}
		file := m.File
		if file == "" {
			file = schema.EmptyFileName
		}
		if err := c.cells.Append(schema.Cell{
			ID:    m.ID,
			File:  file,
			Line:  m.Line,
			State: schema.CellStateExecuting,
			Data:  schema.CellData{CellType: schema.CellTypeCode, Source: m.Code},
		}); err != nil {
			return err
		}
		c.inflight[m.ID] = struct{}{}
		return nil
	})
	if err != nil {
		logx.WithCell(c.log(), m.ID).Debug("controller remote add ignored", "err", err)
	}
}

func (c *Controller) executionStarted(ctx context.Context, m schema.ExecutionStarted) {
	c.updateExecuting(ctx, m.ID, false, func(cell *schema.Cell, _ *effects) {
		count := m.ExecutionCount
		if count <= 0 {
			count = c.nextCount
		}
		cell.ExecutionCount = count
		dataCount := count
		cell.Data.ExecutionCount = &dataCount
		if count >= c.nextCount {
			c.nextCount = count + 1
		}
	})
}

// updateExecuting applies fn to an executing cell. Messages for missing or
// non-executing cells are dropped; a terminal one still settles the request.
func (c *Controller) updateExecuting(ctx context.Context, id schema.CellID, terminal bool, fn func(*schema.Cell, *effects)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cell, ok := c.cells.Get(id)
	if !ok || cell.State != schema.CellStateExecuting {
		state := schema.CellState("")
		if ok {
			state = cell.State
		}
		if terminal {
			delete(c.inflight, id)
		}
		c.mu.Unlock()
		logx.WithCell(c.log(), id).Debug("controller dropped kernel update", "found", ok, "state", state)
		return
	}
	fx := c.newEffectsLocked()
	fn(cell, fx)
	c.emitLocked(fx)
	c.mu.Unlock()
	c.apply(ctx, fx)
}

func (c *Controller) completeLocked(cell *schema.Cell, state schema.CellState, fx *effects) {
	cell.State = state
	delete(c.inflight, cell.ID)
	fx.completions = append(fx.completions, CompletionRecord{
		File:           c.file,
		CellID:         cell.ID,
		State:          state,
		ExecutionCount: cell.ExecutionCount,
		At:             time.Now().UTC(),
	})
}

// appendOutput adds out, merging consecutive text on the same stream.
func appendOutput(outputs []schema.Output, out schema.Output) []schema.Output {
	if out.OutputType == schema.OutputStream && len(outputs) > 0 {
		last := &outputs[len(outputs)-1]
		if last.OutputType == schema.OutputStream && last.Name == out.Name {
			last.Text += out.Text
			return outputs
		}
	}
	return append(outputs, out.Clone())
}

// LoadAllCells replaces the collection, ends the busy state and clears undo.
func (c *Controller) LoadAllCells(ctx context.Context, cells []schema.Cell) {
	_ = c.mutate(ctx, func(_ *effects) error {
		loaded := newCellCollection()
		for _, cell := range cells {
			cell = c.normalizeLoadedCellLocked(cell)
			if _, exists := loaded.Get(cell.ID); exists {
				cell.ID = c.newID()
			}
			_ = loaded.Append(cell)
		}
		c.cells = loaded
		c.inflight = make(map[schema.CellID]struct{})
		c.undo.Clear()
		c.busy = false
		c.selected = ""
		c.focused = ""
		c.inputCollapsed = make(map[schema.CellID]bool)
		c.outputCollapsed = make(map[schema.CellID]bool)
		c.logger.Debug("controller loaded cells", "count", loaded.Len())
		return nil
	})
}

func (c *Controller) normalizeLoadedCellLocked(cell schema.Cell) schema.Cell {
	cell = cell.Clone()
	if cell.ID == "" {
		cell.ID = c.newID()
	}
	if cell.File == "" {
		cell.File = schema.EmptyFileName
		if c.file != "" {
			cell.File = string(c.file)
		}
	}
	if !cell.Data.CellType.Valid() {
		cell.Data.CellType = schema.CellTypeCode
	}
	if cell.ExecutionCount == 0 && cell.Data.ExecutionCount != nil {
		cell.ExecutionCount = *cell.Data.ExecutionCount
	}
	if cell.State == "" || cell.State == schema.CellStateExecuting {
		switch {
		case cell.Data.CellType != schema.CellTypeCode:
			cell.State = schema.CellStateFinished
		case cell.ExecutionCount > 0 || len(cell.Data.Outputs) > 0:
			cell.State = schema.CellStateFinished
		default:
			cell.State = schema.CellStateInit
		}
	}
	return cell
}

// InterruptKernel asks the kernel to interrupt; cells are left untouched.
func (c *Controller) InterruptKernel(ctx context.Context) error {
	if c.kernel == nil {
		return schema.ErrKernelUnavailable
	}
	if err := c.kernel.Interrupt(ctx); err != nil {
		c.log().Warn("controller interrupt failed", "err", err)
		return fmt.Errorf("interrupt kernel: %w", err)
	}
	return nil
}

// RestartKernel resets executing cells to error, restarts the counter at 1
// and asks the kernel to restart.
func (c *Controller) RestartKernel(ctx context.Context) error {
	if err := c.mutate(ctx, func(fx *effects) error {
		c.resetAfterRestartLocked(fx)
		return nil
	}); err != nil {
		return err
	}
	if c.kernel == nil {
		return schema.ErrKernelUnavailable
	}
	if err := c.kernel.Restart(ctx); err != nil {
		c.log().Warn("controller restart failed", "err", err)
		return fmt.Errorf("restart kernel: %w", err)
	}
	c.log().Info("controller kernel restarted")
	return nil
}

func (c *Controller) resetAfterRestartLocked(fx *effects) {
	c.cells.Each(func(cell *schema.Cell) {
		if cell.State != schema.CellStateExecuting {
			return
		}
		cell.Data.Outputs = appendOutput(cell.Data.Outputs, restartedError.Output())
		c.completeLocked(cell, schema.CellStateError, fx)
	})
	c.inflight = make(map[schema.CellID]struct{})
	c.nextCount = 1
}

// DeleteCell removes a cell.
func (c *Controller) DeleteCell(ctx context.Context, id schema.CellID) error {
	return c.mutate(ctx, func(fx *effects) error {
		if _, ok := c.cells.Get(id); !ok {
			return schema.ErrCellNotFound
		}
		c.snapshotBeforeMutationLocked()
		c.cells.Remove(id)
		c.forgetCellLocked(id)
		c.markDirtyLocked(fx)
		return nil
	})
}

// MoveCellUp swaps a cell with its predecessor.
func (c *Controller) MoveCellUp(ctx context.Context, id schema.CellID) error {
	return c.moveCell(ctx, id, -1)
}

// MoveCellDown swaps a cell with its successor.
func (c *Controller) MoveCellDown(ctx context.Context, id schema.CellID) error {
	return c.moveCell(ctx, id, 1)
}

func (c *Controller) moveCell(ctx context.Context, id schema.CellID, delta int) error {
	return c.mutate(ctx, func(fx *effects) error {
		from := c.cells.IndexOf(id)
		if from < 0 {
			return schema.ErrCellNotFound
		}
		to := from + delta
		if to < 0 || to >= c.cells.Len() {
			return errNoChange
		}
		c.snapshotBeforeMutationLocked()
		c.cells.Move(id, delta)
		c.markDirtyLocked(fx)
		return nil
	})
}

// ChangeCellType switches a cell between code, markdown and raw. Leaving
// code drops outputs and the execution count.
func (c *Controller) ChangeCellType(ctx context.Context, id schema.CellID, cellType schema.CellType) error {
	return c.mutate(ctx, func(fx *effects) error {
		if !cellType.Valid() {
			return schema.ErrInvalidCellType
		}
		cell, ok := c.cells.Get(id)
		if !ok {
			return schema.ErrCellNotFound
		}
		if cell.Data.CellType == cellType {
			return errNoChange
		}
		c.snapshotBeforeMutationLocked()
		cell.Data.CellType = cellType
		if cell.State != schema.CellStateExecuting {
			if cellType == schema.CellTypeCode {
				cell.State = schema.CellStateInit
			} else {
				cell.Data.Outputs = nil
				cell.Data.ExecutionCount = nil
				cell.ExecutionCount = 0
				cell.State = schema.CellStateFinished
			}
		}
		c.markDirtyLocked(fx)
		return nil
	})
}

// InsertCell adds an empty cell after the given cell, or at the top when
// after is empty.
func (c *Controller) InsertCell(ctx context.Context, after schema.CellID, cellType schema.CellType, source string) (schema.CellID, error) {
	return c.insertCell(ctx, "", after, cellType, source)
}

func (c *Controller) insertCell(ctx context.Context, id, after schema.CellID, cellType schema.CellType, source string) (schema.CellID, error) {
	if id == "" {
		id = c.newID()
	}
	if cellType == "" {
		cellType = schema.CellTypeCode
	}
	err := c.mutate(ctx, func(fx *effects) error {
		if !cellType.Valid() {
			return schema.ErrInvalidCellType
		}
		at := 0
		if after != "" {
			idx := c.cells.IndexOf(after)
			if idx < 0 {
				return schema.ErrCellNotFound
			}
			at = idx + 1
		}
		if _, exists := c.cells.Get(id); exists {
			return schema.ErrDuplicateCell
		}
		c.snapshotBeforeMutationLocked()
		state := schema.CellStateInit
		if cellType != schema.CellTypeCode {
			state = schema.CellStateFinished
		}
		file := schema.EmptyFileName
		if c.file != "" {
			file = string(c.file)
		}
		if err := c.cells.Insert(at, schema.Cell{
			ID:    id,
			File:  file,
			State: state,
			Data:  schema.CellData{CellType: cellType, Source: source},
		}); err != nil {
			return err
		}
		c.markDirtyLocked(fx)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EditCell replaces the source of a cell or of the edit cell.
func (c *Controller) EditCell(ctx context.Context, id schema.CellID, source string) error {
	return c.mutate(ctx, func(fx *effects) error {
		if id != "" && id == c.edit.ID {
			if c.edit.Data.Source == source {
				return errNoChange
			}
			c.edit.Data.Source = source
			return nil
		}
		cell, ok := c.cells.Get(id)
		if !ok {
			return schema.ErrCellNotFound
		}
		if cell.Data.Source == source {
			return errNoChange
		}
		c.snapshotBeforeMutationLocked()
		cell.Data.Source = source
		c.markDirtyLocked(fx)
		return nil
	})
}

// ClearAll removes every cell.
func (c *Controller) ClearAll(ctx context.Context) {
	_ = c.mutate(ctx, func(fx *effects) error {
		if c.cells.Len() == 0 {
			return errNoChange
		}
		c.snapshotBeforeMutationLocked()
		c.cells = newCellCollection()
		c.selected = ""
		c.focused = ""
		c.inputCollapsed = make(map[schema.CellID]bool)
		c.outputCollapsed = make(map[schema.CellID]bool)
		c.markDirtyLocked(fx)
		return nil
	})
}

// Undo restores the collection as it was before the last structural change.
func (c *Controller) Undo(ctx context.Context) bool {
	return c.swapSnapshot(ctx, c.undo.Undo)
}

// Redo re-applies the last undone change.
func (c *Controller) Redo(ctx context.Context) bool {
	return c.swapSnapshot(ctx, c.undo.Redo)
}

func (c *Controller) swapSnapshot(ctx context.Context, swap func(collectionSnapshot) (collectionSnapshot, bool)) bool {
	applied := false
	_ = c.mutate(ctx, func(fx *effects) error {
		restored, ok := swap(c.currentSnapshotLocked())
		if !ok {
			return errNoChange
		}
		c.cells = newCellCollectionFrom(c.reconcileRestoredLocked(restored.cells))
		if _, ok := c.cells.Get(c.selected); !ok {
			c.selected = ""
		}
		if _, ok := c.cells.Get(c.focused); !ok {
			c.focused = ""
		}
		c.markDirtyLocked(fx)
		applied = true
		return nil
	})
	return applied
}

// reconcileRestoredLocked keeps execution progress out of undo. A restored
// cell takes its run state from the live cell whenever either side is
// executing. A deleted cell restored as executing stays executing only
// while its request is in flight.
func (c *Controller) reconcileRestoredLocked(restored []schema.Cell) []schema.Cell {
	out := make([]schema.Cell, 0, len(restored))
	for _, cell := range restored {
		_, pending := c.inflight[cell.ID]
		live, ok := c.cells.Get(cell.ID)
		switch {
		case ok && (live.State == schema.CellStateExecuting || cell.State == schema.CellStateExecuting):
			cell.State = live.State
			cell.ExecutionCount = live.ExecutionCount
			cell.Data.ExecutionCount = live.Data.ExecutionCount
			cell.Data.Outputs = live.Data.Outputs
			cell = cell.Clone()
		case !ok && cell.State == schema.CellStateExecuting && !pending:
			cell.State = ""
			cell = c.normalizeLoadedCellLocked(cell)
		}
		out = append(out, cell)
	}
	return out
}

// SelectCell moves the selection; an empty id clears it.
func (c *Controller) SelectCell(ctx context.Context, id schema.CellID) error {
	return c.mutate(ctx, func(_ *effects) error {
		if id != "" {
			if _, ok := c.cells.Get(id); !ok {
				return schema.ErrCellNotFound
			}
		}
		if c.selected == id {
			return errNoChange
		}
		c.selected = id
		return nil
	})
}

// FocusCell moves editor focus and selection to a cell.
func (c *Controller) FocusCell(ctx context.Context, id schema.CellID) error {
	return c.mutate(ctx, func(_ *effects) error {
		if id != c.edit.ID {
			if _, ok := c.cells.Get(id); !ok {
				return schema.ErrCellNotFound
			}
			c.selected = id
		}
		c.focused = id
		return nil
	})
}

// UnfocusCell records that a cell editor lost focus with source. Markdown
// cells are re-rendered with the new source; code cells keep it as an edit.
func (c *Controller) UnfocusCell(ctx context.Context, id schema.CellID, source string) {
	c.mu.Lock()
	resubmit, edited := false, false
	if cell, ok := c.cells.Get(id); ok {
		changed := cell.Data.Source != source
		if cell.Data.CellType == schema.CellTypeMarkdown && source != "" {
			resubmit = changed || cell.State != schema.CellStateFinished
		} else {
			edited = changed
		}
	}
	c.mu.Unlock()
	_ = c.mutate(ctx, func(_ *effects) error {
		if c.focused != id {
			return errNoChange
		}
		c.focused = ""
		return nil
	})
	switch {
	case resubmit:
		c.SubmitInput(ctx, source, id)
	case edited:
		_ = c.EditCell(ctx, id, source)
	}
}

// ExpandAll expands the input and output of every cell.
func (c *Controller) ExpandAll(ctx context.Context) {
	c.setCollapsed(ctx, false)
}

// CollapseAll collapses the input and output of every cell.
func (c *Controller) CollapseAll(ctx context.Context) {
	c.setCollapsed(ctx, true)
}

func (c *Controller) setCollapsed(ctx context.Context, collapsed bool) {
	_ = c.mutate(ctx, func(_ *effects) error {
		c.cells.Each(func(cell *schema.Cell) {
			c.inputCollapsed[cell.ID] = collapsed
			c.outputCollapsed[cell.ID] = collapsed
		})
		return nil
	})
}

// CompleteUp recalls the previous history entry.
func (c *Controller) CompleteUp(current string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.CompleteUp(current)
}

// CompleteDown recalls the next history entry.
func (c *Controller) CompleteDown(current string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.CompleteDown(current)
}

// History returns the submitted inputs, oldest first.
func (c *Controller) History() []schema.HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Entries()
}

func (c *Controller) seedHistory(entries []schema.HistoryEntry) {
	c.mu.Lock()
	c.history = newInputHistoryFromPersisted(c.cfg.HistoryMax, entries)
	c.mu.Unlock()
}

// AddMessage appends a finished markdown cell carrying text.
func (c *Controller) AddMessage(ctx context.Context, text string) schema.CellID {
	id := c.newID()
	err := c.mutate(ctx, func(_ *effects) error {
		c.snapshotBeforeMutationLocked()
		return c.cells.Append(c.infoCell(id, text))
	})
	if err != nil {
		return ""
	}
	return id
}

// Preview appends the non-empty cells of file between a header and a footer
// message. Preview cells are finished and never executed.
func (c *Controller) Preview(ctx context.Context, file string, cells []schema.CellData) {
	_ = c.mutate(ctx, func(_ *effects) error {
		c.snapshotBeforeMutationLocked()
		_ = c.cells.Append(c.infoCell(c.newID(), fmt.Sprintf("Previewing %s", file)))
		for i, data := range cells {
			if data.Source == "" {
				continue
			}
			data = data.Clone()
			if !data.CellType.Valid() {
				data.CellType = schema.CellTypeCode
			}
			cell := schema.Cell{
				ID:    c.newID(),
				File:  file,
				Line:  i,
				State: schema.CellStateFinished,
				Data:  data,
			}
			if data.ExecutionCount != nil {
				cell.ExecutionCount = *data.ExecutionCount
			}
			_ = c.cells.Append(cell)
		}
		_ = c.cells.Append(c.infoCell(c.newID(), fmt.Sprintf("End of preview of %s", file)))
		return nil
	})
}

func (c *Controller) infoCell(id schema.CellID, text string) schema.Cell {
	return schema.Cell{
		ID:    id,
		File:  schema.EmptyFileName,
		State: schema.CellStateFinished,
		Data:  schema.CellData{CellType: schema.CellTypeMarkdown, Source: text},
	}
}

// MarkClean clears the dirty flag after a save.
func (c *Controller) MarkClean(ctx context.Context) {
	_ = c.mutate(ctx, func(fx *effects) error {
		if !c.dirty {
			return errNoChange
		}
		c.dirty = false
		fx.posts = append(fx.posts, schema.NotebookClean{})
		return nil
	})
}

func (c *Controller) markDirty(ctx context.Context) {
	_ = c.mutate(ctx, func(fx *effects) error {
		if c.dirty {
			return errNoChange
		}
		c.markDirtyLocked(fx)
		return nil
	})
}

// Snapshot returns the current view state.
func (c *Controller) Snapshot() schema.ControllerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// VisibleCells returns deep copies of the cells in display order.
func (c *Controller) VisibleCells() []schema.Cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cells.Cells()
}

// Close stops the controller. Later calls are no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.logger.Debug("controller closed")
}

// Closed reports whether Close was called.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) mutate(ctx context.Context, fn func(fx *effects) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return schema.ErrSessionClosed
	}
	fx := c.newEffectsLocked()
	if err := fn(fx); err != nil {
		c.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	c.emitLocked(fx)
	c.mu.Unlock()
	c.apply(ctx, fx)
	return nil
}

func (c *Controller) newEffectsLocked() *effects {
	return &effects{file: c.file}
}

func (c *Controller) emitLocked(fx *effects) {
	state := c.snapshotLocked()
	fx.state = &state
}

func (c *Controller) markDirtyLocked(fx *effects) {
	if c.dirty {
		return
	}
	c.dirty = true
	fx.posts = append(fx.posts, schema.NotebookDirty{})
}

func (c *Controller) snapshotBeforeMutationLocked() {
	c.undo.Push(c.currentSnapshotLocked())
}

func (c *Controller) currentSnapshotLocked() collectionSnapshot {
	return collectionSnapshot{cells: c.cells.Cells()}
}

func (c *Controller) forgetCellLocked(id schema.CellID) {
	if c.selected == id {
		c.selected = ""
	}
	if c.focused == id {
		c.focused = ""
	}
	delete(c.inputCollapsed, id)
	delete(c.outputCollapsed, id)
}

func (c *Controller) newEditCell() schema.Cell {
	return schema.Cell{
		ID:    c.newID(),
		File:  schema.EmptyFileName,
		State: schema.CellStateInit,
		Data:  schema.CellData{CellType: schema.CellTypeCode},
	}
}

func (c *Controller) snapshotLocked() schema.ControllerSnapshot {
	cells := c.cells.Cells()
	views := make([]schema.CellViewModel, 0, len(cells))
	for _, cell := range cells {
		views = append(views, c.viewLocked(cell))
	}
	edit := c.viewLocked(c.edit.Clone())
	edit.Editable = true
	undoCount := c.undo.UndoCount()
	redoCount := c.undo.RedoCount()
	return schema.ControllerSnapshot{
		Cells:              views,
		EditCell:           &edit,
		Dirty:              c.dirty,
		Busy:               c.busy,
		CanUndo:            undoCount > 0,
		CanRedo:            redoCount > 0,
		CanExport:          len(cells) > 0,
		CanSave:            c.dirty,
		UndoCount:          undoCount,
		RedoCount:          redoCount,
		CellCount:          len(cells),
		NextExecutionCount: c.nextCount,
	}
}

func (c *Controller) viewLocked(cell schema.Cell) schema.CellViewModel {
	return schema.CellViewModel{
		Cell:            cell,
		Editable:        c.cfg.Mode == schema.ModeNotebook,
		Selected:        cell.ID == c.selected,
		Focused:         cell.ID == c.focused,
		InputCollapsed:  c.inputCollapsed[cell.ID],
		OutputCollapsed: c.outputCollapsed[cell.ID],
	}
}

// apply runs collaborator calls collected under the lock.
func (c *Controller) apply(ctx context.Context, fx *effects) {
	if fx == nil {
		return
	}
	log := c.log()
	if c.recorder != nil {
		for _, rec := range fx.submissions {
			if err := c.recorder.RecordSubmission(ctx, rec); err != nil {
				logx.WithCell(log, rec.CellID).Warn("controller record submission failed", "err", err)
			}
		}
	}
	if c.channel != nil {
		for _, msg := range fx.posts {
			if err := c.channel.Post(ctx, fx.file, msg); err != nil {
				logx.WithMessage(log, msg.Kind()).Warn("controller post failed", "err", err)
			}
		}
	}
	if fx.state != nil && c.sink != nil {
		c.sink.OnState(schema.StateEvent{File: fx.file, State: *fx.state})
	}
	for _, req := range fx.execute {
		c.dispatch(ctx, req)
	}
	if c.recorder != nil {
		for _, rec := range fx.completions {
			if err := c.recorder.RecordCompletion(ctx, rec); err != nil {
				logx.WithCell(log, rec.CellID).Warn("controller record completion failed", "err", err)
			}
		}
	}
}

// dispatch hands a request to the kernel; failures turn the cell into an
// error cell.
func (c *Controller) dispatch(ctx context.Context, req ExecuteRequest) {
	err := schema.ErrKernelUnavailable
	if c.kernel != nil {
		err = c.kernel.Execute(ctx, req)
	}
	if err == nil {
		return
	}
	logx.WithCell(c.log(), req.CellID).Warn("controller execute failed", "err", err)
	c.HandleMessage(ctx, schema.ExecutionErrored{
		ID:    req.CellID,
		Error: schema.ErrorInfo{Name: "KernelError", Value: err.Error()},
	})
}
