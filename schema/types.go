package schema

import "encoding/json"

// CellID identifies a cell for its whole lifetime.
type CellID string

// FileID is the normalized identity of a notebook file.
type FileID string

// EmptyFileName marks cells that did not originate from a source file.
const EmptyFileName = "<cellstate:nofile>"

// CellState describes where a cell is in its execution lifecycle.
type CellState string

const (
	// CellStateInit indicates a cell that has never been executed.
	CellStateInit CellState = "init"
	// CellStateExecuting indicates a cell that was dispatched to the kernel.
	CellStateExecuting CellState = "executing"
	// CellStateFinished indicates a cell that completed successfully.
	CellStateFinished CellState = "finished"
	// CellStateError indicates a cell that completed with an error.
	CellStateError CellState = "error"
)

// Done reports whether the state is terminal.
func (s CellState) Done() bool {
	return s == CellStateFinished || s == CellStateError
}

// CellType mirrors the nbformat cell_type field.
type CellType string

const (
	// CellTypeCode is an executable cell.
	CellTypeCode CellType = "code"
	// CellTypeMarkdown is a markdown cell.
	CellTypeMarkdown CellType = "markdown"
	// CellTypeRaw is a raw cell.
	CellTypeRaw CellType = "raw"
)

// Valid reports whether the cell type is known.
func (t CellType) Valid() bool {
	switch t {
	case CellTypeCode, CellTypeMarkdown, CellTypeRaw:
		return true
	default:
		return false
	}
}

// OutputType mirrors the nbformat output_type field.
type OutputType string

const (
	// OutputStream is stdout/stderr text.
	OutputStream OutputType = "stream"
	// OutputExecuteResult is the value of the last expression.
	OutputExecuteResult OutputType = "execute_result"
	// OutputDisplayData is rich display output.
	OutputDisplayData OutputType = "display_data"
	// OutputError is an exception report.
	OutputError OutputType = "error"
)

// Output is one nbformat output record. Fields the state machine does not
// interpret are carried through untouched.
type Output struct {
	OutputType     OutputType      `json:"output_type"`
	Name           string          `json:"name,omitempty"`
	Text           string          `json:"text,omitempty"`
	Data           map[string]any  `json:"data,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ExecutionCount *int            `json:"execution_count,omitempty"`
	Ename          string          `json:"ename,omitempty"`
	Evalue         string          `json:"evalue,omitempty"`
	Traceback      []string        `json:"traceback,omitempty"`
}

// CellData is the on-disk portion of a cell.
type CellData struct {
	CellType       CellType        `json:"cell_type"`
	Source         string          `json:"source"`
	Outputs        []Output        `json:"outputs,omitempty"`
	ExecutionCount *int            `json:"execution_count,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Cell is one unit of notebook content plus its transient execution state.
type Cell struct {
	ID    CellID    `json:"id"`
	File  string    `json:"file"`
	Line  int       `json:"line"`
	State CellState `json:"state"`
	// ExecutionCount is zero until the kernel acknowledges an execution start.
	ExecutionCount int      `json:"execution_count,omitempty"`
	Data           CellData `json:"data"`
}

// Clone returns a deep copy of the cell.
func (c Cell) Clone() Cell {
	out := c
	out.Data = c.Data.Clone()
	return out
}

// Clone returns a deep copy of the cell data.
func (d CellData) Clone() CellData {
	out := d
	if d.Outputs != nil {
		out.Outputs = make([]Output, len(d.Outputs))
		for i, o := range d.Outputs {
			out.Outputs[i] = o.Clone()
		}
	}
	if d.ExecutionCount != nil {
		count := *d.ExecutionCount
		out.ExecutionCount = &count
	}
	if d.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), d.Metadata...)
	}
	return out
}

// Clone returns a deep copy of the output.
func (o Output) Clone() Output {
	out := o
	if o.Data != nil {
		out.Data = cloneMap(o.Data)
	}
	if o.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), o.Metadata...)
	}
	if o.ExecutionCount != nil {
		count := *o.ExecutionCount
		out.ExecutionCount = &count
	}
	if o.Traceback != nil {
		out.Traceback = append([]string(nil), o.Traceback...)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), value...)
	default:
		return value
	}
}

// ErrorInfo describes a failed execution.
type ErrorInfo struct {
	Name      string   `json:"ename"`
	Value     string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

// Output converts the error into an nbformat error output.
func (e ErrorInfo) Output() Output {
	return Output{
		OutputType: OutputError,
		Ename:      e.Name,
		Evalue:     e.Value,
		Traceback:  append([]string(nil), e.Traceback...),
	}
}

// HistoryEntry is one submitted input.
type HistoryEntry struct {
	Text  string `json:"text"`
	Dirty bool   `json:"dirty,omitempty"`
}
