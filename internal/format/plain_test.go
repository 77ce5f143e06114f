package format

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/cellstate/schema"
)

func TestFormatCodeCellWithOutputs(t *testing.T) {
	cell := schema.Cell{
		ID:             "c1",
		State:          schema.CellStateFinished,
		ExecutionCount: 3,
		Data: schema.CellData{
			CellType: schema.CellTypeCode,
			Source:   "x = 1\nx",
			Outputs: []schema.Output{
				{OutputType: schema.OutputStream, Name: "stdout", Text: "hello\n"},
				{OutputType: schema.OutputStream, Name: "stderr", Text: "warn\n"},
				{OutputType: schema.OutputExecuteResult, Data: map[string]any{"text/plain": []any{"1"}}},
			},
		},
	}
	lines, err := NewPlainRenderer().FormatCell(cell)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	want := []string{
		"In [3]: x = 1",
		"        x",
		"hello",
		"! warn",
		"Out[3]: 1",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestFormatErrorOutput(t *testing.T) {
	cell := schema.Cell{
		State: schema.CellStateError,
		Data: schema.CellData{
			CellType: schema.CellTypeCode,
			Source:   "1/0",
			Outputs: []schema.Output{
				schema.ErrorInfo{Name: "ZeroDivisionError", Value: "division by zero", Traceback: []string{"line 1"}}.Output(),
			},
		},
	}
	lines, err := (&PlainRenderer{HideSource: true}).FormatCell(cell)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	want := []string{"ZeroDivisionError: division by zero", "line 1"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestFormatExecutingCounter(t *testing.T) {
	cell := schema.Cell{State: schema.CellStateExecuting, Data: schema.CellData{CellType: schema.CellTypeCode, Source: "sleep()"}}
	lines, _ := NewPlainRenderer().FormatCell(cell)
	if len(lines) != 1 || lines[0] != "In [*]: sleep()" {
		t.Fatalf("unexpected lines %v", lines)
	}
}

func TestFormatMarkdownCell(t *testing.T) {
	cell := schema.Cell{Data: schema.CellData{CellType: schema.CellTypeMarkdown, Source: "# Title\ntext"}}
	lines, _ := NewPlainRenderer().FormatCell(cell)
	want := []string{"| # Title", "| text"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestFormatMarkdownCellStripped(t *testing.T) {
	cell := schema.Cell{Data: schema.CellData{CellType: schema.CellTypeMarkdown, Source: "# **Bold** title\nuse `x*y` and *this*"}}
	lines, _ := (&PlainRenderer{StripMarkdown: true}).FormatCell(cell)
	want := []string{"| # Bold title", "| use x*y and this"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("unexpected lines (-want +got):\n%s", diff)
	}

	raw := schema.Cell{Data: schema.CellData{CellType: schema.CellTypeRaw, Source: "**kept**"}}
	lines, _ = (&PlainRenderer{StripMarkdown: true}).FormatCell(raw)
	if diff := cmp.Diff([]string{"| **kept**"}, lines); diff != "" {
		t.Fatalf("raw cells keep markers (-want +got):\n%s", diff)
	}
}

func TestFormatDisplayDataWithoutText(t *testing.T) {
	cell := schema.Cell{
		ExecutionCount: 1,
		State:          schema.CellStateFinished,
		Data: schema.CellData{
			CellType: schema.CellTypeCode,
			Outputs:  []schema.Output{{OutputType: schema.OutputDisplayData, Data: map[string]any{"image/png": "AAA", "image/svg+xml": "<svg/>"}}},
		},
	}
	lines, _ := (&PlainRenderer{HideSource: true}).FormatCell(cell)
	if len(lines) != 1 || lines[0] != "<display image/png, image/svg+xml>" {
		t.Fatalf("unexpected lines %v", lines)
	}
}
