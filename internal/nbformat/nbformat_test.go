package nbformat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"pkt.systems/cellstate/schema"
)

const sampleNotebook = `{
 "cells": [
  {
   "cell_type": "markdown",
   "metadata": {},
   "source": ["# Title\n", "text"]
  },
  {
   "cell_type": "code",
   "execution_count": 1,
   "metadata": {"tags": ["x"]},
   "outputs": [
    {"name": "stdout", "output_type": "stream", "text": ["1\n", "2\n"]},
    {"data": {"text/plain": ["3"], "application/json": {"a": 1}}, "execution_count": 1, "metadata": {}, "output_type": "execute_result"}
   ],
   "source": "print(1)\nprint(2)\n3"
  }
 ],
 "metadata": {"kernelspec": {"name": "python3"}},
 "nbformat": 4,
 "nbformat_minor": 2
}`

func TestParseJoinsMultilineSource(t *testing.T) {
	cells, err := New().Parse([]byte(sampleNotebook))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cells) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(cells))
	}
	if cells[0].CellType != schema.CellTypeMarkdown || cells[0].Source != "# Title\ntext" {
		t.Fatalf("unexpected markdown cell %+v", cells[0])
	}
	code := cells[1]
	if code.ExecutionCount == nil || *code.ExecutionCount != 1 {
		t.Fatalf("expected execution count 1")
	}
	if len(code.Outputs) != 2 || code.Outputs[0].Text != "1\n2\n" {
		t.Fatalf("unexpected outputs %+v", code.Outputs)
	}
	if code.Outputs[1].Data["text/plain"] != "3" {
		t.Fatalf("expected text/plain joined, got %#v", code.Outputs[1].Data["text/plain"])
	}
	if obj, ok := code.Outputs[1].Data["application/json"].(map[string]any); !ok || obj["a"] != float64(1) {
		t.Fatalf("expected json data decoded, got %#v", code.Outputs[1].Data["application/json"])
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	s := New()
	parsed, err := s.Parse([]byte(sampleNotebook))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cells := make([]schema.Cell, 0, len(parsed))
	for i, data := range parsed {
		cells = append(cells, schema.Cell{ID: schema.CellID(fmt.Sprintf("c%d", i)), Data: data})
	}
	out, err := s.Serialize(cells)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	again, err := s.Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again) != len(parsed) {
		t.Fatalf("expected %d cells, got %d", len(parsed), len(again))
	}
	for i := range parsed {
		if again[i].Source != parsed[i].Source {
			t.Fatalf("cell %d source mismatch: %q vs %q", i, again[i].Source, parsed[i].Source)
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if doc["nbformat"] != float64(Major) {
		t.Fatalf("expected nbformat %d, got %v", Major, doc["nbformat"])
	}
	first := doc["cells"].([]any)[1].(map[string]any)
	source, ok := first["source"].([]any)
	if !ok || len(source) != 3 || source[0] != "print(1)\n" {
		t.Fatalf("expected source written as line array, got %#v", first["source"])
	}
}

func TestSerializeMarkdownDropsOutputs(t *testing.T) {
	count := 4
	out, err := New().Serialize([]schema.Cell{{
		ID: "m",
		Data: schema.CellData{
			CellType:       schema.CellTypeMarkdown,
			Source:         "hi",
			ExecutionCount: &count,
			Outputs:        []schema.Output{{OutputType: schema.OutputStream, Name: "stdout", Text: "x"}},
		},
	}})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if strings.Contains(string(out), "outputs") || strings.Contains(string(out), "execution_count") {
		t.Fatalf("expected markdown cell without outputs, got %s", out)
	}
}

func TestParseRejectsOldFormat(t *testing.T) {
	_, err := New().Parse([]byte(`{"cells": [], "nbformat": 3, "nbformat_minor": 0, "metadata": {}}`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestParseRejectsUnknownCellType(t *testing.T) {
	_, err := New().Parse([]byte(`{"cells": [{"cell_type": "widget", "source": ""}], "nbformat": 4, "metadata": {}}`))
	if !errors.Is(err, schema.ErrInvalidCellType) {
		t.Fatalf("expected ErrInvalidCellType, got %v", err)
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: []string{}},
		{in: "a", want: []string{"a"}},
		{in: "a\n", want: []string{"a\n"}},
		{in: "a\nb", want: []string{"a\n", "b"}},
	}
	for _, tt := range tests {
		got := SplitLines(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Fatalf("SplitLines(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSerializeCodeCellWritesNullCount(t *testing.T) {
	out, err := New().Serialize([]schema.Cell{{ID: "c", Data: schema.CellData{CellType: schema.CellTypeCode, Source: "x"}}})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var doc struct {
		Cells []map[string]json.RawMessage `json:"cells"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	cell := doc.Cells[0]
	if string(cell["execution_count"]) != "null" {
		t.Fatalf("expected null execution_count, got %s", cell["execution_count"])
	}
	if string(cell["outputs"]) != "[]" {
		t.Fatalf("expected empty outputs array, got %s", cell["outputs"])
	}
}
