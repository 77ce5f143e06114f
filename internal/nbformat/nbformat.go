// Package nbformat reads and writes Jupyter notebooks (nbformat 4).
package nbformat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/cellstate/schema"
)

const (
	// Major is the nbformat major version written by this package.
	Major = 4
	// Minor is the nbformat minor version written by this package.
	Minor = 2
)

// ErrUnsupportedVersion reports a notebook older than nbformat 4.
var ErrUnsupportedVersion = errors.New("unsupported nbformat version")

// Serializer converts notebooks to cells and back. It is safe for
// concurrent use.
type Serializer struct {
	// Metadata is written as the notebook metadata; nil writes an empty object.
	Metadata json.RawMessage
	// Indent is the JSON indent; empty uses one space like Jupyter.
	Indent string
}

// New returns a serializer with Jupyter's formatting defaults.
func New() *Serializer {
	return &Serializer{Indent: " "}
}

type document struct {
	Cells         []rawCell       `json:"cells"`
	Metadata      json.RawMessage `json:"metadata"`
	NBFormat      int             `json:"nbformat"`
	NBFormatMinor int             `json:"nbformat_minor"`
}

type rawCell struct {
	ID             string          `json:"id,omitempty"`
	CellType       schema.CellType `json:"cell_type"`
	Metadata       json.RawMessage `json:"metadata"`
	Source         multiline       `json:"source"`
	Outputs        *[]rawOutput    `json:"outputs,omitempty"`
	ExecutionCount json.RawMessage `json:"execution_count,omitempty"`
}

type rawOutput struct {
	OutputType     schema.OutputType          `json:"output_type"`
	Name           string                     `json:"name,omitempty"`
	Text           *multiline                 `json:"text,omitempty"`
	Data           map[string]json.RawMessage `json:"data,omitempty"`
	Metadata       json.RawMessage            `json:"metadata,omitempty"`
	ExecutionCount *int                       `json:"execution_count,omitempty"`
	Ename          string                     `json:"ename,omitempty"`
	Evalue         string                     `json:"evalue,omitempty"`
	Traceback      []string                   `json:"traceback,omitempty"`
}

// multiline accepts either a string or an array of line strings and always
// writes the array form.
type multiline string

func (m *multiline) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = multiline(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("multiline text: %w", err)
	}
	*m = multiline(strings.Join(lines, ""))
	return nil
}

func (m multiline) MarshalJSON() ([]byte, error) {
	return json.Marshal(SplitLines(string(m)))
}

// SplitLines splits text into lines that keep their trailing newline.
func SplitLines(text string) []string {
	if text == "" {
		return []string{}
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Parse decodes a notebook document into cell data.
func (s *Serializer) Parse(data []byte) ([]schema.CellData, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode notebook: %w", err)
	}
	if doc.NBFormat != 0 && doc.NBFormat < Major {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.NBFormat)
	}
	cells := make([]schema.CellData, 0, len(doc.Cells))
	for i, raw := range doc.Cells {
		cell, err := fromRaw(raw)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

func fromRaw(raw rawCell) (schema.CellData, error) {
	cellType := raw.CellType
	if cellType == "" {
		cellType = schema.CellTypeCode
	}
	if !cellType.Valid() {
		return schema.CellData{}, fmt.Errorf("%w: %q", schema.ErrInvalidCellType, raw.CellType)
	}
	cell := schema.CellData{
		CellType: cellType,
		Source:   string(raw.Source),
		Metadata: raw.Metadata,
	}
	if len(raw.ExecutionCount) > 0 {
		var count *int
		if err := json.Unmarshal(raw.ExecutionCount, &count); err != nil {
			return schema.CellData{}, fmt.Errorf("execution_count: %w", err)
		}
		cell.ExecutionCount = count
	}
	if raw.Outputs == nil {
		return cell, nil
	}
	for _, out := range *raw.Outputs {
		converted, err := outputFromRaw(out)
		if err != nil {
			return schema.CellData{}, err
		}
		cell.Outputs = append(cell.Outputs, converted)
	}
	return cell, nil
}

func outputFromRaw(raw rawOutput) (schema.Output, error) {
	out := schema.Output{
		OutputType:     raw.OutputType,
		Name:           raw.Name,
		Metadata:       raw.Metadata,
		ExecutionCount: raw.ExecutionCount,
		Ename:          raw.Ename,
		Evalue:         raw.Evalue,
		Traceback:      raw.Traceback,
	}
	if raw.Text != nil {
		out.Text = string(*raw.Text)
	}
	if len(raw.Data) > 0 {
		out.Data = make(map[string]any, len(raw.Data))
		for mime, value := range raw.Data {
			if isTextMime(mime, value) {
				var text multiline
				if err := json.Unmarshal(value, &text); err != nil {
					return schema.Output{}, fmt.Errorf("output data %s: %w", mime, err)
				}
				out.Data[mime] = string(text)
				continue
			}
			var decoded any
			if err := json.Unmarshal(value, &decoded); err != nil {
				return schema.Output{}, fmt.Errorf("output data %s: %w", mime, err)
			}
			out.Data[mime] = decoded
		}
	}
	return out, nil
}

// isTextMime reports whether a mime bundle entry is stored as (multi)line text.
func isTextMime(mime string, value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || (trimmed[0] != '"' && trimmed[0] != '[') {
		return false
	}
	return !strings.HasSuffix(mime, "json")
}

// Serialize encodes cells as an nbformat 4 document.
func (s *Serializer) Serialize(cells []schema.Cell) ([]byte, error) {
	doc := document{
		Cells:         make([]rawCell, 0, len(cells)),
		Metadata:      s.Metadata,
		NBFormat:      Major,
		NBFormatMinor: Minor,
	}
	if len(doc.Metadata) == 0 {
		doc.Metadata = json.RawMessage("{}")
	}
	for _, cell := range cells {
		doc.Cells = append(doc.Cells, toRaw(cell.Data))
	}
	indent := s.Indent
	if indent == "" {
		indent = " "
	}
	data, err := json.MarshalIndent(doc, "", indent)
	if err != nil {
		return nil, fmt.Errorf("encode notebook: %w", err)
	}
	return append(data, '\n'), nil
}

func toRaw(data schema.CellData) rawCell {
	raw := rawCell{
		CellType: data.CellType,
		Metadata: data.Metadata,
		Source:   multiline(data.Source),
	}
	if len(raw.Metadata) == 0 {
		raw.Metadata = json.RawMessage("{}")
	}
	if data.CellType == schema.CellTypeCode {
		raw.ExecutionCount = json.RawMessage("null")
		if data.ExecutionCount != nil {
			raw.ExecutionCount = json.RawMessage(strconv.Itoa(*data.ExecutionCount))
		}
		outputs := make([]rawOutput, 0, len(data.Outputs))
		for _, out := range data.Outputs {
			outputs = append(outputs, outputToRaw(out))
		}
		raw.Outputs = &outputs
	}
	return raw
}

func outputToRaw(out schema.Output) rawOutput {
	raw := rawOutput{
		OutputType:     out.OutputType,
		Name:           out.Name,
		Metadata:       out.Metadata,
		ExecutionCount: out.ExecutionCount,
		Ename:          out.Ename,
		Evalue:         out.Evalue,
		Traceback:      out.Traceback,
	}
	if out.OutputType == schema.OutputStream {
		text := multiline(out.Text)
		raw.Text = &text
	}
	if len(out.Data) > 0 {
		raw.Data = make(map[string]json.RawMessage, len(out.Data))
		for mime, value := range out.Data {
			var encoded []byte
			if text, ok := value.(string); ok && !strings.HasSuffix(mime, "json") {
				encoded, _ = multiline(text).MarshalJSON()
			} else {
				encoded, _ = json.Marshal(value)
			}
			raw.Data[mime] = encoded
		}
	}
	if (out.OutputType == schema.OutputExecuteResult || out.OutputType == schema.OutputDisplayData) && len(raw.Metadata) == 0 {
		raw.Metadata = json.RawMessage("{}")
	}
	return raw
}
