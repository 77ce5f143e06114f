package format

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/cellstate/schema"
)

const (
	// InputMarker prefixes a code cell's source, followed by its counter.
	InputMarker = "In "
	// OutputMarker prefixes an execute_result.
	OutputMarker = "Out"
	// MarkdownMarker prefixes markdown and raw source lines.
	MarkdownMarker = "| "
)

// PlainRenderer formats cells as plain text lines.
type PlainRenderer struct {
	// HideSource drops the input lines and prints outputs only.
	HideSource bool
	// StripMarkdown removes inline emphasis markers from markdown cells.
	StripMarkdown bool
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatCell converts a cell and its outputs into user-facing lines.
func (p *PlainRenderer) FormatCell(cell schema.Cell) ([]string, error) {
	lines := []string{}
	switch cell.Data.CellType {
	case schema.CellTypeMarkdown, schema.CellTypeRaw:
		if p.HideSource {
			return lines, nil
		}
		source := splitLines(cell.Data.Source)
		if p.StripMarkdown && cell.Data.CellType == schema.CellTypeMarkdown {
			for i, line := range source {
				source[i] = stripInline(line)
			}
		}
		return append(lines, markLines(MarkdownMarker, source)...), nil
	}
	label := counterLabel(cell.ExecutionCount, cell.State)
	if !p.HideSource {
		source := splitLines(cell.Data.Source)
		prefix := fmt.Sprintf("%s[%s]: ", InputMarker, label)
		for i, line := range source {
			if i == 0 {
				lines = append(lines, prefix+line)
				continue
			}
			lines = append(lines, strings.Repeat(" ", len(prefix))+line)
		}
	}
	for _, output := range cell.Data.Outputs {
		lines = append(lines, p.formatOutput(output, label)...)
	}
	return lines, nil
}

func (p *PlainRenderer) formatOutput(output schema.Output, label string) []string {
	switch output.OutputType {
	case schema.OutputStream:
		lines := splitLines(strings.TrimSuffix(output.Text, "\n"))
		if output.Name == "stderr" {
			return markLines("! ", lines)
		}
		return lines
	case schema.OutputExecuteResult:
		text := plainText(output)
		if text == "" {
			return nil
		}
		lines := splitLines(text)
		lines[0] = fmt.Sprintf("%s[%s]: %s", OutputMarker, label, lines[0])
		return lines
	case schema.OutputDisplayData:
		text := plainText(output)
		if text == "" {
			return []string{fmt.Sprintf("<display %s>", strings.Join(mimeTypes(output), ", "))}
		}
		return splitLines(text)
	case schema.OutputError:
		lines := []string{fmt.Sprintf("%s: %s", output.Ename, output.Evalue)}
		for _, entry := range output.Traceback {
			lines = append(lines, splitLines(entry)...)
		}
		return lines
	default:
		label := string(output.OutputType)
		if label == "" {
			label = "output"
		}
		return []string{fmt.Sprintf("%s output", label)}
	}
}

func counterLabel(count int, state schema.CellState) string {
	switch {
	case state == schema.CellStateExecuting:
		return "*"
	case count > 0:
		return fmt.Sprintf("%d", count)
	default:
		return " "
	}
}

func plainText(output schema.Output) string {
	if output.Text != "" {
		return strings.TrimSuffix(output.Text, "\n")
	}
	value, ok := output.Data["text/plain"]
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSuffix(v, "\n")
	case []any:
		var b strings.Builder
		for _, part := range v {
			if s, ok := part.(string); ok {
				b.WriteString(s)
			}
		}
		return strings.TrimSuffix(b.String(), "\n")
	case []string:
		return strings.TrimSuffix(strings.Join(v, ""), "\n")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func mimeTypes(output schema.Output) []string {
	types := make([]string, 0, len(output.Data))
	for mime := range output.Data {
		types = append(types, mime)
	}
	sort.Strings(types)
	return types
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}
