package format

import "strings"

// inlineStyle marks one run of markdown text.
type inlineStyle uint8

const (
	styleBold inlineStyle = 1 << iota
	styleItalic
	styleCode
)

// inlineRun is a slice of markdown text sharing one style.
type inlineRun struct {
	Text  string
	Style inlineStyle
}

// parseInline splits a line on **bold**, *italic* and `code` markers.
// Unclosed markers are kept as literal text.
func parseInline(line string) []inlineRun {
	if line == "" {
		return nil
	}
	var runs []inlineRun
	var buf strings.Builder
	var style inlineStyle

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		runs = append(runs, inlineRun{Text: buf.String(), Style: style})
		buf.Reset()
	}
	toggle := func(s inlineStyle, marker string, rest string) bool {
		if style&s != 0 {
			flush()
			style &^= s
			return true
		}
		if strings.Contains(rest, marker) {
			flush()
			style |= s
			return true
		}
		return false
	}

	for i := 0; i < len(line); {
		ch := line[i]
		switch {
		case ch == '\\' && i+1 < len(line):
			buf.WriteByte(line[i+1])
			i += 2
			continue
		case ch == '`':
			if toggle(styleCode, "`", line[i+1:]) {
				i++
				continue
			}
		case ch == '*' && style&styleCode == 0:
			if strings.HasPrefix(line[i:], "**") {
				if !toggle(styleBold, "**", line[i+2:]) {
					buf.WriteString("**")
				}
				i += 2
				continue
			}
			if toggle(styleItalic, "*", line[i+1:]) {
				i++
				continue
			}
		}
		buf.WriteByte(ch)
		i++
	}
	flush()
	return runs
}

// stripInline drops emphasis markers and keeps the text.
func stripInline(line string) string {
	runs := parseInline(line)
	if len(runs) == 0 {
		return line
	}
	var b strings.Builder
	for _, run := range runs {
		b.WriteString(run.Text)
	}
	return b.String()
}
