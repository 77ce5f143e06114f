package core

import "pkt.systems/cellstate/schema"

// Renderer formats a cell and its outputs into display lines.
type Renderer interface {
	FormatCell(cell schema.Cell) ([]string, error)
}
