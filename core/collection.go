package core

import "pkt.systems/cellstate/schema"

// cellCollection is the ordered cell sequence. Lookup goes through the index,
// display order through the key list. pos mirrors order so IndexOf is a map
// lookup; edits that shift cells rewrite the positions after the edit point.
type cellCollection struct {
	order []schema.CellID
	index map[schema.CellID]*schema.Cell
	pos   map[schema.CellID]int
}

func newCellCollection() *cellCollection {
	return &cellCollection{
		index: make(map[schema.CellID]*schema.Cell),
		pos:   make(map[schema.CellID]int),
	}
}

// newCellCollectionFrom copies cells into a fresh collection. Later duplicates
// of an id are dropped.
func newCellCollectionFrom(cells []schema.Cell) *cellCollection {
	c := newCellCollection()
	for _, cell := range cells {
		_ = c.Append(cell)
	}
	return c
}

func (c *cellCollection) Len() int {
	return len(c.order)
}

func (c *cellCollection) Get(id schema.CellID) (*schema.Cell, bool) {
	cell, ok := c.index[id]
	return cell, ok
}

func (c *cellCollection) IndexOf(id schema.CellID) int {
	if i, ok := c.pos[id]; ok {
		return i
	}
	return -1
}

func (c *cellCollection) Append(cell schema.Cell) error {
	return c.Insert(len(c.order), cell)
}

// Insert places a copy of cell at position at, clamped to the valid range.
func (c *cellCollection) Insert(at int, cell schema.Cell) error {
	if cell.ID == "" {
		return schema.ErrInvalidRequest
	}
	if _, exists := c.index[cell.ID]; exists {
		return schema.ErrDuplicateCell
	}
	if at < 0 {
		at = 0
	}
	if at > len(c.order) {
		at = len(c.order)
	}
	stored := cell.Clone()
	c.index[cell.ID] = &stored
	c.order = append(c.order, "")
	copy(c.order[at+1:], c.order[at:])
	c.order[at] = cell.ID
	c.reindexFrom(at)
	return nil
}

func (c *cellCollection) Remove(id schema.CellID) (schema.Cell, bool) {
	cell, ok := c.index[id]
	if !ok {
		return schema.Cell{}, false
	}
	i := c.pos[id]
	delete(c.index, id)
	delete(c.pos, id)
	c.order = append(c.order[:i], c.order[i+1:]...)
	c.reindexFrom(i)
	return *cell, true
}

// Move shifts a cell by delta positions. It reports false when the cell is
// missing or already at the boundary.
func (c *cellCollection) Move(id schema.CellID, delta int) bool {
	from := c.IndexOf(id)
	if from < 0 {
		return false
	}
	to := from + delta
	if to < 0 || to >= len(c.order) || to == from {
		return false
	}
	c.order = append(c.order[:from], c.order[from+1:]...)
	c.order = append(c.order, "")
	copy(c.order[to+1:], c.order[to:])
	c.order[to] = id
	c.reindexFrom(min(from, to))
	return true
}

func (c *cellCollection) reindexFrom(at int) {
	for i := at; i < len(c.order); i++ {
		c.pos[c.order[i]] = i
	}
}

// Cells returns deep copies in display order.
func (c *cellCollection) Cells() []schema.Cell {
	out := make([]schema.Cell, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.index[id].Clone())
	}
	return out
}

func (c *cellCollection) Clone() *cellCollection {
	return newCellCollectionFrom(c.Cells())
}

func (c *cellCollection) Each(fn func(*schema.Cell)) {
	for _, id := range c.order {
		fn(c.index[id])
	}
}
