package core

import (
	"github.com/google/uuid"
	"pkt.systems/cellstate/schema"
)

func newCellID() schema.CellID {
	return schema.CellID(uuid.NewString())
}
