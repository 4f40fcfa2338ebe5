package compiler

import (
	"github.com/crushmap/crushtool/crush"
)

// CompileContext carries the builder's working state for one compile
// invocation: the map under construction plus the name/id/weight
// cross-reference tables the walk consults. It is created per call and
// discarded with it; nothing here is shared or reused.
type CompileContext struct {
	m *crush.Map

	itemID     map[string]int32 // device/bucket name -> id
	idItem     map[int32]string // id -> name; reserved explicit bucket ids map to ""
	itemWeight map[int32]float64
	typeID     map[string]int32
	ruleID     map[string]int32

	deviceOffload map[int32]uint32
}

func newCompileContext() *CompileContext {
	return &CompileContext{
		m:             crush.NewMap(),
		itemID:        make(map[string]int32),
		idItem:        make(map[int32]string),
		itemWeight:    make(map[int32]float64),
		typeID:        make(map[string]int32),
		ruleID:        make(map[string]int32),
		deviceOffload: make(map[int32]uint32),
	}
}
