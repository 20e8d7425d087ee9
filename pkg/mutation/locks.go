package mutation

import (
	"sync"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

const lockStripes = 1024

// lockTable provides fine-grained per-entity-id locks, striped so the table
// stays fixed-size. A mutation holds its stripe for the OCC check, row
// write, index update and changelog append.
type lockTable struct {
	stripes [lockStripes]sync.Mutex
}

func (lt *lockTable) stripe(entity string, id types.ID) *sync.Mutex {
	h := uint32(2166136261)
	for i := 0; i < len(entity); i++ {
		h = (h ^ uint32(entity[i])) * 16777619
	}
	for _, b := range id {
		h = (h ^ uint32(b)) * 16777619
	}
	return &lt.stripes[h%lockStripes]
}

func (lt *lockTable) lock(entity string, id types.ID) func() {
	mu := lt.stripe(entity, id)
	mu.Lock()
	return mu.Unlock
}
