package kvcache

import (
	"sync"

	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

// Allocator hands out page ids from a free stack. Page placement policy is
// owned by the scheduler; this is the minimal policy the engine and tools use.
type Allocator struct {
	mu    sync.Mutex
	free  []int32
	total int
}

func NewAllocator(numPages int) *Allocator {
	a := &Allocator{free: make([]int32, numPages), total: numPages}
	for i := 0; i < numPages; i++ {
		a.free[i] = int32(numPages - 1 - i) // Stack order
	}
	return a
}

func (a *Allocator) allocateLocked() int32 {
	page := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return page
}

func (a *Allocator) Allocate() (int32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return -1, fault.Capacityf("no free pages (pool of %d)", a.total)
	}
	page := a.allocateLocked()
	metrics.RecordKVCacheUsedPages(a.total - len(a.free))
	return page, nil
}

// Grow appends pages to pages until it can hold tokens slots. Either every
// needed page is allocated or none is.
func (a *Allocator) Grow(pages []int32, tokens, pageSize int) ([]int32, error) {
	need := (tokens+pageSize-1)/pageSize - len(pages)
	if need <= 0 {
		return pages, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if need > len(a.free) {
		return pages, fault.Capacityf("need %d pages, %d free", need, len(a.free))
	}
	for i := 0; i < need; i++ {
		pages = append(pages, a.allocateLocked())
	}
	metrics.RecordKVCacheUsedPages(a.total - len(a.free))
	return pages, nil
}

func (a *Allocator) Free(pages ...int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, pages...)
	metrics.RecordKVCacheUsedPages(a.total - len(a.free))
}

func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
