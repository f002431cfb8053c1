// Package device models the execution device the paging core issues work to:
// a Context that accounts for buffer memory, typed Buffers, and an ordered
// Stream of asynchronous operations.
//
// Buffers live in host memory. Stream semantics match a device command queue:
// enqueued operations run in issue order when the stream is synchronized, and
// nothing may read a destination before that point.
package device

import (
	"sync"
	"unsafe"

	"github.com/23skdu/longbow-pager/internal/metrics"
)

type Elem interface {
	~int32 | ~int64 | ~float32
}

type Context struct {
	mu        sync.Mutex
	allocated int64
	buffers   int
}

func NewContext() *Context {
	return &Context{}
}

func (c *Context) track(delta int64, buffers int) {
	c.mu.Lock()
	c.allocated += delta
	c.buffers += buffers
	total := c.allocated
	c.mu.Unlock()
	metrics.RecordDeviceMemory(total)
}

// Allocated returns the bytes currently held by live buffers.
func (c *Context) Allocated() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

// Buffers returns the number of live buffers.
func (c *Context) Buffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffers
}

type Buffer[T Elem] struct {
	ctx   *Context
	label string
	data  []T
}

func elemSize[T Elem]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

// Alloc returns a zeroed buffer of n elements.
func Alloc[T Elem](c *Context, label string, n int) *Buffer[T] {
	b := &Buffer[T]{ctx: c, label: label, data: make([]T, n)}
	c.track(int64(n)*elemSize[T](), 1)
	return b
}

// Full returns a buffer of n elements set to v.
func Full[T Elem](c *Context, label string, n int, v T) *Buffer[T] {
	b := Alloc[T](c, label, n)
	b.Fill(v)
	return b
}

func (b *Buffer[T]) Label() string { return b.label }

func (b *Buffer[T]) Len() int { return len(b.data) }

// Data exposes the whole buffer. Reads must happen after the owning stream
// has been synchronized.
func (b *Buffer[T]) Data() []T { return b.data }

// Slice returns a capacity-limited view so appends never spill into the rest
// of the buffer.
func (b *Buffer[T]) Slice(lo, hi int) []T {
	return b.data[lo:hi:hi]
}

func (b *Buffer[T]) Fill(v T) {
	for i := range b.data {
		b.data[i] = v
	}
}

func (b *Buffer[T]) Free() {
	if b.data == nil {
		return
	}
	b.ctx.track(-int64(len(b.data))*elemSize[T](), -1)
	b.data = nil
}
