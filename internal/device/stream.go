package device

import (
	"sync"
	"time"

	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

type op struct {
	label string
	fn    func()
}

// Stream is an ordered queue of operations. It is owned by one execution
// context; the mutex only protects bookkeeping, not ordering across owners.
type Stream struct {
	name string

	mu      sync.Mutex
	pending []op
	issued  uint64
	done    uint64
}

func NewStream(name string) *Stream {
	return &Stream{name: name}
}

func (s *Stream) Name() string { return s.name }

// Enqueue appends fn to the stream without running it.
func (s *Stream) Enqueue(label string, fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, op{label: label, fn: fn})
	s.issued++
	s.mu.Unlock()
}

// Synchronize runs every pending operation in issue order and returns once
// the stream is drained.
func (s *Stream) Synchronize() {
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, o := range ops {
		start := time.Now()
		o.fn()
		metrics.RecordKernelDuration(o.label, time.Since(start))
	}

	s.mu.Lock()
	s.done += uint64(len(ops))
	s.mu.Unlock()
}

func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Completed returns how many operations have finished since creation.
func (s *Stream) Completed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// CopyAsync enqueues a copy of src into the first len(src) elements of dst.
// src is read when the copy executes, not when it is issued. The rest of dst
// keeps whatever it held before.
func CopyAsync[T Elem](s *Stream, dst *Buffer[T], src []T) error {
	if len(src) > dst.Len() {
		return fault.Capacityf("copy of %d elements into %s (%d)", len(src), dst.label, dst.Len())
	}
	view := dst.data[:len(src)]
	s.Enqueue("copy_"+dst.label, func() {
		copy(view, src)
	})
	return nil
}
