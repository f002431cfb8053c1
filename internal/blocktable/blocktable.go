// Package blocktable turns one sequence's page list into slot addresses and
// the valid page sublist the batch index consumes.
package blocktable

import (
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/layout"
)

// SequenceDescriptor is what the batcher hands over for one sequence per step.
type SequenceDescriptor struct {
	ID       uint64
	IsPrompt bool

	ContextLen int // tokens already stored
	QueryLen   int // new tokens this step
	SeqLen     int // ContextLen + QueryLen

	// PageList is every page assigned to the sequence in logical order. It may
	// hold pages reserved for future growth.
	PageList []int32

	// Tokens are the new input tokens, QueryLen of them.
	Tokens []int32

	// SlidingWindowPages trims the block table to the trailing pages when set.
	SlidingWindowPages int
	// PrefixCacheHit keeps the full table so the prompt's own pages stay visible.
	PrefixCacheHit bool
}

func (d *SequenceDescriptor) Validate() error {
	if d.ContextLen < 0 || d.QueryLen < 0 {
		return fault.Preconditionf("sequence %d: negative lengths (context=%d query=%d)", d.ID, d.ContextLen, d.QueryLen)
	}
	if d.ContextLen+d.QueryLen != d.SeqLen {
		return fault.Preconditionf("sequence %d: context %d + query %d != seq_len %d", d.ID, d.ContextLen, d.QueryLen, d.SeqLen)
	}
	if len(d.Tokens) != 0 && len(d.Tokens) != d.QueryLen {
		return fault.Preconditionf("sequence %d: %d tokens for query_len %d", d.ID, len(d.Tokens), d.QueryLen)
	}
	return nil
}

// IsDecode reports whether the sequence appends exactly one token to an existing cache.
func (d *SequenceDescriptor) IsDecode() bool {
	return !d.IsPrompt && d.QueryLen == 1
}

// StartIndex is the first absolute position that needs a physical slot.
// Positions before it are either already cached or fall outside the window.
func StartIndex(isPrompt bool, queryLen, contextLen, slidingWindow int) int {
	switch {
	case isPrompt && slidingWindow > 0:
		return max(0, queryLen-slidingWindow)
	case isPrompt && contextLen == 0:
		return 0
	default:
		return contextLen
	}
}

// AppendSlotMapping appends one slot per new token of d to dst. Tokens before
// startIdx, and every token of a profiling run, map to PadSlot.
func AppendSlotMapping(dst []int64, d *SequenceDescriptor, startIdx, pageSize int, profiling bool) ([]int64, error) {
	if profiling {
		for i := 0; i < d.QueryLen; i++ {
			dst = append(dst, layout.PadSlot)
		}
		return dst, nil
	}
	if need := ValidPageCount(d.SeqLen, pageSize); need > len(d.PageList) {
		return dst, fault.Capacityf("sequence %d: %d pages for seq_len %d, need %d", d.ID, len(d.PageList), d.SeqLen, need)
	}
	for pos := d.ContextLen; pos < d.SeqLen; pos++ {
		if pos < startIdx {
			dst = append(dst, layout.PadSlot)
			continue
		}
		page := d.PageList[pos/pageSize]
		dst = append(dst, int64(page)*int64(pageSize)+int64(pos%pageSize))
	}
	return dst, nil
}

func ValidPageCount(seqLen, pageSize int) int {
	return (seqLen + pageSize - 1) / pageSize
}

// LastPageLength is the number of occupied slots in the final page: in
// [1, pageSize] for any non-empty sequence, 0 for an empty one.
func LastPageLength(seqLen, pageSize int) int {
	if seqLen == 0 {
		return 0
	}
	if r := seqLen % pageSize; r != 0 {
		return r
	}
	return pageSize
}

// ValidPages drops pages allocated ahead of need.
func ValidPages(pageList []int32, seqLen, pageSize int) ([]int32, error) {
	n := ValidPageCount(seqLen, pageSize)
	if n > len(pageList) {
		return nil, fault.Capacityf("page list holds %d pages, seq_len %d needs %d", len(pageList), seqLen, n)
	}
	return pageList[:n], nil
}

// Trimmed reports whether BlockTable drops leading pages of d.
func Trimmed(d *SequenceDescriptor) bool {
	return !d.PrefixCacheHit && d.SlidingWindowPages > 0 && len(d.PageList) > d.SlidingWindowPages
}

// BlockTable is the per-sequence table kernels without a page index read.
func BlockTable(d *SequenceDescriptor) []int32 {
	if Trimmed(d) {
		return d.PageList[len(d.PageList)-d.SlidingWindowPages:]
	}
	return d.PageList
}
