package metadata

import (
	"github.com/23skdu/longbow-pager/internal/blocktable"
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

type AdvanceParams struct {
	// Sampled holds one new token per live row.
	Sampled []int32
	// NumSeqs is the padded batch size the step was built for.
	NumSeqs int
	// NumQueries is the number of live rows.
	NumQueries int
	// TurnPrefillsIntoDecodes lets a batch whose prefills just finished
	// continue as decode rows.
	TurnPrefillsIntoDecodes bool
}

// Advance rolls decode metadata forward one token in place. Every check runs
// before anything is written, so a failed Advance leaves m untouched.
func (m *Metadata) Advance(p AdvanceParams) error {
	if err := m.checkAdvance(p); err != nil {
		metrics.RecordValidationError("advance", fault.Kind(err))
		return err
	}

	ps := m.PageSize
	if m.NumPrefills > 0 {
		m.turnPrefills()
	}

	first := -1
	for i := 0; i < p.NumQueries; i++ {
		pos := m.SeqLens[i]
		seqLen := int(pos) + 1
		bt := m.BlockTables[i]

		m.InputTokens[i] = p.Sampled[i]
		m.InputPositions[i] = pos
		m.SeqLens[i] = int32(seqLen)
		m.ContextLens[i] = pos
		m.QueryLens[i] = 1
		m.SlotMapping[i] = int64(bt[int(pos)/ps])*int64(ps) + int64(int(pos)%ps)
		m.LastPageLength[i] = int32(blocktable.LastPageLength(seqLen, ps))

		pages := blocktable.ValidPageCount(seqLen, ps)
		m.PageBound[i] = int32(pages)
		if first < 0 && int32(pages) != m.PagePointer[i+1]-m.PagePointer[i] {
			first = i
		}
		m.MaxDecodeSeqLen = max(m.MaxDecodeSeqLen, seqLen)
	}

	if first >= 0 {
		m.reindexFrom(first)
	}
	metrics.RecordAdvance(first >= 0)
	return nil
}

func (m *Metadata) checkAdvance(p AdvanceParams) error {
	switch {
	case p.NumQueries <= 0:
		return fault.Preconditionf("advance with %d queries", p.NumQueries)
	case p.NumQueries > p.NumSeqs:
		return fault.Preconditionf("num_queries %d > num_seqs %d", p.NumQueries, p.NumSeqs)
	case p.NumSeqs != m.BatchSize:
		return fault.Preconditionf("num_seqs %d != batch size %d", p.NumSeqs, m.BatchSize)
	case p.NumQueries != m.NumSeqs:
		return fault.Preconditionf("num_queries %d != live rows %d", p.NumQueries, m.NumSeqs)
	case len(p.Sampled) < p.NumQueries:
		return fault.Preconditionf("%d sampled tokens for %d queries", len(p.Sampled), p.NumQueries)
	case m.PagePointer == nil:
		return fault.Preconditionf("advance of a batch without a page index")
	case m.windowed:
		return fault.Preconditionf("advance of window-trimmed block tables")
	}
	if m.NumPrefills > 0 {
		if !p.TurnPrefillsIntoDecodes {
			return fault.Preconditionf("batch has %d prefills and prefill turning is off", m.NumPrefills)
		}
		if p.NumQueries != p.NumSeqs {
			return fault.Preconditionf("turning prefills needs num_queries == num_seqs, got %d and %d", p.NumQueries, p.NumSeqs)
		}
		if m.NumDecodeTokens+m.NumPrefills != m.NumSeqs {
			return fault.Preconditionf("%d decode tokens + %d prefills != %d sequences", m.NumDecodeTokens, m.NumPrefills, m.NumSeqs)
		}
	}
	for i := 0; i < p.NumQueries; i++ {
		seqLen := int(m.SeqLens[i]) + 1
		if need := blocktable.ValidPageCount(seqLen, m.PageSize); need > len(m.BlockTables[i]) {
			return fault.Capacityf("row %d: seq_len %d needs %d pages, block table holds %d", i, seqLen, need, len(m.BlockTables[i]))
		}
	}
	return nil
}

// turnPrefills reshapes the token arrays so every row carries one token.
func (m *Metadata) turnPrefills() {
	m.InputTokens = make([]int32, m.BatchSize)
	m.InputPositions = make([]int32, m.BatchSize)
	m.SlotMapping = make([]int64, m.BatchSize)
	m.QueryStartLoc = make([]int32, m.BatchSize+1)
	for i := range m.QueryStartLoc {
		m.QueryStartLoc[i] = int32(i)
	}
	m.NumDecodeTokens = m.NumSeqs
	m.NumPrefills = 0
	m.NumPrefillTokens = 0
	m.MaxPrefillSeqLen = 0
	m.MaxQueryLen = 1
	m.ContextChunks = nil
}

// reindexFrom rewrites the CSR index for rows [first, BatchSize).
func (m *Metadata) reindexFrom(first int) {
	for i := first; i < m.NumSeqs; i++ {
		n := int32(blocktable.ValidPageCount(int(m.SeqLens[i]), m.PageSize))
		start := m.PagePointer[i]
		copy(m.PageIndex[start:start+n], m.BlockTables[i][:n])
		m.PagePointer[i+1] = start + n
	}
	end := m.PagePointer[m.NumSeqs]
	for i := m.NumSeqs; i < m.BatchSize; i++ {
		m.PagePointer[i+1] = end
	}
	clear(m.PageIndex[end:])
}
