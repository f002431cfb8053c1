// Package metadata folds per-sequence descriptors into the flat batch arrays
// attention kernels read: core step fields plus the CSR page index.
package metadata

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// ContextChunk describes one round of gathering cached context for the
// prefill rows of a batch. Row j covers context positions
// [Starts[j], Starts[j]+CuSeqLens[j+1]-CuSeqLens[j]).
type ContextChunk struct {
	CuSeqLens []int32
	Starts    []int32
	SeqTot    int
	MaxSeqLen int
}

// Metadata is one step's batch description. Prefill rows precede decode rows.
// Rows past NumSeqs are replay padding.
type Metadata struct {
	NumSeqs   int
	BatchSize int
	PageSize  int

	NumPrefills      int
	NumPrefillTokens int
	NumDecodeTokens  int

	SeqLens       []int32
	ContextLens   []int32
	QueryLens     []int32
	QueryStartLoc []int32

	InputTokens    []int32
	InputPositions []int32
	SlotMapping    []int64
	BlockTables    [][]int32

	MaxQueryLen      int
	MaxPrefillSeqLen int
	MaxDecodeSeqLen  int
	UseReplay        bool

	// Paged index. Nil for profiling batches.
	PagePointer    []int32
	PageIndex      []int32
	LastPageLength []int32
	PageBound      []int32

	ContextChunks []ContextChunk

	windowed bool
}

// Padding is the number of replay rows appended after the live rows.
func (m *Metadata) Padding() int {
	return m.BatchSize - m.NumSeqs
}

// ValidPages is the number of live entries in PageIndex.
func (m *Metadata) ValidPages() int {
	if len(m.PagePointer) == 0 {
		return 0
	}
	return int(m.PagePointer[m.BatchSize])
}

// PrefillView covers the prefill rows, or is nil when there are none.
func (m *Metadata) PrefillView() *Metadata {
	p := m.NumPrefills
	if p == 0 {
		return nil
	}
	v := m.base(0, p, 0, m.NumPrefillTokens)
	v.NumPrefills = p
	v.NumPrefillTokens = m.NumPrefillTokens
	v.MaxPrefillSeqLen = m.MaxPrefillSeqLen
	v.MaxQueryLen = maxOf(v.QueryLens)
	v.ContextChunks = m.ContextChunks
	m.splicePaged(v, 0, p)
	return v
}

// DecodeView covers the decode and padding rows, or is nil when there are
// none. PagePointer is sliced without rebasing since its values index the
// shared PageIndex.
func (m *Metadata) DecodeView() *Metadata {
	p := m.NumPrefills
	if m.BatchSize == p {
		return nil
	}
	v := m.base(p, m.BatchSize, m.NumPrefillTokens, len(m.InputTokens))
	v.NumSeqs = m.NumSeqs - p
	v.NumDecodeTokens = m.NumDecodeTokens
	v.MaxDecodeSeqLen = m.MaxDecodeSeqLen
	v.MaxQueryLen = 1
	m.splicePaged(v, p, m.BatchSize)
	return v
}

// base slices the core step fields of rows [lo,hi) and tokens [tlo,thi).
func (m *Metadata) base(lo, hi, tlo, thi int) *Metadata {
	qsl := make([]int32, hi-lo+1)
	for i := range qsl {
		qsl[i] = m.QueryStartLoc[lo+i] - m.QueryStartLoc[lo]
	}
	return &Metadata{
		NumSeqs:        hi - lo,
		BatchSize:      hi - lo,
		PageSize:       m.PageSize,
		SeqLens:        m.SeqLens[lo:hi],
		ContextLens:    m.ContextLens[lo:hi],
		QueryLens:      m.QueryLens[lo:hi],
		QueryStartLoc:  qsl,
		InputTokens:    m.InputTokens[tlo:thi],
		InputPositions: m.InputPositions[tlo:thi],
		SlotMapping:    m.SlotMapping[tlo:thi],
		BlockTables:    m.BlockTables[lo:hi],
		UseReplay:      m.UseReplay,
		windowed:       m.windowed,
	}
}

// splicePaged overlays the paged index fields of rows [lo,hi) onto v.
func (m *Metadata) splicePaged(v *Metadata, lo, hi int) {
	if m.PagePointer == nil {
		return
	}
	v.PagePointer = m.PagePointer[lo : hi+1]
	v.PageIndex = m.PageIndex
	v.LastPageLength = m.LastPageLength[lo:hi]
	v.PageBound = m.PageBound[lo:hi]
}

// Clone deep-copies m.
func (m *Metadata) Clone() *Metadata {
	c := *m
	c.SeqLens = clone(m.SeqLens)
	c.ContextLens = clone(m.ContextLens)
	c.QueryLens = clone(m.QueryLens)
	c.QueryStartLoc = clone(m.QueryStartLoc)
	c.InputTokens = clone(m.InputTokens)
	c.InputPositions = clone(m.InputPositions)
	c.SlotMapping = clone(m.SlotMapping)
	c.BlockTables = make([][]int32, len(m.BlockTables))
	for i, bt := range m.BlockTables {
		c.BlockTables[i] = clone(bt)
	}
	c.PagePointer = clone(m.PagePointer)
	c.PageIndex = clone(m.PageIndex)
	c.LastPageLength = clone(m.LastPageLength)
	c.PageBound = clone(m.PageBound)
	if m.ContextChunks != nil {
		c.ContextChunks = make([]ContextChunk, len(m.ContextChunks))
		for i, ch := range m.ContextChunks {
			c.ContextChunks[i] = ContextChunk{
				CuSeqLens: clone(ch.CuSeqLens),
				Starts:    clone(ch.Starts),
				SeqTot:    ch.SeqTot,
				MaxSeqLen: ch.MaxSeqLen,
			}
		}
	}
	return &c
}

// Fingerprint hashes the arrays a kernel launch depends on.
func (m *Metadata) Fingerprint() uint64 {
	h := xxhash.New()
	buf := make([]byte, 0, 8*(len(m.PageIndex)+len(m.SlotMapping))+64)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.BatchSize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.NumPrefills))
	for _, arr := range [][]int32{m.PagePointer, m.PageIndex, m.LastPageLength, m.SeqLens} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(arr)))
		for _, v := range arr {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		}
	}
	for _, s := range m.SlotMapping {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s))
	}
	_, _ = h.Write(buf)
	return h.Sum64()
}

func clone[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func maxOf(s []int32) int {
	var m int32
	for _, v := range s {
		m = max(m, v)
	}
	return int(m)
}
