// Package kvcache holds the paged cache pool and the page allocator used to
// hand pages to sequences.
package kvcache

import (
	"github.com/dustin/go-humanize"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/logger"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

// Pool stores every page of one layer's cache in fp16.
// Vector 0 is the key (or latent) row, vector 1 the value row of split layouts.
type Pool struct {
	layout layout.Layout
	width  int
	data   [][]uint16
}

// PagePair moves page Src onto page Dst.
type PagePair struct {
	Src int32
	Dst int32
}

func NewPool(l layout.Layout) *Pool {
	p := &Pool{
		layout: l,
		width:  l.EntryWidth(),
		data:   make([][]uint16, l.Vectors()),
	}
	for v := range p.data {
		p.data[v] = make([]uint16, l.NumSlots()*p.width)
	}
	metrics.RecordKVCacheCapacity(l.Bytes(2))
	logger.Log.Debug("kv pool allocated",
		"kind", l.Kind.String(),
		"pages", l.NumPages,
		"page_size", l.PageSize,
		"size", humanize.IBytes(uint64(l.Bytes(2))))
	return p
}

func (p *Pool) Layout() layout.Layout { return p.layout }

// Width is the element count of one slot vector.
func (p *Pool) Width() int { return p.width }

func (p *Pool) Bytes() int64 { return p.layout.Bytes(2) }

func (p *Pool) check(vector int, slot int64, n int) error {
	if vector < 0 || vector >= len(p.data) {
		return fault.Preconditionf("vector %d outside [0,%d)", vector, len(p.data))
	}
	if !p.layout.ValidSlot(slot) {
		return fault.Preconditionf("slot %d outside pool of %d slots", slot, p.layout.NumSlots())
	}
	if n != p.width {
		return fault.Preconditionf("row width %d, want %d", n, p.width)
	}
	return nil
}

// Write stores row into slot. Callers filter PadSlot before calling.
func (p *Pool) Write(vector int, slot int64, row []float32) error {
	if err := p.check(vector, slot, len(row)); err != nil {
		return err
	}
	dst := p.data[vector][slot*int64(p.width):]
	for i, v := range row {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
	return nil
}

// Read decodes slot into dst.
func (p *Pool) Read(vector int, slot int64, dst []float32) error {
	if err := p.check(vector, slot, len(dst)); err != nil {
		return err
	}
	p.read(vector, slot, dst)
	return nil
}

// read skips validation; kernels call it after checking the page index once.
func (p *Pool) read(vector int, slot int64, dst []float32) {
	src := p.data[vector][slot*int64(p.width) : (slot+1)*int64(p.width)]
	for i, h := range src {
		dst[i] = float16.Frombits(h).Float32()
	}
}

// ReadPrefix decodes the first len(dst) elements of slot.
func (p *Pool) ReadPrefix(vector int, slot int64, dst []float32) {
	src := p.data[vector][slot*int64(p.width):]
	for i := range dst {
		dst[i] = float16.Frombits(src[i]).Float32()
	}
}

func (p *Pool) pageSpan(page int32) (int, int) {
	n := p.layout.PageSize * p.width
	return int(page) * n, int(page+1) * n
}

func (p *Pool) checkPairs(pairs []PagePair, dst layout.Layout) error {
	for _, pr := range pairs {
		if !p.layout.ValidPage(pr.Src) {
			return fault.Preconditionf("source page %d outside pool", pr.Src)
		}
		if !dst.ValidPage(pr.Dst) {
			return fault.Preconditionf("destination page %d outside pool", pr.Dst)
		}
	}
	return nil
}

// CopyPages duplicates whole pages within the pool, e.g. for copy-on-write forks.
func (p *Pool) CopyPages(pairs []PagePair) error {
	if err := p.checkPairs(pairs, p.layout); err != nil {
		return err
	}
	for _, pr := range pairs {
		slo, shi := p.pageSpan(pr.Src)
		dlo, _ := p.pageSpan(pr.Dst)
		for v := range p.data {
			copy(p.data[v][dlo:], p.data[v][slo:shi])
		}
	}
	return nil
}

// SwapPages moves pages from p into dst, e.g. between a device and a host pool.
func (p *Pool) SwapPages(dst *Pool, pairs []PagePair) error {
	if dst.layout.Kind != p.layout.Kind || dst.layout.PageSize != p.layout.PageSize || dst.width != p.width {
		return fault.Preconditionf("swap between incompatible pools (%s/%d/%d vs %s/%d/%d)",
			p.layout.Kind, p.layout.PageSize, p.width, dst.layout.Kind, dst.layout.PageSize, dst.width)
	}
	if err := p.checkPairs(pairs, dst.layout); err != nil {
		return err
	}
	for _, pr := range pairs {
		slo, shi := p.pageSpan(pr.Src)
		dlo, _ := dst.pageSpan(pr.Dst)
		for v := range p.data {
			copy(dst.data[v][dlo:], p.data[v][slo:shi])
		}
	}
	return nil
}
