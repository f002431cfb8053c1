// Package layout describes how cache pages are shaped and addressed.
//
// A slot is one token's storage inside a page. Slots are addressed either as
// (page, offset) or as the flattened index page*PageSize + offset.
package layout

import (
	"github.com/23skdu/longbow-pager/internal/fault"
)

// PadSlot marks a token with no physical backing. Cache writers skip it.
const PadSlot int64 = -1

type Kind int

const (
	// KindLatent stores one concatenated compressed latent and positional
	// key row per slot.
	KindLatent Kind = iota
	// KindSplit stores separate key and value rows per slot.
	KindSplit
)

func (k Kind) String() string {
	switch k {
	case KindLatent:
		return "latent"
	case KindSplit:
		return "split"
	default:
		return "unknown"
	}
}

type Layout struct {
	Kind     Kind
	NumPages int
	PageSize int

	// KindLatent
	LatentDim int
	RopeDim   int

	// KindSplit
	KVHeads int
	HeadDim int
}

func NewLatent(numPages, pageSize, latentDim, ropeDim int) (Layout, error) {
	l := Layout{Kind: KindLatent, NumPages: numPages, PageSize: pageSize, LatentDim: latentDim, RopeDim: ropeDim}
	if latentDim <= 0 || ropeDim < 0 {
		return Layout{}, fault.Configf("invalid latent geometry: rank=%d rope=%d", latentDim, ropeDim)
	}
	return l, l.validatePool()
}

func NewSplit(numPages, pageSize, kvHeads, headDim int) (Layout, error) {
	l := Layout{Kind: KindSplit, NumPages: numPages, PageSize: pageSize, KVHeads: kvHeads, HeadDim: headDim}
	if kvHeads <= 0 || headDim <= 0 {
		return Layout{}, fault.Configf("invalid split geometry: kv_heads=%d head_dim=%d", kvHeads, headDim)
	}
	return l, l.validatePool()
}

func (l Layout) validatePool() error {
	if l.NumPages <= 0 {
		return fault.Configf("invalid num_pages: %d", l.NumPages)
	}
	if l.PageSize <= 0 {
		return fault.Configf("invalid page_size: %d", l.PageSize)
	}
	return nil
}

// EntryWidth is the number of elements in one slot vector.
func (l Layout) EntryWidth() int {
	if l.Kind == KindSplit {
		return l.KVHeads * l.HeadDim
	}
	return l.LatentDim + l.RopeDim
}

// Vectors is the number of vectors stored per slot: 2 for split K/V, 1 for latent.
func (l Layout) Vectors() int {
	if l.Kind == KindSplit {
		return 2
	}
	return 1
}

func (l Layout) NumSlots() int {
	return l.NumPages * l.PageSize
}

// Shape is the logical tensor shape of the whole pool.
func (l Layout) Shape() []int {
	if l.Kind == KindSplit {
		return []int{2, l.NumPages, l.PageSize * l.KVHeads * l.HeadDim}
	}
	return []int{l.NumPages, l.PageSize, l.EntryWidth()}
}

func (l Layout) Bytes(elemSize int) int64 {
	return int64(l.Vectors()) * int64(l.NumSlots()) * int64(l.EntryWidth()) * int64(elemSize)
}

func (l Layout) Slot(page int32, offset int) int64 {
	return int64(page)*int64(l.PageSize) + int64(offset)
}

func (l Layout) Address(slot int64) (page int32, offset int) {
	return int32(slot / int64(l.PageSize)), int(slot % int64(l.PageSize))
}

func (l Layout) ValidPage(id int32) bool {
	return id >= 0 && int(id) < l.NumPages
}

func (l Layout) ValidSlot(slot int64) bool {
	return slot >= 0 && slot < int64(l.NumSlots())
}

// PagesFor is the number of pages needed to hold tokens.
func (l Layout) PagesFor(tokens int) int {
	return (tokens + l.PageSize - 1) / l.PageSize
}
