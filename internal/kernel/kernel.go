// Package kernel declares the primitives attention execution is built from.
// Implementations own scheduling and numerics; callers own buffer shapes.
//
// All tensors are row-major float32 slices. Shapes are given in the field
// comments with B = sequences, H = query heads, T = tokens.
package kernel

import (
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kvcache"
)

type Kernels interface {
	// WriteCache stores new rows at their slots. PadSlot entries are skipped.
	WriteCache(pool *kvcache.Pool, p WriteParams) error
	// DecodeAttend attends one query per sequence over its indexed pages.
	DecodeAttend(pool *kvcache.Pool, p DecodeParams) error
	// GatherPages copies a context chunk's cached rows into a workspace.
	GatherPages(pool *kvcache.Pool, p GatherParams) error
	// FlashAttend is variable-length dense attention.
	FlashAttend(p FlashParams) error
	// Project multiplies Input by Weight.
	Project(p ProjectParams) error
}

type WriteParams struct {
	Keys        []float32 // [T, width]; the latent row for latent pools
	Values      []float32 // [T, width]; split pools only
	SlotMapping []int64   // [T]
}

type DecodeParams struct {
	Query    []float32 // [B, H, QKDim]
	NumSeqs  int
	NumHeads int
	QKDim    int
	// VDim is the leading part of a cached row used as the value for latent
	// pools, or the head dim for split pools.
	VDim int

	PageIndex      []int32
	PagePointer    []int32 // [B+1], not rebased
	LastPageLength []int32 // [B]

	Scale     float32
	NumSplits int
	// Logits is scratch of [B, H, NumSplits, VDim+1]. The trailing column of
	// each partition holds that partition's log-sum-exp.
	Logits []float32
	Out    []float32 // [B, H, VDim]
}

type GatherParams struct {
	PageIndex   []int32
	PagePointer []int32 // [B+1]
	CuSeqLens   []int32 // [B+1] offsets into Workspace rows
	Starts      []int32 // [B] first context token gathered per sequence
	Workspace   []float32
}

type FlashParams struct {
	Q []float32 // [Tq, H, HeadDim]
	K []float32 // [Tk, H, HeadDim]
	V []float32 // [Tk, H, VDim]

	NumHeads int
	HeadDim  int
	VDim     int

	CuSeqLensQ []int32
	CuSeqLensK []int32

	Scale float32
	// Causal masks with bottom-right alignment: query i of a sequence with
	// q queries and k keys sees keys [0, k-q+i].
	Causal bool

	Out []float32 // [Tq, H, VDim]
	LSE []float32 // [Tq, H], optional
}

type ProjectParams struct {
	Input  []float32 // [M, K]
	Weight []float32 // [K, N]
	M, K   int
	N      int
	Out    []float32 // [M, N]
}

// Check validates the buffer extents of p.
func (p *DecodeParams) Check() error {
	switch {
	case p.NumSeqs < 0 || p.NumHeads <= 0 || p.QKDim <= 0 || p.VDim <= 0:
		return fault.Preconditionf("decode dims B=%d H=%d qk=%d v=%d", p.NumSeqs, p.NumHeads, p.QKDim, p.VDim)
	case p.NumSplits <= 0:
		return fault.Preconditionf("decode with %d splits", p.NumSplits)
	case len(p.Query) < p.NumSeqs*p.NumHeads*p.QKDim:
		return fault.Preconditionf("query holds %d values, need %d", len(p.Query), p.NumSeqs*p.NumHeads*p.QKDim)
	case len(p.PagePointer) < p.NumSeqs+1 || len(p.LastPageLength) < p.NumSeqs:
		return fault.Preconditionf("page pointer %d / last page length %d short for %d sequences", len(p.PagePointer), len(p.LastPageLength), p.NumSeqs)
	case len(p.Logits) < p.NumSeqs*p.NumHeads*p.NumSplits*(p.VDim+1):
		return fault.Preconditionf("logits scratch holds %d values, need %d", len(p.Logits), p.NumSeqs*p.NumHeads*p.NumSplits*(p.VDim+1))
	case len(p.Out) < p.NumSeqs*p.NumHeads*p.VDim:
		return fault.Preconditionf("decode output holds %d values, need %d", len(p.Out), p.NumSeqs*p.NumHeads*p.VDim)
	}
	return nil
}

func (p *FlashParams) Check() error {
	if len(p.CuSeqLensQ) != len(p.CuSeqLensK) || len(p.CuSeqLensQ) == 0 {
		return fault.Preconditionf("cu_seqlens q=%d k=%d", len(p.CuSeqLensQ), len(p.CuSeqLensK))
	}
	n := len(p.CuSeqLensQ) - 1
	tq, tk := int(p.CuSeqLensQ[n]), int(p.CuSeqLensK[n])
	switch {
	case p.NumHeads <= 0 || p.HeadDim <= 0 || p.VDim <= 0:
		return fault.Preconditionf("flash dims H=%d d=%d v=%d", p.NumHeads, p.HeadDim, p.VDim)
	case len(p.Q) < tq*p.NumHeads*p.HeadDim:
		return fault.Preconditionf("q holds %d values, need %d", len(p.Q), tq*p.NumHeads*p.HeadDim)
	case len(p.K) < tk*p.NumHeads*p.HeadDim || len(p.V) < tk*p.NumHeads*p.VDim:
		return fault.Preconditionf("k/v hold %d/%d values for %d keys", len(p.K), len(p.V), tk)
	case len(p.Out) < tq*p.NumHeads*p.VDim:
		return fault.Preconditionf("flash output holds %d values, need %d", len(p.Out), tq*p.NumHeads*p.VDim)
	case p.LSE != nil && len(p.LSE) < tq*p.NumHeads:
		return fault.Preconditionf("lse holds %d values, need %d", len(p.LSE), tq*p.NumHeads)
	}
	return nil
}

func (p *ProjectParams) Check() error {
	switch {
	case p.M < 0 || p.K <= 0 || p.N <= 0:
		return fault.Preconditionf("project dims %dx%dx%d", p.M, p.K, p.N)
	case len(p.Input) < p.M*p.K:
		return fault.Preconditionf("project input holds %d values, need %d", len(p.Input), p.M*p.K)
	case len(p.Weight) < p.K*p.N:
		return fault.Preconditionf("project weight holds %d values, need %d", len(p.Weight), p.K*p.N)
	case len(p.Out) < p.M*p.N:
		return fault.Preconditionf("project output holds %d values, need %d", len(p.Out), p.M*p.N)
	}
	return nil
}
