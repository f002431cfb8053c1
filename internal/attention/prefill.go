package attention

import (
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kernel"
	"github.com/23skdu/longbow-pager/internal/kvcache"
	"github.com/23skdu/longbow-pager/internal/metadata"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

// ForwardPrefill runs causal attention over the new tokens and, when rows
// carry cached context, unmasked attention over each context chunk, merging
// all partials. q is [T, H, qk], kvC [T, rank], kPe [T, rope]; the result is
// [T, Hidden].
func (m *MLA) ForwardPrefill(q, kvC, kPe []float32, pool *kvcache.Pool, meta *metadata.Metadata) ([]float32, error) {
	if err := m.checkPool(pool); err != nil {
		return nil, err
	}
	t := meta.NumPrefillTokens
	h, qk, rank, rope, v := m.opts.NumHeads, m.opts.qkDim(), m.opts.KVLoraRank, m.opts.QKRopeHeadDim, m.opts.VHeadDim
	if len(q) < t*h*qk || len(kvC) < t*rank || len(kPe) < t*rope {
		return nil, fault.Preconditionf("prefill of %d tokens with q=%d kv_c=%d k_pe=%d values", t, len(q), len(kvC), len(kPe))
	}

	hasContext := false
	for _, c := range meta.ContextLens[:meta.NumPrefills] {
		if c > 0 {
			hasContext = true
			break
		}
	}
	if hasContext && len(meta.ContextChunks) == 0 {
		return nil, fault.Preconditionf("prefill rows carry context but no context chunks were built")
	}

	key, val, err := m.expandKV(kvC[:t*rank], kPe[:t*rope], t)
	if err != nil {
		return nil, err
	}
	suffix := NewPartial(t, h, qk)
	fp := kernel.FlashParams{
		Q: q, K: key, V: val,
		NumHeads: h, HeadDim: qk, VDim: qk,
		CuSeqLensQ: meta.QueryStartLoc,
		CuSeqLensK: meta.QueryStartLoc,
		Scale:      m.opts.Scale,
		Causal:     true,
		Out:        suffix.Out,
	}
	if hasContext {
		fp.LSE = suffix.LSE
	}
	if err := m.k.FlashAttend(fp); err != nil {
		return nil, err
	}

	out := suffix
	if hasContext {
		context, err := m.attendContext(q, pool, meta)
		if err != nil {
			return nil, err
		}
		if err := MergeStates(out, context, suffix); err != nil {
			return nil, err
		}
	}

	// Drop the value padding before the output projection.
	attn := make([]float32, t*h*v)
	for i := 0; i < t*h; i++ {
		copy(attn[i*v:(i+1)*v], out.Out[i*qk:i*qk+v])
	}
	return m.project(attn, t, h*v, m.weights.OProj, m.weights.Hidden)
}

// expandKV reconstructs per-head keys [n, H, qk] and zero-padded values
// [n, H, qk] from latent rows kvC [n, rank] and positional keys kPe [n, rope].
func (m *MLA) expandKV(kvC, kPe []float32, n int) ([]float32, []float32, error) {
	h, nope, rope, v := m.opts.NumHeads, m.opts.QKNopeHeadDim, m.opts.QKRopeHeadDim, m.opts.VHeadDim
	qk := nope + rope
	cols := h * (nope + v)
	kv, err := m.project(kvC, n, m.opts.KVLoraRank, m.weights.KVBProj, cols)
	if err != nil {
		return nil, nil, err
	}
	key := make([]float32, n*h*qk)
	val := make([]float32, n*h*qk)
	for i := 0; i < n; i++ {
		pe := kPe[i*rope : (i+1)*rope]
		for hd := 0; hd < h; hd++ {
			src := kv[i*cols+hd*(nope+v):]
			dst := (i*h + hd) * qk
			copy(key[dst:dst+nope], src[:nope])
			copy(key[dst+nope:dst+qk], pe)
			copy(val[dst:dst+v], src[nope:nope+v])
		}
	}
	return key, val, nil
}

// attendContext gathers each context chunk, expands it, attends without a
// mask and folds the chunks together.
func (m *MLA) attendContext(q []float32, pool *kvcache.Pool, meta *metadata.Metadata) (Partial, error) {
	t := meta.NumPrefillTokens
	h, qk, rank, rope := m.opts.NumHeads, m.opts.qkDim(), m.opts.KVLoraRank, m.opts.QKRopeHeadDim
	width := rank + rope

	acc := NewPartial(t, h, qk)
	for _, ch := range meta.ContextChunks {
		ws := make([]float32, ch.SeqTot*width)
		err := m.k.GatherPages(pool, kernel.GatherParams{
			PageIndex:   meta.PageIndex,
			PagePointer: meta.PagePointer,
			CuSeqLens:   ch.CuSeqLens,
			Starts:      ch.Starts,
			Workspace:   ws,
		})
		if err != nil {
			return Partial{}, err
		}

		kvC := make([]float32, ch.SeqTot*rank)
		kPe := make([]float32, ch.SeqTot*rope)
		for i := 0; i < ch.SeqTot; i++ {
			copy(kvC[i*rank:(i+1)*rank], ws[i*width:])
			copy(kPe[i*rope:(i+1)*rope], ws[i*width+rank:(i+1)*width])
		}
		key, val, err := m.expandKV(kvC, kPe, ch.SeqTot)
		if err != nil {
			return Partial{}, err
		}

		part := NewPartial(t, h, qk)
		err = m.k.FlashAttend(kernel.FlashParams{
			Q: q, K: key, V: val,
			NumHeads: h, HeadDim: qk, VDim: qk,
			CuSeqLensQ: meta.QueryStartLoc,
			CuSeqLensK: ch.CuSeqLens,
			Scale:      m.opts.Scale,
			Out:        part.Out,
			LSE:        part.LSE,
		})
		if err != nil {
			return Partial{}, err
		}
		if err := MergeStates(acc, acc, part); err != nil {
			return Partial{}, err
		}
	}
	metrics.RecordContextChunks(len(meta.ContextChunks))
	return acc, nil
}
