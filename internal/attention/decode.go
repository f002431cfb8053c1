package attention

import (
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kernel"
	"github.com/23skdu/longbow-pager/internal/kvcache"
	"github.com/23skdu/longbow-pager/internal/metadata"
)

// ForwardDecode attends one query per row over the row's cached latents.
// The content query is absorbed into latent space so cached rows are used
// as keys and values without expanding them per head.
//
// qNope is [B, H, nope], qPe [B, H, rope]; the result is [B, Hidden].
func (m *MLA) ForwardDecode(qNope, qPe []float32, pool *kvcache.Pool, meta *metadata.Metadata) ([]float32, error) {
	if err := m.checkPool(pool); err != nil {
		return nil, err
	}
	if meta.PagePointer == nil {
		return nil, fault.Preconditionf("decode without a page index")
	}
	if meta.NumPrefills != 0 {
		return nil, fault.Preconditionf("decode over %d prefill rows", meta.NumPrefills)
	}
	b, h := meta.BatchSize, m.opts.NumHeads
	rank, nope, rope, v := m.opts.KVLoraRank, m.opts.QKNopeHeadDim, m.opts.QKRopeHeadDim, m.opts.VHeadDim
	if len(qNope) < b*h*nope || len(qPe) < b*h*rope {
		return nil, fault.Preconditionf("decode query holds %d+%d values for %d rows", len(qNope), len(qPe), b)
	}
	width := rank + rope

	q := make([]float32, b*h*width)
	headIn := make([]float32, b*nope)
	for hd := 0; hd < h; hd++ {
		for i := 0; i < b; i++ {
			copy(headIn[i*nope:(i+1)*nope], qNope[(i*h+hd)*nope:])
		}
		ql, err := m.project(headIn, b, nope, m.wUKT[hd], rank)
		if err != nil {
			return nil, err
		}
		for i := 0; i < b; i++ {
			row := q[(i*h+hd)*width:]
			copy(row[:rank], ql[i*rank:(i+1)*rank])
			copy(row[rank:width], qPe[(i*h+hd)*rope:(i*h+hd+1)*rope])
		}
	}

	splits := m.opts.NumKVSplits
	o := make([]float32, b*h*rank)
	err := m.k.DecodeAttend(pool, kernel.DecodeParams{
		Query:          q,
		NumSeqs:        b,
		NumHeads:       h,
		QKDim:          width,
		VDim:           rank,
		PageIndex:      meta.PageIndex,
		PagePointer:    meta.PagePointer,
		LastPageLength: meta.LastPageLength,
		Scale:          m.opts.Scale,
		NumSplits:      splits,
		Logits:         make([]float32, b*h*splits*(rank+1)),
		Out:            o,
	})
	if err != nil {
		return nil, err
	}

	attn := make([]float32, b*h*v)
	headOut := make([]float32, b*rank)
	for hd := 0; hd < h; hd++ {
		for i := 0; i < b; i++ {
			copy(headOut[i*rank:(i+1)*rank], o[(i*h+hd)*rank:])
		}
		up, err := m.project(headOut, b, rank, m.wUV[hd], v)
		if err != nil {
			return nil, err
		}
		for i := 0; i < b; i++ {
			copy(attn[(i*h+hd)*v:(i*h+hd+1)*v], up[i*v:(i+1)*v])
		}
	}
	return m.project(attn, b, h*v, m.weights.OProj, m.weights.Hidden)
}
