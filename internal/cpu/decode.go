package cpu

import (
	"time"

	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kernel"
	"github.com/23skdu/longbow-pager/internal/kvcache"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

// DecodeAttend partitions each sequence's keys into NumSplits ranges, attends
// each range on its own and folds the partials with the online merge.
//
// Latent pools use the whole cached row as key and its first VDim elements
// as value, shared by every head. Split pools map query head h onto KV head
// h/(H/KVHeads).
func (k *Kernels) DecodeAttend(pool *kvcache.Pool, p kernel.DecodeParams) error {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("decode_attend", time.Since(start)) }()

	if err := p.Check(); err != nil {
		return err
	}
	l := pool.Layout()
	switch l.Kind {
	case layout.KindLatent:
		if p.QKDim != pool.Width() || p.VDim > pool.Width() {
			return fault.Preconditionf("latent decode qk=%d v=%d against rows of %d", p.QKDim, p.VDim, pool.Width())
		}
	case layout.KindSplit:
		if p.QKDim != l.HeadDim || p.VDim != l.HeadDim || p.NumHeads%l.KVHeads != 0 {
			return fault.Preconditionf("split decode qk=%d v=%d heads=%d against %d kv heads of %d", p.QKDim, p.VDim, p.NumHeads, l.KVHeads, l.HeadDim)
		}
	}

	g := k.group()
	for b := 0; b < p.NumSeqs; b++ {
		g.Go(func() error { return k.decodeSeq(pool, &p, b) })
	}
	return g.Wait()
}

func (k *Kernels) decodeSeq(pool *kvcache.Pool, p *kernel.DecodeParams, b int) error {
	l := pool.Layout()
	w := pool.Width()
	first, last := p.PagePointer[b], p.PagePointer[b+1]
	n := 0
	if last > first {
		n = int(last-first-1)*l.PageSize + int(p.LastPageLength[b])
	}

	rows := k.getScratch(max(1, n*w*l.Vectors()))
	defer k.putScratch(rows)
	for t := 0; t < n; t++ {
		page := p.PageIndex[first+int32(t/l.PageSize)]
		if !l.ValidPage(page) {
			return fault.Preconditionf("sequence %d: page %d outside pool", b, page)
		}
		slot := l.Slot(page, t%l.PageSize)
		for v := 0; v < l.Vectors(); v++ {
			off := (t*l.Vectors() + v) * w
			pool.ReadPrefix(v, slot, rows[off:off+w])
		}
	}

	keys := make([][]float32, n)
	values := make([][]float32, n)
	scores := k.getScratch(max(1, n))
	defer k.putScratch(scores)

	group := 1
	if l.Kind == layout.KindSplit {
		group = p.NumHeads / l.KVHeads
	}
	stride := p.VDim + 1
	for h := 0; h < p.NumHeads; h++ {
		for t := 0; t < n; t++ {
			base := t * l.Vectors() * w
			if l.Kind == layout.KindSplit {
				kvh := h / group
				keys[t] = rows[base+kvh*l.HeadDim : base+(kvh+1)*l.HeadDim]
				values[t] = rows[base+w+kvh*l.HeadDim : base+w+(kvh+1)*l.HeadDim]
			} else {
				keys[t] = rows[base : base+w]
				values[t] = rows[base : base+p.VDim]
			}
		}

		q := p.Query[(b*p.NumHeads+h)*p.QKDim : (b*p.NumHeads+h+1)*p.QKDim]
		parts := p.Logits[(b*p.NumHeads+h)*p.NumSplits*stride : (b*p.NumHeads+h+1)*p.NumSplits*stride]
		per := (n + p.NumSplits - 1) / p.NumSplits
		for s := 0; s < p.NumSplits; s++ {
			lo, hi := min(n, s*per), min(n, (s+1)*per)
			part := parts[s*stride : (s+1)*stride]
			part[p.VDim] = attendRange(part[:p.VDim], scores, q, keys[lo:hi], values[lo:hi], p.Scale)
		}

		out := p.Out[(b*p.NumHeads+h)*p.VDim : (b*p.NumHeads+h+1)*p.VDim]
		copy(out, parts[:p.VDim])
		lse := parts[p.VDim]
		for s := 1; s < p.NumSplits; s++ {
			part := parts[s*stride : (s+1)*stride]
			lse = kernel.MergeRow(out, out, lse, part[:p.VDim], part[p.VDim])
		}
	}
	return nil
}
