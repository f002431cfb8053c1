package cpu

import (
	"time"

	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kernel"
	"github.com/23skdu/longbow-pager/internal/kvcache"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

func (k *Kernels) WriteCache(pool *kvcache.Pool, p kernel.WriteParams) error {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("write_cache", time.Since(start)) }()

	w := pool.Width()
	split := pool.Layout().Kind == layout.KindSplit
	if len(p.Keys) < len(p.SlotMapping)*w {
		return fault.Preconditionf("keys hold %d values for %d slots of width %d", len(p.Keys), len(p.SlotMapping), w)
	}
	if split && len(p.Values) < len(p.SlotMapping)*w {
		return fault.Preconditionf("values hold %d values for %d slots of width %d", len(p.Values), len(p.SlotMapping), w)
	}

	written, skipped := 0, 0
	for t, slot := range p.SlotMapping {
		if slot == layout.PadSlot {
			skipped++
			continue
		}
		if err := pool.Write(0, slot, p.Keys[t*w:(t+1)*w]); err != nil {
			return err
		}
		if split {
			if err := pool.Write(1, slot, p.Values[t*w:(t+1)*w]); err != nil {
				return err
			}
		}
		written++
	}
	metrics.RecordCacheWrite(written, skipped)
	return nil
}

// GatherPages copies cached rows of each sequence's chunk into Workspace.
// Latent pools produce [SeqTot, width] rows; split pools produce
// [SeqTot, 2*width] rows holding the key then the value.
func (k *Kernels) GatherPages(pool *kvcache.Pool, p kernel.GatherParams) error {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("gather_pages", time.Since(start)) }()

	l := pool.Layout()
	w := pool.Width()
	stride := w * l.Vectors()
	n := len(p.Starts)
	if len(p.CuSeqLens) != n+1 || len(p.PagePointer) < n+1 {
		return fault.Preconditionf("gather for %d sequences with %d cu_seqlens and %d pointers", n, len(p.CuSeqLens), len(p.PagePointer))
	}
	if total := int(p.CuSeqLens[n]); len(p.Workspace) < total*stride {
		return fault.Preconditionf("workspace holds %d values, chunk needs %d", len(p.Workspace), total*stride)
	}

	for j := 0; j < n; j++ {
		first, last := p.PagePointer[j], p.PagePointer[j+1]
		for i := p.CuSeqLens[j]; i < p.CuSeqLens[j+1]; i++ {
			pos := int(p.Starts[j] + i - p.CuSeqLens[j])
			idx := first + int32(pos/l.PageSize)
			if idx >= last {
				return fault.Preconditionf("sequence %d: context position %d beyond its %d indexed pages", j, pos, last-first)
			}
			page := p.PageIndex[idx]
			if !l.ValidPage(page) {
				return fault.Preconditionf("page %d outside pool", page)
			}
			slot := l.Slot(page, pos%l.PageSize)
			row := p.Workspace[int(i)*stride:]
			for v := 0; v < l.Vectors(); v++ {
				if err := pool.Read(v, slot, row[v*w:(v+1)*w]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
