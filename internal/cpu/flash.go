package cpu

import (
	"time"

	"github.com/23skdu/longbow-pager/internal/kernel"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

func (k *Kernels) FlashAttend(p kernel.FlashParams) error {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("flash_attend", time.Since(start)) }()

	if err := p.Check(); err != nil {
		return err
	}
	g := k.group()
	for b := 0; b+1 < len(p.CuSeqLensQ); b++ {
		for h := 0; h < p.NumHeads; h++ {
			g.Go(func() error {
				k.flashHead(&p, b, h)
				return nil
			})
		}
	}
	return g.Wait()
}

func (k *Kernels) flashHead(p *kernel.FlashParams, b, h int) {
	q0, q1 := int(p.CuSeqLensQ[b]), int(p.CuSeqLensQ[b+1])
	k0, k1 := int(p.CuSeqLensK[b]), int(p.CuSeqLensK[b+1])
	nq, nk := q1-q0, k1-k0

	keys := make([][]float32, nk)
	values := make([][]float32, nk)
	for t := 0; t < nk; t++ {
		kr := ((k0+t)*p.NumHeads + h) * p.HeadDim
		vr := ((k0+t)*p.NumHeads + h) * p.VDim
		keys[t] = p.K[kr : kr+p.HeadDim]
		values[t] = p.V[vr : vr+p.VDim]
	}
	scores := k.getScratch(max(1, nk))
	defer k.putScratch(scores)

	for i := 0; i < nq; i++ {
		visible := nk
		if p.Causal {
			visible = max(0, min(nk, nk-nq+i+1))
		}
		row := (q0+i)*p.NumHeads + h
		q := p.Q[row*p.HeadDim : (row+1)*p.HeadDim]
		out := p.Out[row*p.VDim : (row+1)*p.VDim]
		lse := attendRange(out, scores, q, keys[:visible], values[:visible], p.Scale)
		if p.LSE != nil {
			p.LSE[row] = lse
		}
	}
}
