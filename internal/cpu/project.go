package cpu

import (
	"time"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-pager/internal/kernel"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

func (k *Kernels) Project(p kernel.ProjectParams) error {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("project", time.Since(start)) }()

	if err := p.Check(); err != nil {
		return err
	}
	if p.M == 0 {
		return nil
	}
	a := blas32.General{Rows: p.M, Cols: p.K, Stride: p.K, Data: p.Input[:p.M*p.K]}
	w := blas32.General{Rows: p.K, Cols: p.N, Stride: p.N, Data: p.Weight[:p.K*p.N]}
	c := blas32.General{Rows: p.M, Cols: p.N, Stride: p.N, Data: p.Out[:p.M*p.N]}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, w, 0, c)
	return nil
}
