// Package cpu is the host reference implementation of the kernel primitives.
package cpu

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-pager/internal/kernel"
)

var allocatedBytes int64

func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Kernels runs every primitive on the host. Work is split per sequence (or
// per sequence and head) across at most workers goroutines.
type Kernels struct {
	workers int

	mu   sync.Mutex
	pool map[int][][]float32
}

var _ kernel.Kernels = (*Kernels)(nil)

func New(workers int) *Kernels {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Kernels{
		workers: workers,
		pool:    make(map[int][][]float32),
	}
}

// getScratch returns a zeroed buffer of n floats, reusing a released one if possible.
func (k *Kernels) getScratch(n int) []float32 {
	k.mu.Lock()
	bufs := k.pool[n]
	if len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		k.pool[n] = bufs[:len(bufs)-1]
		k.mu.Unlock()
		clear(buf)
		return buf
	}
	k.mu.Unlock()
	atomic.AddInt64(&allocatedBytes, int64(n)*4)
	return make([]float32, n)
}

func (k *Kernels) putScratch(buf []float32) {
	if buf == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pool[len(buf)] = append(k.pool[len(buf)], buf)
}

// Free drops every pooled scratch buffer.
func (k *Kernels) Free() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for n, bufs := range k.pool {
		atomic.AddInt64(&allocatedBytes, -int64(n)*4*int64(len(bufs)))
	}
	k.pool = make(map[int][][]float32)
}

func (k *Kernels) group() *errgroup.Group {
	g := new(errgroup.Group)
	g.SetLimit(k.workers)
	return g
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// attendRange writes the softmax-weighted sum of values for one query and
// returns the log-sum-exp of the scaled scores. scores must hold len(keys).
// An empty range yields zeros and -inf.
func attendRange(out, scores []float32, q []float32, keys, values [][]float32, scale float32) float32 {
	clear(out)
	if len(keys) == 0 {
		return kernel.NegInf
	}
	maxScore := float32(math.Inf(-1))
	for i, key := range keys {
		scores[i] = dot(q, key) * scale
		if scores[i] > maxScore {
			maxScore = scores[i]
		}
	}
	var sum float64
	for i := range keys {
		w := math.Exp(float64(scores[i] - maxScore))
		sum += w
		scores[i] = float32(w)
	}
	inv := float32(1 / sum)
	for i, v := range values {
		w := scores[i] * inv
		for j := range out {
			out[j] += w * v[j]
		}
	}
	return maxScore + float32(math.Log(sum))
}
