package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-pager/internal/kernel"
	"github.com/23skdu/longbow-pager/internal/kvcache"
	"github.com/23skdu/longbow-pager/internal/layout"
)

const tol = 2e-3

func randSlice(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()*2 - 1
	}
	return out
}

// roundHalf mirrors the cache's fp16 storage.
func roundHalf(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float16.Fromfloat32(v).Float32()
	}
	return out
}

// denseAttend is a single-pass softmax reference.
func denseAttend(q []float32, keys, values [][]float32, scale float32) ([]float32, float32) {
	out := make([]float32, len(values[0]))
	scores := make([]float64, len(keys))
	maxScore := math.Inf(-1)
	for i, k := range keys {
		var s float64
		for j := range q {
			s += float64(q[j]) * float64(k[j])
		}
		scores[i] = s * float64(scale)
		maxScore = math.Max(maxScore, scores[i])
	}
	var sum float64
	for i := range scores {
		scores[i] = math.Exp(scores[i] - maxScore)
		sum += scores[i]
	}
	for i, v := range values {
		for j := range out {
			out[j] += float32(scores[i]/sum) * v[j]
		}
	}
	return out, float32(maxScore + math.Log(sum))
}

func assertClose(t *testing.T, label string, got, want []float32) {
	t.Helper()
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("%s[%d] = %v, want %v", label, i, got[i], want[i])
		}
	}
}

func TestScratchReuse(t *testing.T) {
	k := New(2)
	defer k.Free()

	a := k.getScratch(64)
	a[0] = 3
	k.putScratch(a)
	b := k.getScratch(64)
	if &a[0] != &b[0] {
		t.Error("released buffer was not reused")
	}
	if b[0] != 0 {
		t.Error("reused buffer was not cleared")
	}
	if AllocatedBytes() < 256 {
		t.Errorf("AllocatedBytes() = %d", AllocatedBytes())
	}
}

func TestWriteCacheSkipsPadSlots(t *testing.T) {
	l, _ := layout.NewLatent(4, 1, 3, 1)
	pool := kvcache.NewPool(l)
	k := New(1)

	keys := []float32{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	err := k.WriteCache(pool, kernel.WriteParams{Keys: keys, SlotMapping: []int64{2, layout.PadSlot, 0}})
	if err != nil {
		t.Fatalf("WriteCache: %v", err)
	}
	row := make([]float32, 4)
	_ = pool.Read(0, 2, row)
	if row[0] != 1 {
		t.Errorf("slot 2 = %v", row)
	}
	_ = pool.Read(0, 0, row)
	if row[0] != 3 {
		t.Errorf("slot 0 = %v", row)
	}
	_ = pool.Read(0, 1, row)
	if row[0] != 0 {
		t.Errorf("untouched slot 1 = %v", row)
	}
}

func TestDecodeAttendLatent(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	const (
		rank, rope = 6, 2
		width      = rank + rope
		heads      = 3
	)
	seqLens := []int{5, 1, 0, 11}
	l, _ := layout.NewLatent(32, 1, rank, rope)
	pool := kvcache.NewPool(l)
	k := New(3)

	var ptr = []int32{0}
	var index, last []int32
	rows := map[int][][]float32{}
	next := int32(0)
	for b, n := range seqLens {
		for i := 0; i < n; i++ {
			row := randSlice(r, width)
			if err := pool.Write(0, int64(next), row); err != nil {
				t.Fatal(err)
			}
			rows[b] = append(rows[b], roundHalf(row))
			index = append(index, next)
			next++
		}
		ptr = append(ptr, ptr[len(ptr)-1]+int32(n))
		last = append(last, int32(min(n, 1)))
	}

	q := randSlice(r, len(seqLens)*heads*width)
	for _, splits := range []int{1, 4, 16} {
		out := make([]float32, len(seqLens)*heads*rank)
		err := k.DecodeAttend(pool, kernel.DecodeParams{
			Query: q, NumSeqs: len(seqLens), NumHeads: heads, QKDim: width, VDim: rank,
			PageIndex: index, PagePointer: ptr, LastPageLength: last,
			Scale: 0.4, NumSplits: splits,
			Logits: make([]float32, len(seqLens)*heads*splits*(rank+1)),
			Out:    out,
		})
		if err != nil {
			t.Fatalf("DecodeAttend(splits=%d): %v", splits, err)
		}
		for b, n := range seqLens {
			for h := 0; h < heads; h++ {
				got := out[(b*heads+h)*rank : (b*heads+h+1)*rank]
				if n == 0 {
					assertClose(t, "empty", got, make([]float32, rank))
					continue
				}
				values := make([][]float32, n)
				for i, row := range rows[b] {
					values[i] = row[:rank]
				}
				want, _ := denseAttend(q[(b*heads+h)*width:(b*heads+h+1)*width], rows[b], values, 0.4)
				assertClose(t, "latent decode", got, want)
			}
		}
	}
}

func TestDecodeAttendSplitGQA(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	const (
		pageSize = 4
		kvHeads  = 2
		headDim  = 4
		heads    = 4
	)
	l, _ := layout.NewSplit(8, pageSize, kvHeads, headDim)
	pool := kvcache.NewPool(l)
	k := New(2)

	// One sequence of 6 tokens on pages 5 and 2.
	pages := []int32{5, 2}
	var kRows, vRows [][]float32
	for pos := 0; pos < 6; pos++ {
		kr, vr := randSlice(r, kvHeads*headDim), randSlice(r, kvHeads*headDim)
		slot := l.Slot(pages[pos/pageSize], pos%pageSize)
		err := k.WriteCache(pool, kernel.WriteParams{Keys: kr, Values: vr, SlotMapping: []int64{slot}})
		if err != nil {
			t.Fatal(err)
		}
		kRows = append(kRows, roundHalf(kr))
		vRows = append(vRows, roundHalf(vr))
	}

	q := randSlice(r, heads*headDim)
	out := make([]float32, heads*headDim)
	err := k.DecodeAttend(pool, kernel.DecodeParams{
		Query: q, NumSeqs: 1, NumHeads: heads, QKDim: headDim, VDim: headDim,
		PageIndex: pages, PagePointer: []int32{0, 2}, LastPageLength: []int32{2},
		Scale: 0.5, NumSplits: 4,
		Logits: make([]float32, heads*4*(headDim+1)),
		Out:    out,
	})
	if err != nil {
		t.Fatalf("DecodeAttend: %v", err)
	}
	for h := 0; h < heads; h++ {
		kvh := h / (heads / kvHeads)
		keys := make([][]float32, 6)
		values := make([][]float32, 6)
		for i := range keys {
			keys[i] = kRows[i][kvh*headDim : (kvh+1)*headDim]
			values[i] = vRows[i][kvh*headDim : (kvh+1)*headDim]
		}
		want, _ := denseAttend(q[h*headDim:(h+1)*headDim], keys, values, 0.5)
		assertClose(t, "gqa decode", out[h*headDim:(h+1)*headDim], want)
	}
}

func TestDecodeAttendRejectsBadPage(t *testing.T) {
	l, _ := layout.NewLatent(2, 1, 2, 0)
	pool := kvcache.NewPool(l)
	err := New(1).DecodeAttend(pool, kernel.DecodeParams{
		Query: make([]float32, 2), NumSeqs: 1, NumHeads: 1, QKDim: 2, VDim: 2,
		PageIndex: []int32{7}, PagePointer: []int32{0, 1}, LastPageLength: []int32{1},
		Scale: 1, NumSplits: 1, Logits: make([]float32, 3), Out: make([]float32, 2),
	})
	if err == nil {
		t.Fatal("expected error for page outside pool")
	}
}

func TestFlashAttendCausal(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	const heads, dim, vdim = 2, 4, 3
	cuQ := []int32{0, 3, 4}
	cuK := []int32{0, 5, 6}
	q := randSlice(r, 4*heads*dim)
	kk := randSlice(r, 6*heads*dim)
	v := randSlice(r, 6*heads*vdim)
	out := make([]float32, 4*heads*vdim)
	lse := make([]float32, 4*heads)

	err := New(2).FlashAttend(kernel.FlashParams{
		Q: q, K: kk, V: v, NumHeads: heads, HeadDim: dim, VDim: vdim,
		CuSeqLensQ: cuQ, CuSeqLensK: cuK, Scale: 0.7, Causal: true,
		Out: out, LSE: lse,
	})
	if err != nil {
		t.Fatalf("FlashAttend: %v", err)
	}

	for b := 0; b < 2; b++ {
		nq, nk := int(cuQ[b+1]-cuQ[b]), int(cuK[b+1]-cuK[b])
		for i := 0; i < nq; i++ {
			visible := nk - nq + i + 1
			for h := 0; h < heads; h++ {
				var keys, values [][]float32
				for t := 0; t < visible; t++ {
					kr := ((int(cuK[b])+t)*heads + h)
					keys = append(keys, kk[kr*dim:(kr+1)*dim])
					values = append(values, v[kr*vdim:(kr+1)*vdim])
				}
				row := (int(cuQ[b])+i)*heads + h
				want, wantLSE := denseAttend(q[row*dim:(row+1)*dim], keys, values, 0.7)
				assertClose(t, "flash", out[row*vdim:(row+1)*vdim], want)
				if math.Abs(float64(lse[row]-wantLSE)) > tol {
					t.Errorf("lse[%d] = %v, want %v", row, lse[row], wantLSE)
				}
			}
		}
	}
}

func TestProject(t *testing.T) {
	in := []float32{1, 2, 3, 4, 5, 6} // 2x3
	w := []float32{1, 0, 0, 1, 1, 1}  // 3x2
	out := make([]float32, 4)

	k := New(1)
	if err := k.Project(kernel.ProjectParams{Input: in, Weight: w, M: 2, K: 3, N: 2, Out: out}); err != nil {
		t.Fatalf("Project: %v", err)
	}
	want := []float32{4, 5, 10, 11}
	assertClose(t, "project", out, want)

	if err := k.Project(kernel.ProjectParams{Input: in, Weight: w[:4], M: 2, K: 3, N: 2, Out: out}); err == nil {
		t.Error("expected error for short weight")
	}
}

func TestGatherPages(t *testing.T) {
	l, _ := layout.NewSplit(6, 2, 1, 2)
	pool := kvcache.NewPool(l)
	k := New(1)
	for slot := int64(0); slot < 12; slot++ {
		v := float32(slot)
		_ = k.WriteCache(pool, kernel.WriteParams{Keys: []float32{v, v}, Values: []float32{-v, -v}, SlotMapping: []int64{slot}})
	}

	// Sequence 0 on pages [4, 1], sequence 1 on page [3]. Gather positions
	// 1..2 of sequence 0 and 0..1 of sequence 1.
	ws := make([]float32, 4*4)
	err := k.GatherPages(pool, kernel.GatherParams{
		PageIndex:   []int32{4, 1, 3},
		PagePointer: []int32{0, 2, 3},
		CuSeqLens:   []int32{0, 2, 4},
		Starts:      []int32{1, 0},
		Workspace:   ws,
	})
	if err != nil {
		t.Fatalf("GatherPages: %v", err)
	}
	wantKeys := []float32{9, 2, 6, 7}
	for i, want := range wantKeys {
		if ws[i*4] != want || ws[i*4+2] != -want {
			t.Errorf("row %d = %v, want key %v", i, ws[i*4:(i+1)*4], want)
		}
	}

	err = k.GatherPages(pool, kernel.GatherParams{
		PageIndex: []int32{4}, PagePointer: []int32{0, 1}, CuSeqLens: []int32{0, 1}, Starts: []int32{2},
		Workspace: make([]float32, 4),
	})
	if err == nil {
		t.Error("expected error for position past the indexed pages")
	}
}
