package attention_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-pager/internal/attention"
	"github.com/23skdu/longbow-pager/internal/blocktable"
	"github.com/23skdu/longbow-pager/internal/config"
	"github.com/23skdu/longbow-pager/internal/cpu"
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kvcache"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/metadata"
)

const tol = 3e-3

type fixture struct {
	opts attention.Options
	w    attention.Weights
	mla  *attention.MLA
	pool *kvcache.Pool
	r    *rand.Rand
}

func newFixture(t *testing.T, seed int64) *fixture {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	opts := attention.Options{
		NumHeads:      2,
		KVLoraRank:    6,
		QKNopeHeadDim: 4,
		QKRopeHeadDim: 2,
		VHeadDim:      3,
		Scale:         0.4,
		NumKVSplits:   3,
	}
	w := attention.Weights{
		KVBProj: randSlice(r, 6*2*(4+3), 0.5),
		OProj:   randSlice(r, 2*3*5, 0.5),
		Hidden:  5,
	}
	mla, err := attention.NewMLA(opts, w, cpu.New(2))
	require.NoError(t, err)

	l, err := layout.NewLatent(64, 1, opts.KVLoraRank, opts.QKRopeHeadDim)
	require.NoError(t, err)
	return &fixture{opts: opts, w: w, mla: mla, pool: kvcache.NewPool(l), r: r}
}

func randSlice(r *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (r.Float32()*2 - 1) * scale
	}
	return out
}

func half(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float16.Fromfloat32(v).Float32()
	}
	return out
}

// reference expands every visible latent row into full per-head keys and
// values and runs a plain softmax, then projects to the hidden size.
func (f *fixture) reference(q []float32, latents [][]float32) []float32 {
	o := f.opts
	rank, nope, rope, v := o.KVLoraRank, o.QKNopeHeadDim, o.QKRopeHeadDim, o.VHeadDim
	qk := nope + rope
	cols := o.NumHeads * (nope + v)
	attn := make([]float64, o.NumHeads*v)
	for h := 0; h < o.NumHeads; h++ {
		qh := q[h*qk : (h+1)*qk]
		scores := make([]float64, len(latents))
		values := make([][]float64, len(latents))
		maxScore := math.Inf(-1)
		for t, c := range latents {
			key := make([]float64, qk)
			values[t] = make([]float64, v)
			for r := 0; r < rank; r++ {
				row := f.w.KVBProj[r*cols+h*(nope+v):]
				for j := 0; j < nope; j++ {
					key[j] += float64(c[r]) * float64(row[j])
				}
				for j := 0; j < v; j++ {
					values[t][j] += float64(c[r]) * float64(row[nope+j])
				}
			}
			for j := 0; j < rope; j++ {
				key[nope+j] = float64(c[rank+j])
			}
			for j := range key {
				scores[t] += float64(qh[j]) * key[j]
			}
			scores[t] *= float64(o.Scale)
			maxScore = math.Max(maxScore, scores[t])
		}
		var sum float64
		for t := range scores {
			scores[t] = math.Exp(scores[t] - maxScore)
			sum += scores[t]
		}
		for t := range scores {
			for j := 0; j < v; j++ {
				attn[h*v+j] += scores[t] / sum * values[t][j]
			}
		}
	}
	out := make([]float32, f.w.Hidden)
	for i := range attn {
		for j := range out {
			out[j] += float32(attn[i]) * f.w.OProj[i*f.w.Hidden+j]
		}
	}
	return out
}

func (f *fixture) latent() []float32 {
	return randSlice(f.r, f.opts.KVLoraRank+f.opts.QKRopeHeadDim, 1)
}

// seed writes n cached latents on pages and returns them as stored.
func (f *fixture) seed(t *testing.T, pages []int32, n int) [][]float32 {
	t.Helper()
	var rows [][]float32
	for pos := 0; pos < n; pos++ {
		row := f.latent()
		require.NoError(t, f.pool.Write(0, int64(pages[pos]), row))
		rows = append(rows, half(row))
	}
	return rows
}

func pageRange(lo, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(lo + i)
	}
	return out
}

func TestNewMLARejectsUnsupportedFeatures(t *testing.T) {
	f := newFixture(t, 1)
	tests := []struct {
		name   string
		mutate func(o *attention.Options)
	}{
		{"alibi", func(o *attention.Options) { o.AlibiSlopes = []float32{1} }},
		{"sliding window", func(o *attention.Options) { o.SlidingWindow = 64 }},
		{"block sparse", func(o *attention.Options) { o.BlockSparse = true }},
		{"soft cap", func(o *attention.Options) { o.LogitsSoftCap = 30 }},
		{"short kv_b_proj", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, w := f.opts, f.w
			if tt.mutate != nil {
				tt.mutate(&opts)
			} else {
				w.KVBProj = w.KVBProj[:3]
			}
			_, err := attention.NewMLA(opts, w, cpu.New(1))
			assert.True(t, errors.Is(err, fault.ErrConfig), "got %v", err)
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SlidingWindow = 16
	opts := attention.OptionsFromConfig(&cfg)
	assert.Equal(t, cfg.NumKVSplits, opts.NumKVSplits)
	assert.Equal(t, cfg.SoftmaxScale(), opts.Scale)

	_, err := attention.NewMLA(opts, attention.Weights{}, cpu.New(1))
	assert.True(t, errors.Is(err, fault.ErrConfig))
}

func TestForwardDecodeMatchesReference(t *testing.T) {
	f := newFixture(t, 2)
	ctxLens := []int{7, 1, 12}
	var seqs []blocktable.SequenceDescriptor
	var cached [][][]float32
	next := 0
	for i, ctx := range ctxLens {
		pages := pageRange(next, ctx+1)
		next += ctx + 1
		cached = append(cached, f.seed(t, pages, ctx))
		seqs = append(seqs, blocktable.SequenceDescriptor{
			ID: uint64(i), ContextLen: ctx, QueryLen: 1, SeqLen: ctx + 1, PageList: pages,
		})
	}
	// Two replay rows ride along and must not disturb the live ones.
	meta, err := metadata.Build(metadata.Options{Kind: layout.KindLatent, PageSize: 1}, seqs, 2, 5)
	require.NoError(t, err)

	h, qk := f.opts.NumHeads, f.opts.QKNopeHeadDim+f.opts.QKRopeHeadDim
	rank, rope := f.opts.KVLoraRank, f.opts.QKRopeHeadDim
	q := randSlice(f.r, meta.BatchSize*h*qk, 1)
	kvC := randSlice(f.r, meta.BatchSize*rank, 1)
	kPe := randSlice(f.r, meta.BatchSize*rope, 1)

	out, err := f.mla.Forward(q, kvC, kPe, f.pool, meta)
	require.NoError(t, err)
	require.Len(t, out, meta.BatchSize*f.w.Hidden)

	for i := range seqs {
		newRow := append(append([]float32{}, kvC[i*rank:(i+1)*rank]...), kPe[i*rope:(i+1)*rope]...)
		latents := append(append([][]float32{}, cached[i]...), half(newRow))
		want := f.reference(q[i*h*qk:(i+1)*h*qk], latents)
		assert.InDeltaSlice(t, want, out[i*f.w.Hidden:(i+1)*f.w.Hidden], tol, "row %d", i)
	}
	for i := len(seqs); i < meta.BatchSize; i++ {
		assert.InDeltaSlice(t, make([]float32, f.w.Hidden), out[i*f.w.Hidden:(i+1)*f.w.Hidden], 1e-6, "padding row %d", i)
	}
}

func TestChunkedPrefillMatchesSinglePass(t *testing.T) {
	for _, workspace := range []int{0, 3, 7} {
		f := newFixture(t, 3)
		ctxLens := []int{9, 0, 4}
		queryLens := []int{3, 2, 1}
		var seqs []blocktable.SequenceDescriptor
		var cached [][][]float32
		next := 0
		for i := range ctxLens {
			n := ctxLens[i] + queryLens[i]
			pages := pageRange(next, n)
			next += n
			cached = append(cached, f.seed(t, pages, ctxLens[i]))
			seqs = append(seqs, blocktable.SequenceDescriptor{
				ID: uint64(i), IsPrompt: true,
				ContextLen: ctxLens[i], QueryLen: queryLens[i], SeqLen: n, PageList: pages,
			})
		}
		opts := metadata.Options{Kind: layout.KindLatent, PageSize: 1, WorkspaceTokens: workspace}
		meta, err := metadata.Build(opts, seqs, -1, 0)
		require.NoError(t, err)
		// One page per prefill with context per chunk when the workspace holds 3 tokens.
		if workspace == 3 {
			require.Len(t, meta.ContextChunks, 9)
		}

		tokens := meta.NumPrefillTokens
		h, qk := f.opts.NumHeads, f.opts.QKNopeHeadDim+f.opts.QKRopeHeadDim
		rank, rope := f.opts.KVLoraRank, f.opts.QKRopeHeadDim
		q := randSlice(f.r, tokens*h*qk, 1)
		kvC := randSlice(f.r, tokens*rank, 1)
		kPe := randSlice(f.r, tokens*rope, 1)

		out, err := f.mla.Forward(q, kvC, kPe, f.pool, meta)
		require.NoError(t, err)

		tok := 0
		for i := range seqs {
			visible := append([][]float32{}, cached[i]...)
			for j := 0; j < queryLens[i]; j++ {
				row := append(append([]float32{}, kvC[tok*rank:(tok+1)*rank]...), kPe[tok*rope:(tok+1)*rope]...)
				visible = append(visible, row)
				want := f.reference(q[tok*h*qk:(tok+1)*h*qk], visible)
				assert.InDeltaSlice(t, want, out[tok*f.w.Hidden:(tok+1)*f.w.Hidden], tol,
					"workspace %d seq %d token %d", workspace, i, j)
				tok++
			}
		}
	}
}

func TestMixedBatchForward(t *testing.T) {
	f := newFixture(t, 4)
	prefillPages, decodePages := pageRange(0, 8), pageRange(8, 5)
	preCtx := f.seed(t, prefillPages, 5)
	decCtx := f.seed(t, decodePages, 4)
	seqs := []blocktable.SequenceDescriptor{
		{ID: 1, IsPrompt: true, ContextLen: 5, QueryLen: 3, SeqLen: 8, PageList: prefillPages},
		{ID: 2, ContextLen: 4, QueryLen: 1, SeqLen: 5, PageList: decodePages},
	}
	meta, err := metadata.Build(metadata.Options{Kind: layout.KindLatent, PageSize: 1, WorkspaceTokens: 2}, seqs, -1, 0)
	require.NoError(t, err)

	h, qk := f.opts.NumHeads, f.opts.QKNopeHeadDim+f.opts.QKRopeHeadDim
	rank, rope := f.opts.KVLoraRank, f.opts.QKRopeHeadDim
	q := randSlice(f.r, 4*h*qk, 1)
	kvC := randSlice(f.r, 4*rank, 1)
	kPe := randSlice(f.r, 4*rope, 1)

	out, err := f.mla.Forward(q, kvC, kPe, f.pool, meta)
	require.NoError(t, err)
	require.Len(t, out, 4*f.w.Hidden)

	latentAt := func(tok int) []float32 {
		return append(append([]float32{}, kvC[tok*rank:(tok+1)*rank]...), kPe[tok*rope:(tok+1)*rope]...)
	}
	visible := append([][]float32{}, preCtx...)
	for tok := 0; tok < 3; tok++ {
		visible = append(visible, latentAt(tok))
		want := f.reference(q[tok*h*qk:(tok+1)*h*qk], visible)
		assert.InDeltaSlice(t, want, out[tok*f.w.Hidden:(tok+1)*f.w.Hidden], tol, "prefill token %d", tok)
	}
	decVisible := append(append([][]float32{}, decCtx...), half(latentAt(3)))
	want := f.reference(q[3*h*qk:], decVisible)
	assert.InDeltaSlice(t, want, out[3*f.w.Hidden:], tol, "decode row")
}

func TestPrefillRequiresContextChunks(t *testing.T) {
	f := newFixture(t, 5)
	pages := pageRange(0, 6)
	f.seed(t, pages, 4)
	seqs := []blocktable.SequenceDescriptor{
		{ID: 1, IsPrompt: true, ContextLen: 4, QueryLen: 2, SeqLen: 6, PageList: pages},
	}
	meta, err := metadata.Build(metadata.Options{Kind: layout.KindLatent, PageSize: 1}, seqs, -1, 0)
	require.NoError(t, err)
	meta.ContextChunks = nil

	h, qk := f.opts.NumHeads, f.opts.QKNopeHeadDim+f.opts.QKRopeHeadDim
	_, err = f.mla.ForwardPrefill(make([]float32, 2*h*qk), make([]float32, 2*6), make([]float32, 2*2), f.pool, meta.PrefillView())
	assert.True(t, errors.Is(err, fault.ErrPrecondition), "got %v", err)
}

func TestDecodeRejectsSplitPool(t *testing.T) {
	f := newFixture(t, 6)
	l, _ := layout.NewSplit(4, 1, 1, 8)
	seqs := []blocktable.SequenceDescriptor{{ID: 1, ContextLen: 0, QueryLen: 1, SeqLen: 1, PageList: []int32{0}}}
	meta, err := metadata.Build(metadata.Options{Kind: layout.KindLatent, PageSize: 1}, seqs, -1, 0)
	require.NoError(t, err)
	_, err = f.mla.ForwardDecode(make([]float32, 8), make([]float32, 4), kvcache.NewPool(l), meta)
	assert.True(t, errors.Is(err, fault.ErrPrecondition), "got %v", err)
}

func TestForwardRejectsShortQuery(t *testing.T) {
	f := newFixture(t, 7)
	seqs := []blocktable.SequenceDescriptor{
		{ID: 1, ContextLen: 2, QueryLen: 1, SeqLen: 3, PageList: pageRange(0, 3)},
	}
	meta, err := metadata.Build(metadata.Options{Kind: layout.KindLatent, PageSize: 1}, seqs, 2, 3)
	require.NoError(t, err)
	require.Len(t, meta.SlotMapping, 3)

	h, qk := f.opts.NumHeads, f.opts.QKNopeHeadDim+f.opts.QKRopeHeadDim
	rank, rope := f.opts.KVLoraRank, f.opts.QKRopeHeadDim
	_, err = f.mla.Forward(make([]float32, h*qk), make([]float32, 3*rank), make([]float32, 3*rope), f.pool, meta)
	assert.True(t, errors.Is(err, fault.ErrPrecondition), "got %v", err)
}
