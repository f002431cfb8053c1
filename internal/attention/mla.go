package attention

import (
	"strings"

	"github.com/23skdu/longbow-pager/internal/config"
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kernel"
	"github.com/23skdu/longbow-pager/internal/kvcache"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/logger"
	"github.com/23skdu/longbow-pager/internal/metadata"
)

type Options struct {
	NumHeads      int
	KVLoraRank    int
	QKNopeHeadDim int
	QKRopeHeadDim int
	VHeadDim      int
	Scale         float32
	NumKVSplits   int

	// Rejected when set.
	AlibiSlopes   []float32
	SlidingWindow int
	BlockSparse   bool
	LogitsSoftCap float32
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		NumHeads:      cfg.Heads,
		KVLoraRank:    cfg.KVLoraRank,
		QKNopeHeadDim: cfg.QKNopeHeadDim,
		QKRopeHeadDim: cfg.QKRopeHeadDim,
		VHeadDim:      cfg.VHeadDim,
		Scale:         cfg.SoftmaxScale(),
		NumKVSplits:   cfg.NumKVSplits,
		AlibiSlopes:   cfg.AlibiSlopes,
		SlidingWindow: cfg.SlidingWindow,
		BlockSparse:   cfg.BlockSparse,
		LogitsSoftCap: cfg.LogitsSoftCap,
	}
}

func (o *Options) qkDim() int { return o.QKNopeHeadDim + o.QKRopeHeadDim }

func (o *Options) latentWidth() int { return o.KVLoraRank + o.QKRopeHeadDim }

func (o *Options) unsupported() []string {
	var out []string
	if len(o.AlibiSlopes) > 0 {
		out = append(out, "alibi_slopes")
	}
	if o.SlidingWindow > 0 {
		out = append(out, "sliding_window")
	}
	if o.BlockSparse {
		out = append(out, "blocksparse_params")
	}
	if o.LogitsSoftCap != 0 {
		out = append(out, "logits_soft_cap")
	}
	return out
}

// Weights are the learned projections around latent attention.
type Weights struct {
	// KVBProj maps a latent row to per-head content keys and values:
	// [KVLoraRank, NumHeads*(QKNopeHeadDim+VHeadDim)], key part first per head.
	KVBProj []float32
	// OProj maps concatenated head outputs to the hidden size:
	// [NumHeads*VHeadDim, Hidden].
	OProj  []float32
	Hidden int
}

// MLA is one layer's latent attention.
type MLA struct {
	opts    Options
	weights Weights
	k       kernel.Kernels

	// Per head, split out of KVBProj once.
	wUKT [][]float32 // [QKNopeHeadDim, KVLoraRank]
	wUV  [][]float32 // [KVLoraRank, VHeadDim]
}

func NewMLA(opts Options, w Weights, k kernel.Kernels) (*MLA, error) {
	if feats := opts.unsupported(); len(feats) > 0 {
		return nil, fault.Configf("latent attention does not support: %s", strings.Join(feats, ", "))
	}
	if opts.NumHeads <= 0 || opts.KVLoraRank <= 0 || opts.QKNopeHeadDim <= 0 || opts.QKRopeHeadDim < 0 || opts.VHeadDim <= 0 {
		return nil, fault.Configf("invalid geometry: heads=%d rank=%d nope=%d rope=%d v=%d",
			opts.NumHeads, opts.KVLoraRank, opts.QKNopeHeadDim, opts.QKRopeHeadDim, opts.VHeadDim)
	}
	if opts.VHeadDim > opts.qkDim() {
		return nil, fault.Configf("v head dim %d exceeds qk head dim %d", opts.VHeadDim, opts.qkDim())
	}
	if opts.NumKVSplits <= 0 {
		return nil, fault.Configf("invalid num_kv_splits %d", opts.NumKVSplits)
	}
	if opts.Scale <= 0 {
		return nil, fault.Configf("invalid softmax scale %f", opts.Scale)
	}
	cols := opts.NumHeads * (opts.QKNopeHeadDim + opts.VHeadDim)
	if len(w.KVBProj) != opts.KVLoraRank*cols {
		return nil, fault.Configf("kv_b_proj holds %d values, want %dx%d", len(w.KVBProj), opts.KVLoraRank, cols)
	}
	if w.Hidden <= 0 || len(w.OProj) != opts.NumHeads*opts.VHeadDim*w.Hidden {
		return nil, fault.Configf("o_proj holds %d values, want %dx%d", len(w.OProj), opts.NumHeads*opts.VHeadDim, w.Hidden)
	}

	m := &MLA{opts: opts, weights: w, k: k}
	rank, nope, v := opts.KVLoraRank, opts.QKNopeHeadDim, opts.VHeadDim
	for h := 0; h < opts.NumHeads; h++ {
		base := h * (nope + v)
		ukt := make([]float32, nope*rank)
		uv := make([]float32, rank*v)
		for r := 0; r < rank; r++ {
			row := w.KVBProj[r*cols:]
			for j := 0; j < nope; j++ {
				ukt[j*rank+r] = row[base+j]
			}
			copy(uv[r*v:(r+1)*v], row[base+nope:base+nope+v])
		}
		m.wUKT = append(m.wUKT, ukt)
		m.wUV = append(m.wUV, uv)
	}

	logger.Log.Debug("latent attention ready",
		"heads", opts.NumHeads,
		"rank", rank,
		"qk_dim", opts.qkDim(),
		"v_dim", v,
		"splits", opts.NumKVSplits)
	return m, nil
}

func (m *MLA) Options() Options { return m.opts }

func (m *MLA) project(in []float32, rows, k int, w []float32, n int) ([]float32, error) {
	out := make([]float32, rows*n)
	err := m.k.Project(kernel.ProjectParams{Input: in, Weight: w, M: rows, K: k, N: n, Out: out})
	return out, err
}

func (m *MLA) checkPool(pool *kvcache.Pool) error {
	l := pool.Layout()
	if l.Kind != layout.KindLatent || pool.Width() != m.opts.latentWidth() {
		return fault.Preconditionf("%s pool of width %d for latent rows of %d", l.Kind, pool.Width(), m.opts.latentWidth())
	}
	return nil
}

// StoreLatent writes each new token's latent row kvC [T, rank] with its
// positional key kPe [T, rope] into the slot meta assigns it.
func (m *MLA) StoreLatent(kvC, kPe []float32, pool *kvcache.Pool, meta *metadata.Metadata) error {
	if err := m.checkPool(pool); err != nil {
		return err
	}
	rank, rope := m.opts.KVLoraRank, m.opts.QKRopeHeadDim
	t := len(meta.SlotMapping)
	if len(kvC) < t*rank || len(kPe) < t*rope {
		return fault.Preconditionf("%d slots for %d latent and %d positional values", t, len(kvC), len(kPe))
	}
	width := rank + rope
	rows := make([]float32, t*width)
	for i := 0; i < t; i++ {
		copy(rows[i*width:], kvC[i*rank:(i+1)*rank])
		copy(rows[i*width+rank:], kPe[i*rope:(i+1)*rope])
	}
	return m.k.WriteCache(pool, kernel.WriteParams{Keys: rows, SlotMapping: meta.SlotMapping})
}

// Forward stores the step's latents then runs prefill rows followed by
// decode rows. q is [T, H, qk], kvC [T, rank], kPe [T, rope]; the result is
// [T, Hidden] in token order.
func (m *MLA) Forward(q, kvC, kPe []float32, pool *kvcache.Pool, meta *metadata.Metadata) ([]float32, error) {
	qk, rank, rope := m.opts.qkDim(), m.opts.KVLoraRank, m.opts.QKRopeHeadDim
	h := m.opts.NumHeads
	if t := len(meta.SlotMapping); len(q) < t*h*qk {
		return nil, fault.Preconditionf("%d tokens for %d query values", t, len(q))
	}
	if err := m.StoreLatent(kvC, kPe, pool, meta); err != nil {
		return nil, err
	}
	out := make([]float32, 0, len(meta.SlotMapping)*m.weights.Hidden)

	np := meta.NumPrefillTokens
	if pre := meta.PrefillView(); pre != nil {
		o, err := m.ForwardPrefill(q[:np*h*qk], kvC[:np*rank], kPe[:np*rope], pool, pre)
		if err != nil {
			return nil, err
		}
		out = append(out, o...)
	}
	if dec := meta.DecodeView(); dec != nil {
		qNope, qPe := m.splitQuery(q[np*h*qk:], dec.BatchSize)
		o, err := m.ForwardDecode(qNope, qPe, pool, dec)
		if err != nil {
			return nil, err
		}
		out = append(out, o...)
	}
	return out, nil
}

// splitQuery separates [B, H, qk] into content [B, H, nope] and positional [B, H, rope] parts.
func (m *MLA) splitQuery(q []float32, rows int) ([]float32, []float32) {
	nope, rope := m.opts.QKNopeHeadDim, m.opts.QKRopeHeadDim
	qk := nope + rope
	n := rows * m.opts.NumHeads
	qNope := make([]float32, n*nope)
	qPe := make([]float32, n*rope)
	for i := 0; i < n; i++ {
		copy(qNope[i*nope:], q[i*qk:i*qk+nope])
		copy(qPe[i*rope:], q[i*qk+nope:(i+1)*qk])
	}
	return qNope, qPe
}
