// Package engine drives one step of latent attention across every layer:
// it builds the step's metadata, stores new latents into each layer's page
// pool and runs prefill and decode attention, directly or through a captured
// replay graph.
package engine

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-pager/internal/attention"
	"github.com/23skdu/longbow-pager/internal/blocktable"
	"github.com/23skdu/longbow-pager/internal/config"
	"github.com/23skdu/longbow-pager/internal/device"
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kernel"
	"github.com/23skdu/longbow-pager/internal/kvcache"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/logger"
	"github.com/23skdu/longbow-pager/internal/metadata"
	"github.com/23skdu/longbow-pager/internal/metrics"
	"github.com/23skdu/longbow-pager/internal/replay"
)

// LayerInput is one layer's projected activations for the step's tokens.
type LayerInput struct {
	Q   []float32 // [T, H, qk]
	KVC []float32 // [T, rank]
	KPe []float32 // [T, rope]
}

// Runner is not safe for concurrent use.
type Runner struct {
	cfg config.Config
	k   kernel.Kernels
	log *logger.Logger

	layers  []*attention.MLA
	pools   []*kvcache.Pool
	alloc   *kvcache.Allocator
	builder *metadata.Builder

	devCtx *device.Context
	stream *device.Stream
	replay *replay.Manager
}

// NewRunner validates cfg and sets up one latent page pool and one attention
// layer per entry of weights.
func NewRunner(cfg config.Config, k kernel.Kernels, weights []attention.Weights) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(weights) != cfg.Layers {
		return nil, fault.Configf("%d weight sets for %d layers", len(weights), cfg.Layers)
	}
	l, err := layout.NewLatent(cfg.NumPages, cfg.PageSize, cfg.KVLoraRank, cfg.QKRopeHeadDim)
	if err != nil {
		return nil, err
	}
	b, err := metadata.NewBuilder(metadata.Options{
		Kind:            layout.KindLatent,
		PageSize:        cfg.PageSize,
		SlidingWindow:   cfg.SlidingWindow,
		WorkspaceTokens: workspace(cfg),
	})
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:     cfg,
		k:       k,
		log:     logger.Component("engine"),
		alloc:   kvcache.NewAllocator(cfg.NumPages),
		builder: b,
		devCtx:  device.NewContext(),
		stream:  device.NewStream("engine"),
	}
	opts := attention.OptionsFromConfig(&cfg)
	for i, w := range weights {
		mla, err := attention.NewMLA(opts, w, k)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		r.layers = append(r.layers, mla)
		r.pools = append(r.pools, kvcache.NewPool(l))
	}
	r.replay = replay.NewManager(r.devCtx, r.stream, cfg.PageSize, cfg.NumPages)

	r.log.Info("runner ready",
		"layers", cfg.Layers,
		"pages", cfg.NumPages,
		"cache", humanize.IBytes(uint64(cfg.CacheBytes())))
	return r, nil
}

// workspace disables context chunking when chunked prefill is off.
func workspace(cfg config.Config) int {
	if !cfg.ChunkedPrefill {
		return 0
	}
	return cfg.ContextWorkspaceTokens
}

func (r *Runner) Config() config.Config { return r.cfg }

// Allocator hands out page ids shared by every layer's pool.
func (r *Runner) Allocator() *kvcache.Allocator { return r.alloc }

func (r *Runner) Pool(layer int) *kvcache.Pool { return r.pools[layer] }

func (r *Runner) Replay() *replay.Manager { return r.replay }

// Build assembles step metadata without replay padding.
func (r *Runner) Build(seqs []blocktable.SequenceDescriptor) (*metadata.Metadata, error) {
	return r.build(seqs, false, -1, 0)
}

// BuildProfile assembles a dry-run step whose slots are all PadSlot.
func (r *Runner) BuildProfile(seqs []blocktable.SequenceDescriptor) (*metadata.Metadata, error) {
	return r.build(seqs, true, -1, 0)
}

// BuildReplay assembles a decode step padded to the smallest captured graph
// that fits it.
func (r *Runner) BuildReplay(seqs []blocktable.SequenceDescriptor) (*metadata.Metadata, *replay.Graph, error) {
	bs, ok := r.replay.PaddedSize(len(seqs))
	if !ok {
		return nil, nil, fault.Capacityf("no captured graph fits %d rows", len(seqs))
	}
	g, _ := r.replay.Graph(bs)
	meta, err := r.build(seqs, false, bs-len(seqs), bs)
	if err != nil {
		return nil, nil, err
	}
	return meta, g, nil
}

func (r *Runner) build(seqs []blocktable.SequenceDescriptor, profiling bool, padCount, batchSize int) (*metadata.Metadata, error) {
	r.builder.Prepare()
	for i := range seqs {
		if err := r.builder.Add(&seqs[i], profiling); err != nil {
			r.builder.Prepare()
			metrics.RecordValidationError("build_metadata", fault.Kind(err))
			return nil, err
		}
	}
	meta, err := r.builder.Build(padCount, batchSize)
	if err != nil {
		r.builder.Prepare()
		metrics.RecordValidationError("build_metadata", fault.Kind(err))
		return nil, err
	}
	return meta, nil
}

// Capture records a replay graph for each configured batch size.
func (r *Runner) Capture() error {
	if r.cfg.MaxReplayBatchSize == 0 {
		return fault.Preconditionf("replay disabled: max replay batch size is 0")
	}
	if err := r.replay.BeginCapture(r.cfg.MaxReplayBatchSize); err != nil {
		return err
	}
	for _, bs := range r.cfg.ReplayBatchSizes {
		if _, err := r.replay.Capture(bs); err != nil {
			_ = r.replay.EndCapture()
			return err
		}
	}
	return r.replay.EndCapture()
}

// Step builds metadata for seqs and runs every layer on it. in holds one
// entry per layer; outputs are [T, Hidden] per layer.
func (r *Runner) Step(seqs []blocktable.SequenceDescriptor, in []LayerInput) (*metadata.Metadata, [][]float32, error) {
	meta, err := r.Build(seqs)
	if err != nil {
		return nil, nil, err
	}
	out, err := r.Run(meta, in)
	if err != nil {
		return nil, nil, err
	}
	return meta, out, nil
}

// StepReplay copies meta into g's buffers, waits for the copies and runs
// every layer on the graph's view. in must cover g's padded batch.
func (r *Runner) StepReplay(g *replay.Graph, meta *metadata.Metadata, in []LayerInput) ([][]float32, error) {
	if err := g.Prepare(meta); err != nil {
		return nil, err
	}
	r.stream.Synchronize()
	return r.Run(g.Metadata(), in)
}

// Run executes every layer on prebuilt metadata.
func (r *Runner) Run(meta *metadata.Metadata, in []LayerInput) ([][]float32, error) {
	if len(in) != len(r.layers) {
		return nil, fault.Preconditionf("%d layer inputs for %d layers", len(in), len(r.layers))
	}
	out := make([][]float32, len(r.layers))
	for i, mla := range r.layers {
		start := time.Now()
		o, err := mla.Forward(in[i].Q, in[i].KVC, in[i].KPe, r.pools[i], meta)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		metrics.RecordKernelDuration("mla_forward", time.Since(start))
		out[i] = o
	}
	r.log.Debug("step done",
		"seqs", meta.NumSeqs,
		"batch_size", meta.BatchSize,
		"prefills", meta.NumPrefills,
		"replay", meta.UseReplay)
	return out, nil
}

// Close releases capture buffers and kernel scratch.
func (r *Runner) Close() error {
	r.replay.Close()
	if f, ok := r.k.(interface{ Free() }); ok {
		f.Free()
	}
	r.log.Debug("runner closed", "device_bytes", humanize.IBytes(uint64(r.devCtx.Allocated())))
	return nil
}
