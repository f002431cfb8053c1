package main

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-pager/internal/attention"
	"github.com/23skdu/longbow-pager/internal/blocktable"
	"github.com/23skdu/longbow-pager/internal/config"
	"github.com/23skdu/longbow-pager/internal/cpu"
	"github.com/23skdu/longbow-pager/internal/engine"
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/logger"
	"github.com/23skdu/longbow-pager/internal/metadata"
	"github.com/23skdu/longbow-pager/internal/monitoring"
	"github.com/23skdu/longbow-pager/internal/replay"
)

const vocabSize = 32000

type simOptions struct {
	prompts []int
	steps   int
	seed    int64
	workers int
}

// simulation runs one prefill step followed by decode steps on random
// weights and activations.
type simulation struct {
	cfg  config.Config
	opts simOptions
	run  *engine.Runner
	rng  *rand.Rand
	log  *logger.Logger

	onStep func(step int64, meta *metadata.Metadata, took time.Duration) error
}

func newSimulation(cfg config.Config, opts simOptions) (*simulation, error) {
	if len(opts.prompts) == 0 {
		return nil, fault.Configf("no prompts to simulate")
	}
	for _, n := range opts.prompts {
		if n <= 0 {
			return nil, fault.Configf("invalid prompt length %d", n)
		}
	}
	if opts.steps < 0 {
		return nil, fault.Configf("invalid step count %d", opts.steps)
	}
	rng := rand.New(rand.NewSource(opts.seed))
	run, err := engine.NewRunner(cfg, cpu.New(opts.workers), randomWeights(rng, cfg))
	if err != nil {
		return nil, err
	}
	return &simulation{cfg: cfg, opts: opts, run: run, rng: rng, log: logger.Component("simulate")}, nil
}

func (s *simulation) Close() error { return s.run.Close() }

func (s *simulation) cacheInfo() monitoring.CacheInfo {
	return monitoring.CacheInfo{
		Pages:        s.cfg.NumPages,
		FreePages:    s.run.Allocator().Available(),
		CacheBytes:   s.cfg.CacheBytes(),
		ReplayGraphs: s.run.Replay().Graphs(),
		Session:      s.run.Replay().Session(),
	}
}

func randomWeights(r *rand.Rand, cfg config.Config) []attention.Weights {
	ws := make([]attention.Weights, cfg.Layers)
	for i := range ws {
		ws[i] = attention.Weights{
			KVBProj: randomSlice(r, cfg.KVLoraRank*cfg.Heads*(cfg.QKNopeHeadDim+cfg.VHeadDim), cfg.KVLoraRank),
			OProj:   randomSlice(r, cfg.Heads*cfg.VHeadDim*cfg.HiddenDim, cfg.Heads*cfg.VHeadDim),
			Hidden:  cfg.HiddenDim,
		}
	}
	return ws
}

// randomSlice draws n values with variance 1/fanIn.
func randomSlice(r *rand.Rand, n, fanIn int) []float32 {
	std := 1 / math.Sqrt(float64(fanIn))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64() * std)
	}
	return out
}

func (s *simulation) inputs(tokens int) []engine.LayerInput {
	cfg := s.cfg
	in := make([]engine.LayerInput, cfg.Layers)
	for i := range in {
		in[i] = engine.LayerInput{
			Q:   randomSlice(s.rng, tokens*cfg.Heads*cfg.QKHeadDim(), 1),
			KVC: randomSlice(s.rng, tokens*cfg.KVLoraRank, 1),
			KPe: randomSlice(s.rng, tokens*cfg.QKRopeHeadDim, 1),
		}
	}
	return in
}

func (s *simulation) tokens(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(s.rng.Intn(vocabSize))
	}
	return out
}

func (s *simulation) record(step int64, meta *metadata.Metadata, took time.Duration) error {
	s.log.Debug("step",
		"step", step,
		"seqs", meta.NumSeqs,
		"batch_size", meta.BatchSize,
		"replay", meta.UseReplay,
		"took", took)
	if s.onStep == nil {
		return nil
	}
	return s.onStep(step, meta, took)
}

// Run executes the prefill step and then opts.steps decode steps, replaying
// a captured graph when one fits the batch.
func (s *simulation) Run(ctx context.Context) error {
	cfg, run := s.cfg, s.run

	pages := make([][]int32, len(s.opts.prompts))
	prefill := make([]blocktable.SequenceDescriptor, len(s.opts.prompts))
	total := 0
	for i, n := range s.opts.prompts {
		var err error
		pages[i], err = run.Allocator().Grow(nil, n+s.opts.steps, cfg.PageSize)
		if err != nil {
			return errors.Wrapf(err, "allocating pages for prompt %d", i)
		}
		prefill[i] = blocktable.SequenceDescriptor{
			ID:       uint64(i),
			IsPrompt: true,
			QueryLen: n,
			SeqLen:   n,
			PageList: pages[i],
			Tokens:   s.tokens(n),
		}
		total += n
	}

	start := time.Now()
	meta, _, err := run.Step(prefill, s.inputs(total))
	if err != nil {
		return errors.Wrap(err, "prefill")
	}
	if err := s.record(0, meta, time.Since(start)); err != nil {
		return err
	}
	if s.opts.steps == 0 {
		return nil
	}

	if cfg.MaxReplayBatchSize > 0 {
		if err := run.Capture(); err != nil {
			return err
		}
	}

	decode := make([]blocktable.SequenceDescriptor, len(s.opts.prompts))
	for i, n := range s.opts.prompts {
		decode[i] = blocktable.SequenceDescriptor{
			ID:         uint64(i),
			ContextLen: n,
			QueryLen:   1,
			SeqLen:     n + 1,
			PageList:   pages[i],
			Tokens:     s.tokens(1),
		}
	}
	var g *replay.Graph
	meta, g, err = run.BuildReplay(decode)
	if errors.Is(err, fault.ErrCapacity) {
		s.log.Info("no replay graph fits, decoding directly", "rows", len(decode))
		meta, err = run.Build(decode)
	}
	if err != nil {
		return err
	}

	for i := 1; i <= s.opts.steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 1 {
			err := meta.Advance(metadata.AdvanceParams{
				Sampled:    s.tokens(meta.NumSeqs),
				NumSeqs:    meta.BatchSize,
				NumQueries: meta.NumSeqs,
			})
			if err != nil {
				return errors.Wrapf(err, "advancing to step %d", i)
			}
		}
		in := s.inputs(meta.BatchSize)
		start := time.Now()
		if g != nil {
			_, err = run.StepReplay(g, meta, in)
		} else {
			_, err = run.Run(meta, in)
		}
		if err != nil {
			return errors.Wrapf(err, "decode step %d", i)
		}
		if err := s.record(int64(i), meta, time.Since(start)); err != nil {
			return err
		}
	}
	return nil
}
