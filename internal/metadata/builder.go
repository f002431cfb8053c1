package metadata

import (
	"github.com/23skdu/longbow-pager/internal/blocktable"
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/logger"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

type Options struct {
	Kind     layout.Kind
	PageSize int

	// SlidingWindow in tokens; 0 disables it.
	SlidingWindow int

	// WorkspaceTokens bounds the cached tokens one context chunk gathers
	// across all prefills. 0 gathers each prefill's context in one chunk.
	WorkspaceTokens int
}

// Builder accumulates one step's descriptors. Call Prepare, then Add for
// every sequence (prefills first), then Build.
type Builder struct {
	opts Options

	m           *Metadata
	totalPages  int
	indexed     int
	profiled    int
	seenDecode  bool
	prefillCtxs []int32
}

func NewBuilder(opts Options) (*Builder, error) {
	if opts.PageSize <= 0 {
		return nil, fault.Configf("invalid page size %d", opts.PageSize)
	}
	if opts.Kind == layout.KindLatent && opts.PageSize != 1 {
		return nil, fault.Configf("latent page index requires page size 1, got %d", opts.PageSize)
	}
	if opts.SlidingWindow < 0 || opts.WorkspaceTokens < 0 {
		return nil, fault.Configf("negative window %d or workspace %d", opts.SlidingWindow, opts.WorkspaceTokens)
	}
	b := &Builder{opts: opts}
	b.Prepare()
	return b, nil
}

func (b *Builder) Options() Options { return b.opts }

// Prepare discards any partial state and starts a new step.
func (b *Builder) Prepare() {
	b.m = &Metadata{
		PageSize:      b.opts.PageSize,
		QueryStartLoc: []int32{0},
		PagePointer:   []int32{0},
		windowed:      b.opts.SlidingWindow > 0,
	}
	b.totalPages = 0
	b.indexed = 0
	b.profiled = 0
	b.seenDecode = false
	b.prefillCtxs = b.prefillCtxs[:0]
}

// Add folds one sequence into the step. A failed Add leaves the builder
// unchanged.
func (b *Builder) Add(d *blocktable.SequenceDescriptor, profiling bool) error {
	if err := d.Validate(); err != nil {
		return err
	}
	decode := d.IsDecode()
	if !decode && b.seenDecode {
		return fault.Preconditionf("sequence %d: prefill after decode rows", d.ID)
	}

	ps := b.opts.PageSize
	skipIndex := profiling && len(d.PageList) == 0
	var valid []int32
	if !skipIndex {
		var err error
		if valid, err = blocktable.ValidPages(d.PageList, d.SeqLen, ps); err != nil {
			return err
		}
	}

	m := b.m
	start := blocktable.StartIndex(d.IsPrompt, d.QueryLen, d.ContextLen, b.opts.SlidingWindow)
	slots, err := blocktable.AppendSlotMapping(m.SlotMapping, d, start, ps, profiling)
	if err != nil {
		return err
	}
	m.SlotMapping = slots

	for i := 0; i < d.QueryLen; i++ {
		var tok int32
		if len(d.Tokens) > 0 {
			tok = d.Tokens[i]
		}
		m.InputTokens = append(m.InputTokens, tok)
		m.InputPositions = append(m.InputPositions, int32(d.ContextLen+i))
	}
	m.SeqLens = append(m.SeqLens, int32(d.SeqLen))
	m.ContextLens = append(m.ContextLens, int32(d.ContextLen))
	m.QueryLens = append(m.QueryLens, int32(d.QueryLen))
	m.QueryStartLoc = append(m.QueryStartLoc, m.QueryStartLoc[len(m.QueryStartLoc)-1]+int32(d.QueryLen))
	m.MaxQueryLen = max(m.MaxQueryLen, d.QueryLen)
	m.NumSeqs++

	if decode {
		b.seenDecode = true
		m.NumDecodeTokens += d.QueryLen
		m.MaxDecodeSeqLen = max(m.MaxDecodeSeqLen, d.SeqLen)
	} else {
		m.NumPrefills++
		m.NumPrefillTokens += d.QueryLen
		m.MaxPrefillSeqLen = max(m.MaxPrefillSeqLen, d.SeqLen)
		b.prefillCtxs = append(b.prefillCtxs, int32(d.ContextLen))
	}

	if profiling {
		m.BlockTables = append(m.BlockTables, nil)
	} else {
		m.BlockTables = append(m.BlockTables, blocktable.BlockTable(d))
		if d.SlidingWindowPages > 0 {
			m.windowed = true
		}
	}

	if skipIndex {
		b.profiled++
		return nil
	}
	b.indexed++
	b.totalPages += len(d.PageList)
	m.PageIndex = append(m.PageIndex, valid...)
	m.PagePointer = append(m.PagePointer, m.PagePointer[len(m.PagePointer)-1]+int32(len(valid)))
	m.LastPageLength = append(m.LastPageLength, int32(blocktable.LastPageLength(d.SeqLen, ps)))
	return nil
}

// Build finalizes the step. padCount < 0 requests no replay; otherwise the
// batch must be decode-only and batchSize == live rows + padCount.
func (b *Builder) Build(padCount, batchSize int) (*Metadata, error) {
	m := b.m
	if m.NumSeqs == 0 {
		return nil, fault.Preconditionf("empty batch")
	}
	if b.profiled > 0 && b.indexed > 0 {
		return nil, fault.Preconditionf("batch mixes %d profiling placeholders with %d indexed sequences", b.profiled, b.indexed)
	}

	if padCount >= 0 {
		if m.NumPrefills > 0 {
			return nil, fault.Preconditionf("replay requested for batch with %d prefills", m.NumPrefills)
		}
		if batchSize != m.NumSeqs+padCount {
			return nil, fault.Preconditionf("replay batch size %d != %d sequences + %d padding", batchSize, m.NumSeqs, padCount)
		}
		m.UseReplay = true
	} else {
		if batchSize != 0 && batchSize != m.NumSeqs {
			return nil, fault.Preconditionf("batch size %d != %d sequences", batchSize, m.NumSeqs)
		}
		padCount = 0
	}
	m.BatchSize = m.NumSeqs + padCount

	for i := 0; i < padCount; i++ {
		m.SlotMapping = append(m.SlotMapping, layout.PadSlot)
		m.InputTokens = append(m.InputTokens, 0)
		m.InputPositions = append(m.InputPositions, 0)
		m.SeqLens = append(m.SeqLens, 1)
		m.ContextLens = append(m.ContextLens, 0)
		m.QueryLens = append(m.QueryLens, 1)
		m.QueryStartLoc = append(m.QueryStartLoc, m.QueryStartLoc[len(m.QueryStartLoc)-1]+1)
		m.BlockTables = append(m.BlockTables, nil)
	}

	kind := "profile"
	if b.profiled == 0 {
		last := m.PagePointer[len(m.PagePointer)-1]
		for i := 0; i < padCount; i++ {
			m.PagePointer = append(m.PagePointer, last)
			m.LastPageLength = append(m.LastPageLength, 0)
		}
		for len(m.PageIndex) < b.totalPages {
			m.PageIndex = append(m.PageIndex, 0)
		}
		m.PageBound = make([]int32, m.BatchSize)
		kind = batchKind(m)
	} else {
		m.PagePointer = nil
	}

	if err := b.buildContextChunks(m); err != nil {
		return nil, err
	}

	metrics.RecordMetadataBuild(kind, m.NumSeqs, m.ValidPages(), padCount)
	for _, s := range m.SeqLens[:m.NumSeqs] {
		metrics.RecordContextLength(int(s))
	}
	logger.Log.Debug("batch metadata built",
		"kind", kind,
		"seqs", m.NumSeqs,
		"batch_size", m.BatchSize,
		"prefills", m.NumPrefills,
		"pages", m.ValidPages(),
		"chunks", len(m.ContextChunks))

	b.Prepare()
	return m, nil
}

func batchKind(m *Metadata) string {
	switch {
	case m.NumPrefills == 0:
		return "decode"
	case m.NumPrefills == m.NumSeqs:
		return "prefill"
	default:
		return "mixed"
	}
}

// buildContextChunks splits the prefills' cached context into rounds that fit
// the gather workspace. Chunk sizes are whole pages.
func (b *Builder) buildContextChunks(m *Metadata) error {
	var maxCtx int32
	withCtx := 0
	for _, c := range b.prefillCtxs {
		maxCtx = max(maxCtx, c)
		if c > 0 {
			withCtx++
		}
	}
	if maxCtx == 0 || m.PagePointer == nil {
		return nil
	}

	// Only prefills with cached context share the workspace.
	n := len(b.prefillCtxs)
	chunk := maxCtx
	if b.opts.WorkspaceTokens > 0 {
		chunk = int32(b.opts.WorkspaceTokens/withCtx/b.opts.PageSize) * int32(b.opts.PageSize)
		if chunk == 0 {
			return fault.Configf("workspace of %d tokens cannot hold one page for each of %d prefills", b.opts.WorkspaceTokens, withCtx)
		}
	}

	rounds := int((maxCtx + chunk - 1) / chunk)
	m.ContextChunks = make([]ContextChunk, rounds)
	for r := 0; r < rounds; r++ {
		ch := ContextChunk{
			CuSeqLens: make([]int32, n+1),
			Starts:    make([]int32, n),
		}
		for j, ctx := range b.prefillCtxs {
			start := min(int32(r)*chunk, ctx)
			end := min(ctx, start+chunk)
			ch.Starts[j] = start
			ch.CuSeqLens[j+1] = ch.CuSeqLens[j] + end - start
			ch.MaxSeqLen = max(ch.MaxSeqLen, int(end-start))
		}
		ch.SeqTot = int(ch.CuSeqLens[n])
		m.ContextChunks[r] = ch
	}
	return nil
}

// Build is the one-shot form of Builder for a non-profiling step.
func Build(opts Options, seqs []blocktable.SequenceDescriptor, padCount, batchSize int) (*Metadata, error) {
	return build(opts, seqs, false, padCount, batchSize)
}

// BuildProfile builds a dry-run step. Sequences without pages get PadSlot
// writes and no page index.
func BuildProfile(opts Options, seqs []blocktable.SequenceDescriptor) (*Metadata, error) {
	return build(opts, seqs, true, -1, 0)
}

func build(opts Options, seqs []blocktable.SequenceDescriptor, profiling bool, padCount, batchSize int) (*Metadata, error) {
	b, err := NewBuilder(opts)
	if err != nil {
		return nil, err
	}
	for i := range seqs {
		if err := b.Add(&seqs[i], profiling); err != nil {
			metrics.RecordValidationError("build_metadata", fault.Kind(err))
			return nil, err
		}
	}
	m, err := b.Build(padCount, batchSize)
	if err != nil {
		metrics.RecordValidationError("build_metadata", fault.Kind(err))
	}
	return m, err
}
