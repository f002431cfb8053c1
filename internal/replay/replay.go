// Package replay owns the fixed buffers captured execution graphs read their
// batch metadata from, and refreshes them before every replay.
package replay

import (
	"github.com/google/uuid"

	"github.com/23skdu/longbow-pager/internal/device"
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/logger"
	"github.com/23skdu/longbow-pager/internal/metadata"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

type buffers struct {
	pagePointer    *device.Buffer[int32]
	pageIndex      *device.Buffer[int32]
	lastPageLength *device.Buffer[int32]
	pageBound      *device.Buffer[int32]
	slotMapping    *device.Buffer[int64]
	tokens         *device.Buffer[int32]
	positions      *device.Buffer[int32]
	seqLens        *device.Buffer[int32]
	contextLens    *device.Buffer[int32]
	queryLens      *device.Buffer[int32]
	queryStartLoc  *device.Buffer[int32]
}

func (b *buffers) free() {
	for _, buf := range []*device.Buffer[int32]{
		b.pagePointer, b.pageIndex, b.lastPageLength, b.pageBound, b.tokens,
		b.positions, b.seqLens, b.contextLens, b.queryLens, b.queryStartLoc,
	} {
		buf.Free()
	}
	b.slotMapping.Free()
}

// Manager is not safe for concurrent use; each execution context owns one
// together with its stream.
type Manager struct {
	ctx      *device.Context
	stream   *device.Stream
	pageSize int
	maxPages int

	session   string
	capturing bool
	maxBatch  int
	bufs      *buffers
	graphs    map[int]*Graph
}

func NewManager(ctx *device.Context, stream *device.Stream, pageSize, maxPages int) *Manager {
	return &Manager{
		ctx:      ctx,
		stream:   stream,
		pageSize: pageSize,
		maxPages: maxPages,
		graphs:   make(map[int]*Graph),
	}
}

func (m *Manager) Stream() *device.Stream { return m.stream }

// Session identifies the open capture session, or is empty.
func (m *Manager) Session() string { return m.session }

// BeginCapture allocates buffers for batches of up to maxBatchSize rows.
// Buffers start out describing empty padding rows.
func (m *Manager) BeginCapture(maxBatchSize int) error {
	if m.capturing {
		return fault.Preconditionf("capture session %s already open", m.session)
	}
	if maxBatchSize <= 0 {
		return fault.Preconditionf("invalid max batch size %d", maxBatchSize)
	}
	if m.bufs != nil {
		m.bufs.free()
		m.graphs = make(map[int]*Graph)
	}

	c := m.ctx
	b := &buffers{
		pagePointer:    device.Alloc[int32](c, "page_pointer", maxBatchSize+1),
		pageIndex:      device.Alloc[int32](c, "page_index", m.maxPages),
		lastPageLength: device.Full[int32](c, "last_page_length", maxBatchSize, int32(m.pageSize)),
		pageBound:      device.Alloc[int32](c, "page_bound", maxBatchSize),
		slotMapping:    device.Full[int64](c, "slot_mapping", maxBatchSize, layout.PadSlot),
		tokens:         device.Alloc[int32](c, "input_tokens", maxBatchSize),
		positions:      device.Alloc[int32](c, "input_positions", maxBatchSize),
		seqLens:        device.Full[int32](c, "seq_lens", maxBatchSize, 1),
		contextLens:    device.Alloc[int32](c, "context_lens", maxBatchSize),
		queryLens:      device.Full[int32](c, "query_lens", maxBatchSize, 1),
		queryStartLoc:  device.Alloc[int32](c, "query_start_loc", maxBatchSize+1),
	}
	for i, d := 0, b.queryStartLoc.Data(); i < len(d); i++ {
		d[i] = int32(i)
	}

	m.bufs = b
	m.maxBatch = maxBatchSize
	m.capturing = true
	m.session = uuid.NewString()
	metrics.CaptureSessions.Inc()
	logger.Log.Info("graph capture started",
		"session", m.session,
		"max_batch_size", maxBatchSize,
		"max_pages", m.maxPages)
	return nil
}

// MetadataView returns decode metadata whose arrays alias the capture buffers
// sliced to batchSize rows.
func (m *Manager) MetadataView(batchSize int) (*metadata.Metadata, error) {
	if m.bufs == nil {
		return nil, fault.Preconditionf("no capture buffers allocated")
	}
	if batchSize <= 0 || batchSize > m.maxBatch {
		return nil, fault.Capacityf("batch size %d outside captured range (0, %d]", batchSize, m.maxBatch)
	}
	b := m.bufs
	return &metadata.Metadata{
		NumSeqs:         batchSize,
		BatchSize:       batchSize,
		PageSize:        m.pageSize,
		NumDecodeTokens: batchSize,
		SeqLens:         b.seqLens.Slice(0, batchSize),
		ContextLens:     b.contextLens.Slice(0, batchSize),
		QueryLens:       b.queryLens.Slice(0, batchSize),
		QueryStartLoc:   b.queryStartLoc.Slice(0, batchSize+1),
		InputTokens:     b.tokens.Slice(0, batchSize),
		InputPositions:  b.positions.Slice(0, batchSize),
		SlotMapping:     b.slotMapping.Slice(0, batchSize),
		BlockTables:     make([][]int32, batchSize),
		MaxQueryLen:     1,
		UseReplay:       true,
		PagePointer:     b.pagePointer.Slice(0, batchSize+1),
		PageIndex:       b.pageIndex.Data(),
		LastPageLength:  b.lastPageLength.Slice(0, batchSize),
		PageBound:       b.pageBound.Slice(0, batchSize),
	}, nil
}

// Capture records a graph for batchSize rows of the open session.
func (m *Manager) Capture(batchSize int) (*Graph, error) {
	if !m.capturing {
		return nil, fault.Preconditionf("capture outside a capture session")
	}
	view, err := m.MetadataView(batchSize)
	if err != nil {
		return nil, err
	}
	g := &Graph{mgr: m, batchSize: batchSize, view: view, session: m.session}
	m.graphs[batchSize] = g
	logger.Log.Debug("graph captured", "session", m.session, "batch_size", batchSize)
	return g, nil
}

// EndCapture closes the session. Captured graphs keep their buffers.
func (m *Manager) EndCapture() error {
	if !m.capturing {
		return fault.Preconditionf("no capture session open")
	}
	logger.Log.Info("graph capture finished", "session", m.session, "graphs", len(m.graphs))
	m.capturing = false
	return nil
}

// Graph returns the captured graph for batchSize.
func (m *Manager) Graph(batchSize int) (*Graph, bool) {
	g, ok := m.graphs[batchSize]
	return g, ok
}

// Graphs is the number of captured batch sizes.
func (m *Manager) Graphs() int { return len(m.graphs) }

// PaddedSize returns the smallest captured batch size that fits n rows.
func (m *Manager) PaddedSize(n int) (int, bool) {
	best := 0
	for bs := range m.graphs {
		if bs >= n && (best == 0 || bs < best) {
			best = bs
		}
	}
	return best, best != 0
}

// Close releases every capture buffer. Graphs must not be replayed after.
func (m *Manager) Close() {
	if m.bufs != nil {
		m.bufs.free()
		m.bufs = nil
	}
	m.graphs = make(map[int]*Graph)
	m.capturing = false
	m.session = ""
}

// Graph is a captured execution shape bound to the manager's buffers.
type Graph struct {
	mgr       *Manager
	batchSize int
	session   string
	view      *metadata.Metadata
}

func (g *Graph) BatchSize() int { return g.batchSize }

func (g *Graph) Session() string { return g.session }

// Metadata is the buffer-backed view the graph reads. Its arrays are only
// current after the stream has been synchronized past the last Prepare.
func (g *Graph) Metadata() *metadata.Metadata { return g.view }

// Prepare enqueues copies of meta's live arrays into the graph's buffers.
// Each copy covers exactly the live length; buffer tails keep old values.
func (g *Graph) Prepare(meta *metadata.Metadata) error {
	if err := g.prepare(meta); err != nil {
		metrics.RecordValidationError("replay_prepare", fault.Kind(err))
		return err
	}
	return nil
}

func (g *Graph) prepare(meta *metadata.Metadata) error {
	switch {
	case g.mgr.bufs == nil:
		return fault.Preconditionf("replay after the capture buffers were released")
	case g.session != g.mgr.session || g.mgr.graphs[g.batchSize] != g:
		return fault.Preconditionf("graph from session %s replaced by a later capture", g.session)
	case meta.NumPrefills != 0:
		return fault.Preconditionf("replay of a batch with %d prefills", meta.NumPrefills)
	case meta.BatchSize != g.batchSize:
		return fault.Preconditionf("batch of %d rows for graph of %d", meta.BatchSize, g.batchSize)
	case meta.PagePointer == nil:
		return fault.Preconditionf("replay of a batch without a page index")
	case len(meta.PageIndex) > g.mgr.maxPages:
		return fault.Capacityf("page index of %d entries exceeds captured %d", len(meta.PageIndex), g.mgr.maxPages)
	}

	s, b := g.mgr.stream, g.mgr.bufs
	int32s := []struct {
		dst *device.Buffer[int32]
		src []int32
	}{
		{b.pagePointer, meta.PagePointer},
		{b.pageIndex, meta.PageIndex},
		{b.lastPageLength, meta.LastPageLength},
		{b.pageBound, meta.PageBound},
		{b.tokens, meta.InputTokens},
		{b.positions, meta.InputPositions},
		{b.seqLens, meta.SeqLens},
		{b.contextLens, meta.ContextLens},
		{b.queryLens, meta.QueryLens},
	}
	for _, c := range int32s {
		if len(c.src) > c.dst.Len() {
			return fault.Capacityf("%s of %d entries exceeds captured %d", c.dst.Label(), len(c.src), c.dst.Len())
		}
	}
	if len(meta.SlotMapping) > b.slotMapping.Len() {
		return fault.Capacityf("slot mapping of %d entries exceeds captured %d", len(meta.SlotMapping), b.slotMapping.Len())
	}
	for _, c := range int32s {
		if err := device.CopyAsync(s, c.dst, c.src); err != nil {
			return err
		}
		metrics.RecordReplayCopy(c.dst.Label())
	}
	if err := device.CopyAsync(s, b.slotMapping, meta.SlotMapping); err != nil {
		return err
	}
	metrics.RecordReplayCopy(b.slotMapping.Label())

	g.view.NumSeqs = meta.NumSeqs
	g.view.NumDecodeTokens = meta.NumDecodeTokens
	g.view.MaxDecodeSeqLen = meta.MaxDecodeSeqLen
	copy(g.view.BlockTables, meta.BlockTables)
	return nil
}
