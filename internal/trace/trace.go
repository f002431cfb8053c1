// Package trace records batch metadata snapshots as Arrow records so runs can
// be inspected offline or streamed to an Arrow Flight endpoint.
package trace

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-pager/internal/metadata"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

const (
	colStep = iota
	colBatchSize
	colNumSeqs
	colNumPrefills
	colUseReplay
	colFingerprint
	colPagePointer
	colPageIndex
	colLastPageLength
	colSeqLens
	colSlotMapping
)

var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "step", Type: arrow.PrimitiveTypes.Int64},
	{Name: "batch_size", Type: arrow.PrimitiveTypes.Int32},
	{Name: "num_seqs", Type: arrow.PrimitiveTypes.Int32},
	{Name: "num_prefills", Type: arrow.PrimitiveTypes.Int32},
	{Name: "use_replay", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "fingerprint", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "page_pointer", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "page_index", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "last_page_length", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "seq_lens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "slot_mapping", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
}, nil)

// Snapshot is one decoded row.
type Snapshot struct {
	Step           int64
	BatchSize      int
	NumSeqs        int
	NumPrefills    int
	UseReplay      bool
	Fingerprint    uint64
	PagePointer    []int32
	PageIndex      []int32
	LastPageLength []int32
	SeqLens        []int32
	SlotMapping    []int64
}

func SnapshotOf(step int64, m *metadata.Metadata) Snapshot {
	return Snapshot{
		Step:           step,
		BatchSize:      m.BatchSize,
		NumSeqs:        m.NumSeqs,
		NumPrefills:    m.NumPrefills,
		UseReplay:      m.UseReplay,
		Fingerprint:    m.Fingerprint(),
		PagePointer:    m.PagePointer,
		PageIndex:      m.PageIndex[:m.ValidPages()],
		LastPageLength: m.LastPageLength,
		SeqLens:        m.SeqLens,
		SlotMapping:    m.SlotMapping,
	}
}

// Recorder accumulates snapshots into a record batch.
type Recorder struct {
	mem  memory.Allocator
	b    *array.RecordBuilder
	rows int
}

func NewRecorder(mem memory.Allocator) *Recorder {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &Recorder{mem: mem, b: array.NewRecordBuilder(mem, Schema)}
}

// Append records m as it stands at step. Only valid page index entries are kept.
func (r *Recorder) Append(step int64, m *metadata.Metadata) {
	s := SnapshotOf(step, m)
	r.b.Field(colStep).(*array.Int64Builder).Append(s.Step)
	r.b.Field(colBatchSize).(*array.Int32Builder).Append(int32(s.BatchSize))
	r.b.Field(colNumSeqs).(*array.Int32Builder).Append(int32(s.NumSeqs))
	r.b.Field(colNumPrefills).(*array.Int32Builder).Append(int32(s.NumPrefills))
	r.b.Field(colUseReplay).(*array.BooleanBuilder).Append(s.UseReplay)
	r.b.Field(colFingerprint).(*array.Uint64Builder).Append(s.Fingerprint)
	appendInt32List(r.b.Field(colPagePointer).(*array.ListBuilder), s.PagePointer)
	appendInt32List(r.b.Field(colPageIndex).(*array.ListBuilder), s.PageIndex)
	appendInt32List(r.b.Field(colLastPageLength).(*array.ListBuilder), s.LastPageLength)
	appendInt32List(r.b.Field(colSeqLens).(*array.ListBuilder), s.SeqLens)

	lb := r.b.Field(colSlotMapping).(*array.ListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Int64Builder).AppendValues(s.SlotMapping, nil)
	r.rows++
}

func appendInt32List(lb *array.ListBuilder, vals []int32) {
	lb.Append(true)
	lb.ValueBuilder().(*array.Int32Builder).AppendValues(vals, nil)
}

// Len is the number of rows since the last Flush.
func (r *Recorder) Len() int { return r.rows }

// Flush returns the accumulated rows as a record and starts a new one. The
// caller releases the record.
func (r *Recorder) Flush() arrow.Record {
	r.rows = 0
	return r.b.NewRecord()
}

func (r *Recorder) Release() { r.b.Release() }

// WriteIPC writes records as one Arrow IPC stream.
func WriteIPC(w io.Writer, recs ...arrow.Record) error {
	iw := ipc.NewWriter(w, ipc.WithSchema(Schema))
	n := 0
	for _, rec := range recs {
		if err := iw.Write(rec); err != nil {
			_ = iw.Close()
			return errors.Wrap(err, "writing metadata record")
		}
		n += int(rec.NumRows())
	}
	if err := iw.Close(); err != nil {
		return errors.Wrap(err, "closing ipc stream")
	}
	metrics.RecordTraceRecords("ipc", n)
	return nil
}

// ReadIPC decodes every snapshot of an IPC stream.
func ReadIPC(r io.Reader) ([]Snapshot, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, errors.Wrap(err, "opening ipc stream")
	}
	defer rdr.Release()
	if got := rdr.Schema(); got.NumFields() != Schema.NumFields() || !got.HasField("slot_mapping") {
		return nil, errors.Errorf("unexpected trace schema: %s", got)
	}

	var out []Snapshot
	for rdr.Next() {
		out = append(out, Decode(rdr.Record())...)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "reading ipc stream")
	}
	return out, nil
}

// Decode turns a record of Schema back into snapshots.
func Decode(rec arrow.Record) []Snapshot {
	n := int(rec.NumRows())
	out := make([]Snapshot, n)
	step := rec.Column(colStep).(*array.Int64)
	batch := rec.Column(colBatchSize).(*array.Int32)
	seqs := rec.Column(colNumSeqs).(*array.Int32)
	prefills := rec.Column(colNumPrefills).(*array.Int32)
	replay := rec.Column(colUseReplay).(*array.Boolean)
	fp := rec.Column(colFingerprint).(*array.Uint64)
	for i := 0; i < n; i++ {
		out[i] = Snapshot{
			Step:           step.Value(i),
			BatchSize:      int(batch.Value(i)),
			NumSeqs:        int(seqs.Value(i)),
			NumPrefills:    int(prefills.Value(i)),
			UseReplay:      replay.Value(i),
			Fingerprint:    fp.Value(i),
			PagePointer:    int32List(rec.Column(colPagePointer).(*array.List), i),
			PageIndex:      int32List(rec.Column(colPageIndex).(*array.List), i),
			LastPageLength: int32List(rec.Column(colLastPageLength).(*array.List), i),
			SeqLens:        int32List(rec.Column(colSeqLens).(*array.List), i),
			SlotMapping:    int64List(rec.Column(colSlotMapping).(*array.List), i),
		}
	}
	return out
}

func int32List(l *array.List, row int) []int32 {
	start, end := l.ValueOffsets(row)
	vals := l.ListValues().(*array.Int32)
	out := make([]int32, 0, end-start)
	for j := start; j < end; j++ {
		out = append(out, vals.Value(int(j)))
	}
	return out
}

func int64List(l *array.List, row int) []int64 {
	start, end := l.ValueOffsets(row)
	vals := l.ListValues().(*array.Int64)
	out := make([]int64, 0, end-start)
	for j := start; j < end; j++ {
		out = append(out, vals.Value(int(j)))
	}
	return out
}
