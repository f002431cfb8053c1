package trace

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-pager/internal/blocktable"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/metadata"
)

func decodeBatch(t *testing.T) *metadata.Metadata {
	t.Helper()
	seqs := []blocktable.SequenceDescriptor{
		{ID: 1, ContextLen: 3, QueryLen: 1, SeqLen: 4, PageList: []int32{0, 1, 2, 3, 4}, Tokens: []int32{7}},
		{ID: 2, ContextLen: 1, QueryLen: 1, SeqLen: 2, PageList: []int32{5, 6, 7}, Tokens: []int32{8}},
	}
	m, err := metadata.Build(metadata.Options{Kind: layout.KindLatent, PageSize: 1}, seqs, 1, 3)
	require.NoError(t, err)
	return m
}

func TestRecorderIPCRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	m := decodeBatch(t)
	r := NewRecorder(mem)
	defer r.Release()

	r.Append(0, m)
	require.NoError(t, m.Advance(metadata.AdvanceParams{Sampled: []int32{11, 12}, NumSeqs: 3, NumQueries: 2}))
	r.Append(1, m)
	assert.Equal(t, 2, r.Len())

	rec := r.Flush()
	defer rec.Release()
	assert.Equal(t, 0, r.Len())
	assert.EqualValues(t, 2, rec.NumRows())

	var buf bytes.Buffer
	require.NoError(t, WriteIPC(&buf, rec))

	snaps, err := ReadIPC(&buf)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	first := snaps[0]
	assert.EqualValues(t, 0, first.Step)
	assert.Equal(t, 3, first.BatchSize)
	assert.Equal(t, 2, first.NumSeqs)
	assert.Equal(t, []int32{0, 4, 6, 6}, first.PagePointer)
	assert.Equal(t, []int32{0, 1, 2, 3, 5, 6}, first.PageIndex)
	assert.Equal(t, []int32{1, 1, 0}, first.LastPageLength)
	assert.Equal(t, []int64{3, 6, layout.PadSlot}, first.SlotMapping)

	second := snaps[1]
	assert.EqualValues(t, 1, second.Step)
	assert.Equal(t, []int32{5, 3, 1}, second.SeqLens)
	assert.Equal(t, []int32{0, 5, 8, 8}, second.PagePointer)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, second.PageIndex)
	assert.Equal(t, []int64{4, 7, layout.PadSlot}, second.SlotMapping)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
}

func TestReadIPCRejectsGarbage(t *testing.T) {
	_, err := ReadIPC(bytes.NewReader([]byte("not arrow")))
	assert.Error(t, err)
}

type collector struct {
	flight.BaseFlightServer

	mu   sync.Mutex
	path []string
	rows []Snapshot
}

func (c *collector) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	c.mu.Lock()
	defer c.mu.Unlock()
	for rdr.Next() {
		c.rows = append(c.rows, Decode(rdr.Record())...)
	}
	if d := rdr.LatestFlightDescriptor(); d != nil {
		c.path = d.Path
	}
	return stream.Send(&flight.PutResult{})
}

func TestFlightSinkSend(t *testing.T) {
	c := &collector{}
	srv := flight.NewServerWithMiddleware(nil)
	require.NoError(t, srv.Init("127.0.0.1:0"))
	srv.RegisterFlightService(c)
	go func() { _ = srv.Serve() }()
	defer srv.Shutdown()

	sink, err := DialFlight(srv.Addr().String())
	require.NoError(t, err)
	defer sink.Close()

	r := NewRecorder(nil)
	defer r.Release()
	r.Append(7, decodeBatch(t))
	rec := r.Flush()
	defer rec.Release()

	require.NoError(t, sink.Send(context.Background(), rec))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.rows, 1)
	assert.EqualValues(t, 7, c.rows[0].Step)
	assert.Equal(t, DefaultPath, c.path)
}
