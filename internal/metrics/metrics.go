package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MetadataBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_metadata_builds_total",
		Help: "Batch metadata builds by kind (prefill, decode, mixed, profile)",
	}, []string{"kind"})

	SequencesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_sequences_indexed_total",
		Help: "Sequences folded into batch metadata",
	})

	PagesIndexed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pager_pages_indexed",
		Help:    "Valid pages referenced by one batch's page index",
		Buckets: []float64{1, 16, 64, 256, 1024, 4096, 16384, 65536},
	})

	ReplayPaddingRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_replay_padding_rows_total",
		Help: "No-op rows appended so batches match a captured shape",
	})

	AdvanceSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_advance_steps_total",
		Help: "In-place decode roll-forwards of batch metadata",
	})

	AdvanceReindexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_advance_reindexed_total",
		Help: "Roll-forwards that had to rewrite the page index because a sequence crossed a page",
	})

	ReplayCopies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_replay_copies_total",
		Help: "Asynchronous buffer copies issued for graph replay",
	}, []string{"buffer"})

	CaptureSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_capture_sessions_total",
		Help: "Graph capture sessions opened",
	})

	ContextChunksMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_context_chunks_total",
		Help: "Context chunks attended and merged during chunked prefill",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pager_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	PadSlotsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_pad_slots_skipped_total",
		Help: "Cache writes skipped because the slot had no physical backing",
	})

	SlotsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_slots_written_total",
		Help: "Token rows written into cache pages",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KVCacheUsedPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_pages",
		Help: "Pages currently handed out by the page allocator",
	})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Current bytes held by device buffers",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000},
	})

	TraceRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_trace_records_total",
		Help: "Metadata snapshot records exported, by sink",
	}, []string{"sink"})
)

func RecordMetadataBuild(kind string, seqs, validPages, padRows int) {
	MetadataBuilds.WithLabelValues(kind).Inc()
	SequencesIndexed.Add(float64(seqs))
	PagesIndexed.Observe(float64(validPages))
	if padRows > 0 {
		ReplayPaddingRows.Add(float64(padRows))
	}
}

func RecordAdvance(reindexed bool) {
	AdvanceSteps.Inc()
	if reindexed {
		AdvanceReindexed.Inc()
	}
}

func RecordReplayCopy(buffer string) {
	ReplayCopies.WithLabelValues(buffer).Inc()
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordCacheWrite(written, skipped int) {
	SlotsWritten.Add(float64(written))
	if skipped > 0 {
		PadSlotsSkipped.Add(float64(skipped))
	}
}

func RecordKVCacheCapacity(bytes int64) {
	KVCacheCapacityBytes.Set(float64(bytes))
}

func RecordKVCacheUsedPages(pages int) {
	KVCacheUsedPages.Set(float64(pages))
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

func RecordContextChunks(n int) {
	ContextChunksMerged.Add(float64(n))
}

func RecordTraceRecords(sink string, n int) {
	TraceRecords.WithLabelValues(sink).Add(float64(n))
}
