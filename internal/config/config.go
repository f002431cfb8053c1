package config

import (
	"math"

	"github.com/23skdu/longbow-pager/internal/fault"
)

type Config struct {
	Layers    int
	Heads     int
	HiddenDim int

	// Latent attention geometry
	KVLoraRank    int
	QKNopeHeadDim int
	QKRopeHeadDim int
	VHeadDim      int
	Scale         float32

	PageSize int
	NumPages int

	// NumKVSplits is the fixed partition count used by decode attention.
	NumKVSplits int

	MaxReplayBatchSize int
	ReplayBatchSizes   []int

	// ContextWorkspaceTokens bounds how many cached tokens one context chunk
	// may gather during chunked prefill.
	ContextWorkspaceTokens int
	ChunkedPrefill         bool

	// Features the latent attention path rejects.
	SlidingWindow int
	AlibiSlopes   []float32
	LogitsSoftCap float32
	BlockSparse   bool

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func (c *Config) Validate() error {
	if c.Layers <= 0 {
		return fault.Configf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fault.Configf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.HiddenDim <= 0 {
		return fault.Configf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.KVLoraRank <= 0 {
		return fault.Configf("invalid kv_lora_rank: %d (must be positive)", c.KVLoraRank)
	}
	if c.QKNopeHeadDim <= 0 {
		return fault.Configf("invalid qk_nope_head_dim: %d (must be positive)", c.QKNopeHeadDim)
	}
	if c.QKRopeHeadDim <= 0 {
		return fault.Configf("invalid qk_rope_head_dim: %d (must be positive)", c.QKRopeHeadDim)
	}
	if c.VHeadDim <= 0 {
		return fault.Configf("invalid v_head_dim: %d (must be positive)", c.VHeadDim)
	}
	if c.VHeadDim > c.QKHeadDim() {
		return fault.Configf("v_head_dim %d exceeds qk head dim %d", c.VHeadDim, c.QKHeadDim())
	}
	if c.Scale < 0 {
		return fault.Configf("invalid scale: %f (must be non-negative)", c.Scale)
	}
	if c.PageSize <= 0 {
		return fault.Configf("invalid page_size: %d (must be positive)", c.PageSize)
	}
	if c.NumPages <= 0 {
		return fault.Configf("invalid num_pages: %d (must be positive)", c.NumPages)
	}
	if c.NumKVSplits <= 0 {
		return fault.Configf("invalid num_kv_splits: %d (must be positive)", c.NumKVSplits)
	}
	if c.MaxReplayBatchSize < 0 {
		return fault.Configf("invalid max_replay_batch_size: %d (must be non-negative)", c.MaxReplayBatchSize)
	}
	for _, bs := range c.ReplayBatchSizes {
		if bs <= 0 || bs > c.MaxReplayBatchSize {
			return fault.Configf("replay batch size %d outside (0, %d]", bs, c.MaxReplayBatchSize)
		}
	}
	if c.ContextWorkspaceTokens < 0 {
		return fault.Configf("invalid context_workspace_tokens: %d (must be non-negative)", c.ContextWorkspaceTokens)
	}
	if c.ContextWorkspaceTokens > 0 && c.ContextWorkspaceTokens < c.PageSize {
		return fault.Configf("context workspace %d smaller than one page (%d)", c.ContextWorkspaceTokens, c.PageSize)
	}
	if c.SlidingWindow < 0 {
		return fault.Configf("invalid sliding_window: %d (must be non-negative)", c.SlidingWindow)
	}
	return nil
}

// QKHeadDim is the per-head query/key width: content plus positional part.
func (c *Config) QKHeadDim() int {
	return c.QKNopeHeadDim + c.QKRopeHeadDim
}

// LatentWidth is the width of one cached latent row.
func (c *Config) LatentWidth() int {
	return c.KVLoraRank + c.QKRopeHeadDim
}

// SoftmaxScale returns Scale, or 1/sqrt(qk head dim) when Scale is unset.
func (c *Config) SoftmaxScale() float32 {
	if c.Scale > 0 {
		return c.Scale
	}
	return float32(1.0 / math.Sqrt(float64(c.QKHeadDim())))
}

// CacheBytes is the fp16 footprint of all layers' page pools.
func (c *Config) CacheBytes() int64 {
	return int64(c.Layers) * int64(c.NumPages) * int64(c.PageSize) * int64(c.LatentWidth()) * 2
}

func Default() Config {
	return Config{
		Layers:        2,
		Heads:         4,
		HiddenDim:     64,
		KVLoraRank:    32,
		QKNopeHeadDim: 16,
		QKRopeHeadDim: 8,
		VHeadDim:      16,

		PageSize:    1,
		NumPages:    4096,
		NumKVSplits: 4,

		MaxReplayBatchSize: 8,
		ReplayBatchSizes:   []int{1, 2, 4, 8},

		ContextWorkspaceTokens: 1024,
		ChunkedPrefill:         true,

		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}
