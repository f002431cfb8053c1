package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-pager/internal/config"
	"github.com/23skdu/longbow-pager/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	root := &cobra.Command{
		Use:   "pager",
		Short: "Paged KV-cache indexing and latent attention",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			return cfg.Validate()
		},
	}

	f := root.PersistentFlags()
	f.IntVar(&cfg.Layers, "layers", cfg.Layers, "Attention layers")
	f.IntVar(&cfg.Heads, "heads", cfg.Heads, "Query heads")
	f.IntVar(&cfg.HiddenDim, "hidden", cfg.HiddenDim, "Hidden size produced by o_proj")
	f.IntVar(&cfg.KVLoraRank, "kv-lora-rank", cfg.KVLoraRank, "Latent rank of cached rows")
	f.IntVar(&cfg.QKNopeHeadDim, "qk-nope-dim", cfg.QKNopeHeadDim, "Per-head content query/key width")
	f.IntVar(&cfg.QKRopeHeadDim, "qk-rope-dim", cfg.QKRopeHeadDim, "Per-head positional query/key width")
	f.IntVar(&cfg.VHeadDim, "v-dim", cfg.VHeadDim, "Per-head value width")
	f.Float32Var(&cfg.Scale, "scale", cfg.Scale, "Softmax scale (0 uses 1/sqrt(qk dim))")
	f.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Tokens per cache page")
	f.IntVar(&cfg.NumPages, "num-pages", cfg.NumPages, "Pages per layer pool")
	f.IntVar(&cfg.NumKVSplits, "kv-splits", cfg.NumKVSplits, "Key partitions per decode row")
	f.IntVar(&cfg.MaxReplayBatchSize, "max-replay-batch", cfg.MaxReplayBatchSize, "Largest captured replay batch (0 disables replay)")
	f.IntSliceVar(&cfg.ReplayBatchSizes, "replay-batch-sizes", cfg.ReplayBatchSizes, "Batch sizes to capture")
	f.IntVar(&cfg.ContextWorkspaceTokens, "workspace", cfg.ContextWorkspaceTokens, "Cached tokens gathered per context chunk")
	f.BoolVar(&cfg.ChunkedPrefill, "chunked-prefill", cfg.ChunkedPrefill, "Split cached context into workspace-sized chunks")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address to serve /metrics, /healthz and /status (empty disables)")

	root.AddCommand(
		newInspectCmd(&cfg),
		newSimulateCmd(&cfg),
		newExportCmd(&cfg),
	)
	return root
}
