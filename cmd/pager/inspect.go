package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-pager/internal/blocktable"
	"github.com/23skdu/longbow-pager/internal/config"
	"github.com/23skdu/longbow-pager/internal/kvcache"
	"github.com/23skdu/longbow-pager/internal/layout"
	"github.com/23skdu/longbow-pager/internal/metadata"
)

type inspectOptions struct {
	prompts   []int
	decodeCtx []int
	pad       int
	split     bool
	sliding   int
	workspace int
	profiling bool
}

func newInspectCmd(cfg *config.Config) *cobra.Command {
	var o inspectOptions
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Build one step's metadata and print its page index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), *cfg, o)
		},
	}
	f := cmd.Flags()
	f.IntSliceVar(&o.prompts, "prompt-lens", nil, "Prompt lengths of prefill rows")
	f.IntSliceVar(&o.decodeCtx, "decode-ctx", nil, "Cached context lengths of decode rows")
	f.IntVar(&o.pad, "pad", -1, "Replay padding rows (-1 disables replay)")
	f.BoolVar(&o.split, "split", false, "Index a split K/V pool instead of a latent one")
	f.IntVar(&o.sliding, "sliding-window", 0, "Sliding window in tokens")
	f.IntVar(&o.workspace, "workspace", 0, "Context workspace tokens (defaults to the config value)")
	f.BoolVar(&o.profiling, "profile", false, "Build a profiling step without page lists")
	return cmd
}

func runInspect(w io.Writer, cfg config.Config, o inspectOptions) error {
	opts := metadata.Options{
		Kind:            layout.KindLatent,
		PageSize:        cfg.PageSize,
		SlidingWindow:   o.sliding,
		WorkspaceTokens: cfg.ContextWorkspaceTokens,
	}
	if o.split {
		opts.Kind = layout.KindSplit
	}
	if o.workspace > 0 {
		opts.WorkspaceTokens = o.workspace
	}

	if len(o.prompts) == 0 && len(o.decodeCtx) == 0 {
		o.prompts, o.decodeCtx = []int{5, 3}, []int{7, 2}
	}

	alloc := kvcache.NewAllocator(cfg.NumPages)
	var seqs []blocktable.SequenceDescriptor
	add := func(prompt bool, ctx, query int) error {
		d := blocktable.SequenceDescriptor{
			ID:         uint64(len(seqs)),
			IsPrompt:   prompt,
			ContextLen: ctx,
			QueryLen:   query,
			SeqLen:     ctx + query,
		}
		if !o.profiling {
			pages, err := alloc.Grow(nil, d.SeqLen, cfg.PageSize)
			if err != nil {
				return err
			}
			d.PageList = pages
		}
		seqs = append(seqs, d)
		return nil
	}
	for _, n := range o.prompts {
		if err := add(true, 0, n); err != nil {
			return err
		}
	}
	for _, c := range o.decodeCtx {
		if err := add(false, c, 1); err != nil {
			return err
		}
	}

	var (
		m   *metadata.Metadata
		err error
	)
	if o.profiling {
		m, err = metadata.BuildProfile(opts, seqs)
	} else {
		m, err = metadata.Build(opts, seqs, o.pad, len(seqs)+max(o.pad, 0))
	}
	if err != nil {
		return err
	}
	printMetadata(w, m)
	return nil
}

func printMetadata(w io.Writer, m *metadata.Metadata) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ROW", "KIND", "CTX", "QUERY", "SEQ", "PAGES", "LAST", "SLOTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i := 0; i < m.BatchSize; i++ {
		kind := "decode"
		switch {
		case i >= m.NumSeqs:
			kind = "pad"
		case i < m.NumPrefills:
			kind = "prefill"
		}
		pages, last := "-", "-"
		if m.PagePointer != nil {
			pages = joinInts(m.PageIndex[m.PagePointer[i]:m.PagePointer[i+1]])
			last = strconv.Itoa(int(m.LastPageLength[i]))
		}
		slots := m.SlotMapping[m.QueryStartLoc[i]:m.QueryStartLoc[i+1]]
		table.Append([]string{
			strconv.Itoa(i),
			kind,
			strconv.Itoa(int(m.ContextLens[i])),
			strconv.Itoa(int(m.QueryLens[i])),
			strconv.Itoa(int(m.SeqLens[i])),
			pages,
			last,
			joinInts(slots),
		})
	}
	table.Render()

	fmt.Fprintf(w, "page_pointer:     %s\n", joinInts(m.PagePointer))
	fmt.Fprintf(w, "page_index:       %s\n", joinInts(m.PageIndex))
	fmt.Fprintf(w, "last_page_length: %s\n", joinInts(m.LastPageLength))
	for i, c := range m.ContextChunks {
		fmt.Fprintf(w, "context chunk %d:  starts=%s cu_seq_lens=%s total=%d\n", i, joinInts(c.Starts), joinInts(c.CuSeqLens), c.SeqTot)
	}
	fmt.Fprintf(w, "fingerprint:      %016x\n", m.Fingerprint())
}

func joinInts[T int32 | int64](vals []T) string {
	if len(vals) == 0 {
		return "[]"
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatInt(int64(v), 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
