// Package attention executes latent attention over the paged cache: a decode
// path over the CSR page index and a chunked prefill path whose partial
// results are combined with the online-softmax merge.
package attention

import (
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kernel"
)

// Partial is attention computed over a subset of keys.
type Partial struct {
	Out    []float32 // [Tokens, Heads, Dim]
	LSE    []float32 // [Tokens, Heads]
	Tokens int
	Heads  int
	Dim    int
}

func NewPartial(tokens, heads, dim int) Partial {
	lse := make([]float32, tokens*heads)
	for i := range lse {
		lse[i] = kernel.NegInf
	}
	return Partial{
		Out:    make([]float32, tokens*heads*dim),
		LSE:    lse,
		Tokens: tokens,
		Heads:  heads,
		Dim:    dim,
	}
}

func (p Partial) sameShape(o Partial) bool {
	return p.Tokens == o.Tokens && p.Heads == o.Heads && p.Dim == o.Dim
}

func (p Partial) check() error {
	if len(p.Out) < p.Tokens*p.Heads*p.Dim || len(p.LSE) < p.Tokens*p.Heads {
		return fault.Preconditionf("partial of %dx%dx%d holds %d outputs and %d lse", p.Tokens, p.Heads, p.Dim, len(p.Out), len(p.LSE))
	}
	return nil
}

// MergeStates writes the merge of prefix and suffix into dst, which may
// alias either input.
func MergeStates(dst, prefix, suffix Partial) error {
	if !prefix.sameShape(suffix) || !prefix.sameShape(dst) {
		return fault.Preconditionf("merge of %dx%dx%d with %dx%dx%d into %dx%dx%d",
			prefix.Tokens, prefix.Heads, prefix.Dim, suffix.Tokens, suffix.Heads, suffix.Dim, dst.Tokens, dst.Heads, dst.Dim)
	}
	for _, p := range []Partial{dst, prefix, suffix} {
		if err := p.check(); err != nil {
			return err
		}
	}
	d := prefix.Dim
	for i := 0; i < prefix.Tokens*prefix.Heads; i++ {
		dst.LSE[i] = kernel.MergeRow(dst.Out[i*d:(i+1)*d],
			prefix.Out[i*d:(i+1)*d], prefix.LSE[i],
			suffix.Out[i*d:(i+1)*d], suffix.LSE[i])
	}
	return nil
}

// Merge returns a new Partial combining prefix and suffix.
func Merge(prefix, suffix Partial) (Partial, error) {
	out := NewPartial(prefix.Tokens, prefix.Heads, prefix.Dim)
	if err := MergeStates(out, prefix, suffix); err != nil {
		return Partial{}, err
	}
	return out, nil
}

// MergeAll folds parts left to right. A single part is returned unchanged.
func MergeAll(parts ...Partial) (Partial, error) {
	if len(parts) == 0 {
		return Partial{}, fault.Preconditionf("merge of no partials")
	}
	acc := parts[0]
	for _, p := range parts[1:] {
		var err error
		if acc, err = Merge(acc, p); err != nil {
			return Partial{}, err
		}
	}
	return acc, nil
}
