package attention

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/kernel"
)

func randomPartial(r *rand.Rand, tokens, heads, dim int) Partial {
	p := NewPartial(tokens, heads, dim)
	for i := range p.Out {
		p.Out[i] = r.Float32()*4 - 2
	}
	for i := range p.LSE {
		p.LSE[i] = r.Float32()*6 - 3
	}
	return p
}

func TestMergeAssociative(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	a := randomPartial(r, 3, 2, 4)
	b := randomPartial(r, 3, 2, 4)
	c := randomPartial(r, 3, 2, 4)
	// One empty key range in the middle.
	b.LSE[1] = kernel.NegInf

	ab, err := Merge(a, b)
	require.NoError(t, err)
	left, err := Merge(ab, c)
	require.NoError(t, err)

	bc, err := Merge(b, c)
	require.NoError(t, err)
	right, err := Merge(a, bc)
	require.NoError(t, err)

	assert.InDeltaSlice(t, left.Out, right.Out, 1e-5)
	assert.InDeltaSlice(t, left.LSE, right.LSE, 1e-5)

	swapped, err := MergeAll(c, b, a)
	require.NoError(t, err)
	assert.InDeltaSlice(t, left.Out, swapped.Out, 1e-5)
	assert.InDeltaSlice(t, left.LSE, swapped.LSE, 1e-5)
}

func TestMergeIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	a := randomPartial(r, 2, 2, 3)

	single, err := MergeAll(a)
	require.NoError(t, err)
	assert.Equal(t, a, single)

	empty := NewPartial(2, 2, 3)
	merged, err := Merge(a, empty)
	require.NoError(t, err)
	assert.Equal(t, a.Out, merged.Out)
	assert.Equal(t, a.LSE, merged.LSE)
}

func TestMergeBothEmpty(t *testing.T) {
	a, b := NewPartial(1, 1, 2), NewPartial(1, 1, 2)
	a.Out[0], b.Out[1] = 5, 6
	m, err := Merge(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, m.Out)
	assert.True(t, math.IsInf(float64(m.LSE[0]), -1))
}

func TestMergeShapeMismatch(t *testing.T) {
	_, err := Merge(NewPartial(1, 1, 2), NewPartial(2, 1, 2))
	assert.True(t, errors.Is(err, fault.ErrPrecondition))

	_, err = MergeAll()
	assert.True(t, errors.Is(err, fault.ErrPrecondition))
}
