package kernel

import "math"

// MergeRow combines two partial attention results over disjoint key ranges
// into dst and returns the merged log-sum-exp. dst may alias p or s.
func MergeRow(dst, p []float32, lp float32, s []float32, ls float32) float32 {
	pInf, sInf := math.IsInf(float64(lp), -1), math.IsInf(float64(ls), -1)
	switch {
	case pInf && sInf:
		clear(dst)
		return lp
	case pInf:
		copy(dst, s)
		return ls
	case sInf:
		copy(dst, p)
		return lp
	}
	a, b := float64(lp), float64(ls)
	lse := math.Max(a, b) + math.Log1p(math.Exp(-math.Abs(a-b)))
	wp := float32(math.Exp(a - lse))
	ws := float32(math.Exp(b - lse))
	for i := range dst {
		dst[i] = p[i]*wp + s[i]*ws
	}
	return float32(lse)
}

// NegInf is the log-sum-exp of an empty key range.
var NegInf = float32(math.Inf(-1))
