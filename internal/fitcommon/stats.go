package fitcommon

import (
	"math"
	"sort"

	"github.com/viterin/vek"
)

// Finite returns the finite values of xs in their original order.
func Finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// NanMean is the mean over finite values; NaN when there are none.
func NanMean(xs []float64) float64 {
	f := Finite(xs)
	if len(f) == 0 {
		return math.NaN()
	}
	return vek.Mean(f)
}

// NanStd is the population standard deviation over finite values.
func NanStd(xs []float64) float64 {
	f := Finite(xs)
	if len(f) == 0 {
		return math.NaN()
	}
	m := vek.Mean(f)
	var ss float64
	for _, v := range f {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(f)))
}

// Percentile uses linear interpolation between closest ranks over finite
// values, p in [0, 100]. NaN when there are no finite values.
func Percentile(xs []float64, p float64) float64 {
	f := Finite(xs)
	if len(f) == 0 {
		return math.NaN()
	}
	sort.Float64s(f)
	pos := Clamp(p, 0, 100) / 100 * float64(len(f)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return f[lo]
	}
	frac := pos - float64(lo)
	return f[lo] + (f[hi]-f[lo])*frac
}

// MaxOf returns the largest value, or 0 for an empty slice.
func MaxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return vek.Max(xs)
}
