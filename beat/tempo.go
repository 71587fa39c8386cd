package beat

import (
	"math"

	"github.com/cwbudde/algo-onset/internal/fitcommon"
)

// BPMs converts consecutive beat times into instantaneous tempi. Zero
// intervals produce +Inf and are dropped by the statistics.
func BPMs(beats []float64) []float64 {
	if len(beats) < 2 {
		return nil
	}
	out := make([]float64, len(beats)-1)
	for i := 1; i < len(beats); i++ {
		out[i-1] = 60 / (beats[i] - beats[i-1])
	}
	return out
}

// Tempo is the mean instantaneous tempo of beats, ignoring non-finite values.
// It is 0 for fewer than two beats.
func Tempo(beats []float64) float64 {
	m := fitcommon.NanMean(BPMs(beats))
	if math.IsNaN(m) {
		return 0
	}
	return m
}

// IQRFilter keeps values within [Q1 - 1.5*IQR, Q3 + 1.5*IQR], bounds
// inclusive. When the interquartile range is zero the input is returned
// unchanged.
func IQRFilter(xs []float64) []float64 {
	f := fitcommon.Finite(xs)
	if len(f) == 0 {
		return f
	}
	q1 := fitcommon.Percentile(f, 25)
	q3 := fitcommon.Percentile(f, 75)
	iqr := q3 - q1
	if iqr == 0 {
		return f
	}
	lo, hi := q1-1.5*iqr, q3+1.5*iqr
	out := make([]float64, 0, len(f))
	for _, v := range f {
		if v >= lo && v <= hi {
			out = append(out, v)
		}
	}
	return out
}

// RangeMethod names the interval chosen by NarrowRange.
type RangeMethod string

const (
	RangePercentile RangeMethod = "percentile"
	RangeStd        RangeMethod = "std"
)

// NarrowRange proposes a tempo search range from cleaned BPMs: the 25th-75th
// percentile interval if it is strictly narrower than mean +/- one standard
// deviation, otherwise the latter. ok is false when no finite BPMs remain.
func NarrowRange(bpms []float64) (lo, hi float64, method RangeMethod, ok bool) {
	f := fitcommon.Finite(bpms)
	if len(f) == 0 {
		return 0, 0, "", false
	}
	p25 := fitcommon.Percentile(f, 25)
	p75 := fitcommon.Percentile(f, 75)
	mean := fitcommon.NanMean(f)
	std := fitcommon.NanStd(f)
	if p75-p25 < 2*std {
		return p25, p75, RangePercentile, true
	}
	return mean - std, mean + std, RangeStd, true
}
