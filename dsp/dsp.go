// Package dsp contains the frame-level signal helpers shared by the
// activation, onset and silence packages.
package dsp

import (
	"math"

	dspcore "github.com/cwbudde/algo-dsp/dsp/core"
	algofft "github.com/cwbudde/algo-fft"
	"github.com/viterin/vek"
)

// Hamming returns a symmetric Hamming window of length n.
func Hamming(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// Hann returns a symmetric Hann window of length n.
func Hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// Smooth convolves x with an unnormalized Hamming kernel of the given width
// and returns the centred part of the result, len(x) samples long.
// Widths below 2 return a copy of x.
func Smooth(x []float64, width int) ([]float64, error) {
	out := make([]float64, len(x))
	if width < 2 || len(x) == 0 {
		copy(out, x)
		return out, nil
	}
	kernel := Hamming(width)
	a := make([]float32, len(x))
	for i, v := range x {
		a[i] = float32(v)
	}
	b := make([]float32, len(kernel))
	for i, v := range kernel {
		b[i] = float32(v)
	}
	full := make([]float32, len(a)+len(b)-1)
	if err := algofft.ConvolveReal(full, a, b); err != nil {
		return nil, err
	}
	offset := (width - 1) / 2
	for i := range out {
		out[i] = dspcore.FlushDenormals(float64(full[i+offset]))
	}
	return out, nil
}

// MovingAverage averages x over [i-pre, i+post] with zeros outside the
// signal; the divisor is always the full window length.
func MovingAverage(x []float64, pre, post int) []float64 {
	out := make([]float64, len(x))
	length := pre + post + 1
	if length <= 1 {
		copy(out, x)
		return out
	}
	prefix := make([]float64, len(x)+1)
	for i, v := range x {
		prefix[i+1] = prefix[i] + v
	}
	for i := range x {
		lo := max(i-pre, 0)
		hi := min(i+post, len(x)-1)
		if lo > hi {
			continue
		}
		out[i] = (prefix[hi+1] - prefix[lo]) / float64(length)
	}
	return out
}

// MovingMax takes the maximum of x over [i-pre, i+post]. Positions outside
// the signal count as zero.
func MovingMax(x []float64, pre, post int) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		m := math.Inf(-1)
		if i-pre < 0 || i+post >= len(x) {
			m = 0
		}
		lo := max(i-pre, 0)
		hi := min(i+post, len(x)-1)
		for j := lo; j <= hi; j++ {
			if x[j] > m {
				m = x[j]
			}
		}
		out[i] = m
	}
	return out
}

// FrameCount is the number of centred frames for n samples.
func FrameCount(n, hop int) int {
	if n <= 0 || hop <= 0 {
		return 0
	}
	return 1 + n/hop
}

// FrameRMS computes the RMS of centred, zero-padded frames: frame i covers
// samples [i*hop - frameLen/2, i*hop + frameLen/2).
func FrameRMS(samples []float64, frameLen, hop int) []float64 {
	n := FrameCount(len(samples), hop)
	out := make([]float64, n)
	if frameLen <= 0 {
		return out
	}
	half := frameLen / 2
	prefix := make([]float64, len(samples)+1)
	for i, v := range samples {
		prefix[i+1] = prefix[i] + v*v
	}
	for i := 0; i < n; i++ {
		lo := max(i*hop-half, 0)
		hi := min(i*hop-half+frameLen, len(samples))
		if lo >= hi {
			continue
		}
		out[i] = math.Sqrt(dspcore.FlushDenormals((prefix[hi] - prefix[lo]) / float64(frameLen)))
	}
	return out
}

// Normalize scales x in place so its maximum is 1. All-zero input is left alone.
func Normalize(x []float64) {
	if len(x) == 0 {
		return
	}
	peak := vek.Max(x)
	if peak <= 0 {
		return
	}
	vek.DivNumber_Inplace(x, peak)
}
