package activation

import (
	"fmt"
	"math"
	"math/cmplx"

	algofft "github.com/cwbudde/algo-fft"
	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/dsp"
)

// FluxFrameSize is the STFT window length used for spectral flux.
const FluxFrameSize = 2048

// SpectralFlux computes a band-limited, log-compressed positive spectral
// flux curve at fps frames per second, normalized to a peak of 1.
func SpectralFlux(samples []float64, sampleRate int, fps float64, band config.Band) (Activation, error) {
	if sampleRate <= 0 || fps <= 0 {
		return Activation{}, fmt.Errorf("invalid rates: sample rate %d, fps %v", sampleRate, fps)
	}
	hop := int(math.Round(float64(sampleRate) / fps))
	if hop < 1 {
		return Activation{}, fmt.Errorf("fps %v too high for sample rate %d", fps, sampleRate)
	}
	n := dsp.FrameCount(len(samples), hop)
	out := Activation{Values: make([]float64, n), FPS: fps}
	if n == 0 {
		return out, nil
	}

	plan, err := algofft.NewPlanReal64(FluxFrameSize)
	if err != nil {
		return Activation{}, fmt.Errorf("fft plan: %w", err)
	}
	binHz := float64(sampleRate) / float64(FluxFrameSize)
	lo := max(int(math.Ceil(band.Low/binHz)), 1)
	hi := min(int(math.Floor(band.High/binHz)), FluxFrameSize/2)
	if hi < lo {
		return out, nil
	}

	window := dsp.Hann(FluxFrameSize)
	buf := make([]float64, FluxFrameSize)
	spec := make([]complex128, FluxFrameSize/2+1)
	prev := make([]float64, hi-lo+1)
	cur := make([]float64, hi-lo+1)
	half := FluxFrameSize / 2

	for i := 0; i < n; i++ {
		start := i*hop - half
		for j := range buf {
			k := start + j
			if k < 0 || k >= len(samples) {
				buf[j] = 0
				continue
			}
			buf[j] = samples[k] * window[j]
		}
		plan.Forward(spec, buf)
		var flux float64
		for k := lo; k <= hi; k++ {
			m := math.Log1p(cmplx.Abs(spec[k]))
			cur[k-lo] = m
			if i > 0 {
				if d := m - prev[k-lo]; d > 0 {
					flux += d
				}
			}
		}
		out.Values[i] = flux
		prev, cur = cur, prev
	}
	dsp.Normalize(out.Values)
	return out, nil
}

// RMS is the frame energy of samples aligned to activation frames at fps.
func RMS(samples []float64, sampleRate int, fps float64, frameLen int) Activation {
	hop := max(int(math.Round(float64(sampleRate)/fps)), 1)
	return Activation{Values: dsp.FrameRMS(samples, frameLen, hop), FPS: fps}
}
