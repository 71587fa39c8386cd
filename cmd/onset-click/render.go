package main

import (
	"math"

	dspcore "github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/cwbudde/algo-onset/internal/fitcommon"
)

// click is a decaying sine burst.
type click struct {
	freq     float64
	duration float64
	gain     float64
}

var (
	beatClick     = click{freq: 1000, duration: 0.06, gain: 0.5}
	downbeatClick = click{freq: 1600, duration: 0.08, gain: 0.7}
	onsetClick    = click{freq: 2400, duration: 0.03, gain: 0.35}
)

// addClicks renders c at each time into dst. Times outside dst are ignored
// and NaN entries (unmatched cells) are skipped.
func addClicks(dst []float64, sampleRate int, times []float64, c click) {
	length := int(c.duration * float64(sampleRate))
	if length < 1 {
		return
	}
	// -60 dB at the end of the burst.
	decay := math.Log(1000) / float64(length)
	for _, t := range times {
		if math.IsNaN(t) || t < 0 {
			continue
		}
		start := int(math.Round(t * float64(sampleRate)))
		for i := 0; i < length && start+i < len(dst); i++ {
			env := math.Exp(-decay * float64(i))
			v := c.gain * env * math.Sin(2*math.Pi*c.freq*float64(i)/float64(sampleRate))
			dst[start+i] = dspcore.FlushDenormals(dst[start+i] + v)
		}
	}
}

// mixDown scales the audio bed, adds the click track and hard-limits to
// [-1, 1]. The result is as long as the longer input.
func mixDown(bed []float64, bedGain float64, clicks []float64) []float32 {
	n := max(len(bed), len(clicks))
	out := make([]float32, n)
	for i := range out {
		v := 0.0
		if i < len(bed) {
			v += bedGain * bed[i]
		}
		if i < len(clicks) {
			v += clicks[i]
		}
		out[i] = float32(fitcommon.Clamp(v, -1, 1))
	}
	return out
}
