// Package onset turns an activation curve into discrete onset times by
// peak picking.
package onset

import (
	"math"
	"sort"

	"github.com/cwbudde/algo-onset/activation"
	"github.com/cwbudde/algo-onset/dsp"
	"github.com/cwbudde/algo-onset/internal/errs"
)

// EnergySource selects the curve used to backtrack a peak to its attack.
type EnergySource int

const (
	// EnergyActivation backtracks on the (smoothed) activation itself.
	EnergyActivation EnergySource = iota
	// EnergyRMS backtracks on a frame RMS envelope of the audio channel.
	EnergyRMS
)

func (e EnergySource) String() string {
	if e == EnergyRMS {
		return "rms"
	}
	return "activation"
}

// Params are the peak-picking arguments. Window lengths are in seconds and
// are converted to frames at the activation frame rate.
type Params struct {
	Threshold float64 `json:"threshold"`
	Smooth    float64 `json:"smooth"`
	PreAvg    float64 `json:"pre_avg"`
	PostAvg   float64 `json:"post_avg"`
	PreMax    float64 `json:"pre_max"`
	PostMax   float64 `json:"post_max"`
	// Combine keeps only the first onset of any group closer than this.
	Combine float64 `json:"combine"`
	// Delay shifts every reported onset.
	Delay float64 `json:"delay"`

	Backtrack bool         `json:"backtrack"`
	Energy    EnergySource `json:"energy"`
}

// DefaultParams returns the starting point used before calibration.
func DefaultParams() Params {
	return Params{
		Threshold: 0.54,
		Smooth:    0.05,
		PreMax:    0.01,
		PostMax:   0.01,
		Combine:   0.03,
	}
}

// Set is an ascending, duplicate-free sequence of onset times in seconds.
type Set []float64

// Detector picks onsets with a fixed parameter set.
type Detector struct {
	p Params
}

func NewDetector(p Params) *Detector {
	return &Detector{p: p}
}

func (d *Detector) Params() Params { return d.p }

// Input is what one detection needs. RMS is only read when the detector
// backtracks on EnergyRMS and must then share the activation's frame rate.
type Input struct {
	Activation activation.Activation
	RMS        *activation.Activation
}

// Detect returns the onsets of in. An empty activation yields an empty set.
func (d *Detector) Detect(in Input) (Set, error) {
	act := in.Activation
	if act.Len() == 0 {
		return Set{}, nil
	}
	if act.FPS <= 0 {
		return nil, errs.Configf("activation frame rate must be > 0")
	}
	if d.p.Backtrack && d.p.Energy == EnergyRMS {
		if in.RMS == nil {
			return nil, errs.Configf("rms backtracking needs an rms envelope")
		}
		if in.RMS.FPS != act.FPS {
			return nil, errs.Configf("rms envelope at %v fps, activation at %v fps", in.RMS.FPS, act.FPS)
		}
	}

	smoothed, err := dsp.Smooth(act.Values, frames(d.p.Smooth, act.FPS))
	if err != nil {
		return nil, err
	}
	peaks := PickPeaks(smoothed, d.p.Threshold,
		frames(d.p.PreAvg, act.FPS), frames(d.p.PostAvg, act.FPS),
		frames(d.p.PreMax, act.FPS), frames(d.p.PostMax, act.FPS))

	if d.p.Backtrack {
		energy := smoothed
		if d.p.Energy == EnergyRMS {
			energy = in.RMS.Values
		}
		peaks = Backtrack(peaks, energy)
	}

	times := make([]float64, len(peaks))
	for i, p := range peaks {
		times[i] = float64(p)/act.FPS + d.p.Delay
	}
	return Normalize(Combine(times, d.p.Combine)), nil
}

func frames(seconds, fps float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(math.Round(seconds * fps))
}

// PickPeaks returns frames that are at least the local moving average over
// [i-preAvg, i+postAvg], equal to the local maximum over [i-preMax, i+postMax],
// nonzero, and at least threshold.
func PickPeaks(x []float64, threshold float64, preAvg, postAvg, preMax, postMax int) []int {
	det := make([]float64, len(x))
	avg := dsp.MovingAverage(x, preAvg, postAvg)
	for i, v := range x {
		if preAvg+postAvg == 0 || v >= avg[i] {
			det[i] = v
		}
	}
	if preMax+postMax > 0 {
		mx := dsp.MovingMax(det, preMax, postMax)
		for i := range det {
			if det[i] != mx[i] {
				det[i] = 0
			}
		}
	}
	var peaks []int
	for i, v := range det {
		if v != 0 && v >= threshold {
			peaks = append(peaks, i)
		}
	}
	return peaks
}

// Backtrack moves each peak to the closest preceding local minimum of
// energy. Peaks with no preceding minimum stay where they are.
func Backtrack(peaks []int, energy []float64) []int {
	var minima []int
	for i := 1; i+1 < len(energy); i++ {
		if energy[i] <= energy[i-1] && energy[i] < energy[i+1] {
			minima = append(minima, i)
		}
	}
	out := make([]int, len(peaks))
	for i, p := range peaks {
		out[i] = p
		j := sort.SearchInts(minima, p+1) - 1
		if j >= 0 {
			out[i] = minima[j]
		}
	}
	return out
}

// Combine drops every event closer than window to the last kept one.
func Combine(times []float64, window float64) []float64 {
	if window <= 0 || len(times) < 2 {
		return times
	}
	out := []float64{times[0]}
	for _, t := range times[1:] {
		if t-out[len(out)-1] > window {
			out = append(out, t)
		}
	}
	return out
}

// Normalize sorts times, removes duplicates and drops times before 0, which
// a negative delay can produce.
func Normalize(times []float64) Set {
	s := append(Set(nil), times...)
	sort.Float64s(s)
	out := s[:0]
	for _, t := range s {
		if t < 0 || (len(out) > 0 && t == out[len(out)-1]) {
			continue
		}
		out = append(out, t)
	}
	if out == nil {
		return Set{}
	}
	return out
}
