// Package beat tracks quarter-note beats and their bar positions in a full
// mix, narrowing the tempo search range over several passes.
package beat

import (
	"fmt"

	"github.com/cwbudde/algo-onset/activation"
	"github.com/cwbudde/algo-onset/config"
)

// First-pass decoder settings: wide tempo range, loose observation and a
// stiff transition model.
const (
	firstPassTransitionLambda  = 75
	firstPassObservationLambda = 2
)

// Params are the tunable arguments of the later passes.
type Params struct {
	Threshold         float64 `json:"threshold"`
	TransitionLambda  float64 `json:"transition_lambda"`
	ObservationLambda float64 `json:"observation_lambda"`
	Passes            int     `json:"passes"`
	// Correct moves decoded beats onto nearby activation peaks.
	Correct bool `json:"correct"`
}

func DefaultParams() Params {
	return Params{
		Threshold:         0.05,
		TransitionLambda:  5,
		ObservationLambda: 16,
		Passes:            3,
		Correct:           true,
	}
}

// PassInfo records the tempo range and beat count of one pass.
type PassInfo struct {
	MinBPM float64     `json:"min_bpm"`
	MaxBPM float64     `json:"max_bpm"`
	Method RangeMethod `json:"method,omitempty"`
	Beats  int         `json:"beats"`
}

// Result is a tracked beat sequence. Positions parallels Beats and cycles in
// 1..time signature. Tempo is the mean BPM of the final pass.
type Result struct {
	Beats     []float64  `json:"beats"`
	Positions []int      `json:"positions"`
	Tempo     float64    `json:"tempo"`
	Passes    []PassInfo `json:"passes"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// Downbeats returns the beats at metric position 1.
func (r Result) Downbeats() []float64 {
	return ExtractDownbeats(r.Beats, r.Positions)
}

// Degenerate reports whether tracking collapsed to the single zero beat.
func (r Result) Degenerate() bool {
	return len(r.Beats) < 2
}

// CheckMetre compares the tracked positions with those derived from an
// annotated first downbeat and returns a warning on divergence.
func (r Result) CheckMetre(timeSignature int, firstDownbeat float64) string {
	if r.Degenerate() {
		return ""
	}
	return CompareMetre(r.Positions, MetreFromDownbeat(r.Beats, timeSignature, firstDownbeat))
}

// Tracker runs the multi-pass beat tracker.
type Tracker struct {
	minBPM float64
	maxBPM float64
	p      Params
}

// NewTracker takes the first-pass tempo bounds from cfg.
func NewTracker(cfg config.Config, p Params) *Tracker {
	if p.Passes < 1 {
		p.Passes = 1
	}
	return &Tracker{minBPM: cfg.MinBPM, maxBPM: cfg.MaxBPM, p: p}
}

func (t *Tracker) Params() Params { return t.p }

// Track decodes beats from act. Fewer than two beats in any pass stops the
// tracker with the single beat 0, tempo 0 and a warning.
func (t *Tracker) Track(act activation.BeatActivation, timeSignature int) Result {
	if timeSignature < 1 {
		timeSignature = 1
	}
	fps := act.Beat.FPS
	if fps <= 0 || act.Beat.Len() == 0 {
		return degenerate(nil, "empty beat activation")
	}

	mc := modelConfig{
		minBPM:            t.minBPM,
		maxBPM:            t.maxBPM,
		transitionLambda:  firstPassTransitionLambda,
		observationLambda: firstPassObservationLambda,
		threshold:         0,
		correct:           t.p.Correct,
	}
	frames := decode(act.Beat.Values, fps, mc)
	passes := []PassInfo{{MinBPM: mc.minBPM, MaxBPM: mc.maxBPM, Beats: len(frames)}}

	for pass := 1; pass < t.p.Passes; pass++ {
		if len(frames) < 2 {
			break
		}
		lo, hi, method, ok := NarrowRange(IQRFilter(BPMs(toTimes(frames, fps))))
		if !ok || lo <= 0 || hi < lo {
			return degenerate(passes, fmt.Sprintf("pass %d: no usable tempo range", pass+1))
		}
		mc = modelConfig{
			minBPM:            lo,
			maxBPM:            hi,
			transitionLambda:  t.p.TransitionLambda,
			observationLambda: t.p.ObservationLambda,
			threshold:         t.p.Threshold,
			correct:           t.p.Correct,
		}
		frames = decode(act.Beat.Values, fps, mc)
		passes = append(passes, PassInfo{MinBPM: lo, MaxBPM: hi, Method: method, Beats: len(frames)})
	}
	if len(frames) < 2 {
		return degenerate(passes, fmt.Sprintf("pass %d detected %d beats", len(passes), len(frames)))
	}

	beats := toTimes(frames, fps)
	accent := act.Downbeat
	if len(accent) == 0 {
		accent = act.Beat.Values
	}
	phase := choosePhase(frames, accent, timeSignature)
	return Result{
		Beats:     beats,
		Positions: positionsFromPhase(len(beats), timeSignature, phase),
		Tempo:     Tempo(beats),
		Passes:    passes,
	}
}

func toTimes(frames []int, fps float64) []float64 {
	out := make([]float64, len(frames))
	for i, f := range frames {
		out[i] = float64(f) / fps
	}
	return out
}

func degenerate(passes []PassInfo, reason string) Result {
	return Result{
		Beats:     []float64{0},
		Positions: []int{1},
		Tempo:     0,
		Passes:    passes,
		Warnings:  []string{"too few beats detected: " + reason},
	}
}
