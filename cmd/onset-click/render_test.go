package main

import (
	"math"
	"testing"

	"github.com/cwbudde/algo-onset/match"
	"github.com/cwbudde/algo-onset/onset"
	"github.com/cwbudde/algo-onset/pipeline"
)

func TestAddClicksPlacesBursts(t *testing.T) {
	const sr = 1000
	dst := make([]float64, 2*sr)
	addClicks(dst, sr, []float64{0.5, math.NaN(), 5}, click{freq: 100, duration: 0.05, gain: 1})
	for i := 0; i < 500; i++ {
		if dst[i] != 0 {
			t.Fatalf("dst[%d] = %v before the click, want 0", i, dst[i])
		}
	}
	peak := 0.0
	for i := 500; i < 550; i++ {
		peak = math.Max(peak, math.Abs(dst[i]))
	}
	if peak < 0.5 {
		t.Fatalf("click peak = %v, want a burst after 0.5 s", peak)
	}
	for i := 550; i < len(dst); i++ {
		if dst[i] != 0 {
			t.Fatalf("dst[%d] = %v after the click, want 0", i, dst[i])
		}
	}
}

func TestMixDownLimits(t *testing.T) {
	out := mixDown([]float64{1, -1, 0.2}, 1, []float64{0.5, -0.5, 0.1, 0.3})
	want := []float32{1, -1, float32(0.2 + 0.1), 0.3}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestOnsetTimes(t *testing.T) {
	res := &pipeline.TrackResult{
		Instruments: []*pipeline.InstrumentResult{{Instrument: "bass", Onsets: onset.Set{0.1, 0.6}}},
		Matched: &match.Table{
			Beats:       []float64{0, 0.5},
			Instruments: []string{"bass"},
			Columns:     map[string][]float64{"bass": {0.1, match.Unmatched}},
		},
	}
	if got, ok := onsetTimes(res, "bass", false); !ok || len(got) != 2 {
		t.Fatalf("onsetTimes(all) = %v, %v", got, ok)
	}
	got, ok := onsetTimes(res, "bass", true)
	if !ok || len(got) != 2 || !math.IsNaN(got[1]) {
		t.Fatalf("onsetTimes(matched) = %v, %v", got, ok)
	}
	if _, ok := onsetTimes(res, "piano", false); ok {
		t.Fatalf("onsetTimes(piano) should report missing")
	}
}
