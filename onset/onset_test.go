package onset

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/cwbudde/algo-onset/activation"
	"github.com/cwbudde/algo-onset/internal/errs"
)

func spikes(n int, at map[int]float64) []float64 {
	x := make([]float64, n)
	for i, v := range at {
		x[i] = v
	}
	return x
}

func TestPickPeaks(t *testing.T) {
	x := []float64{0, 0.2, 0.8, 0.3, 0, 0.6, 0.7, 0, 0.1, 0}
	tests := []struct {
		name      string
		threshold float64
		preMax    int
		postMax   int
		want      []int
	}{
		{name: "no max filter", threshold: 0.5, want: []int{2, 5, 6}},
		{name: "local max", threshold: 0.5, preMax: 1, postMax: 1, want: []int{2, 6}},
		{name: "low threshold", threshold: 0.05, preMax: 1, postMax: 1, want: []int{2, 6, 8}},
	}
	for _, tt := range tests {
		got := PickPeaks(x, tt.threshold, 0, 0, tt.preMax, tt.postMax)
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("%s: PickPeaks = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPickPeaksMovingAverage(t *testing.T) {
	x := []float64{0.5, 0.5, 0.5, 0.9, 0.5}
	got := PickPeaks(x, 0, 2, 2, 0, 0)
	if !reflect.DeepEqual(got, []int{0, 1, 3, 4}) {
		t.Fatalf("PickPeaks with zero-padded average = %v, want [0 1 3 4]", got)
	}
	got = PickPeaks([]float64{0.5, 0.5, 0.5, 0.9, 0.5, 0.5, 0.5}, 0, 1, 1, 0, 0)
	if !reflect.DeepEqual(got, []int{0, 1, 3, 5, 6}) {
		t.Fatalf("PickPeaks with average = %v, want [0 1 3 5 6]", got)
	}
}

func TestDetect(t *testing.T) {
	act := activation.Activation{
		Values: spikes(300, map[int]float64{50: 0.9, 51: 0.7, 120: 0.95, 200: 0.3, 250: 0.8}),
		FPS:    100,
	}
	d := NewDetector(Params{Threshold: 0.5, PreMax: 0.01, PostMax: 0.01, Combine: 0.03})
	got, err := d.Detect(Input{Activation: act})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	want := Set{0.5, 1.2, 2.5}
	if len(got) != len(want) {
		t.Fatalf("Detect = %v, want %v", got, want)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("Detect = %v, want %v", got, want)
		}
	}
}

func TestDetectNegativeDelayDropsEarlyOnsets(t *testing.T) {
	act := activation.Activation{
		Values: spikes(100, map[int]float64{1: 0.9, 50: 0.9}),
		FPS:    100,
	}
	d := NewDetector(Params{Threshold: 0.5, PreMax: 0.01, PostMax: 0.01, Delay: -0.05})
	got, err := d.Detect(Input{Activation: act})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 1 || math.Abs(got[0]-0.45) > 1e-9 {
		t.Fatalf("Detect = %v, want [0.45]", got)
	}
	if set := Normalize([]float64{-0.1, 0, 0.3, -0.1}); !reflect.DeepEqual(set, Set{0, 0.3}) {
		t.Fatalf("Normalize = %v, want [0 0.3]", set)
	}
}

func TestDetectEmpty(t *testing.T) {
	got, err := NewDetector(DefaultParams()).Detect(Input{})
	if err != nil {
		t.Fatalf("Detect(empty): %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("Detect(empty) = %#v, want empty set", got)
	}
}

func TestDetectRMSBacktrackNeedsEnvelope(t *testing.T) {
	act := activation.Activation{Values: spikes(10, map[int]float64{5: 1}), FPS: 100}
	d := NewDetector(Params{Threshold: 0.5, Backtrack: true, Energy: EnergyRMS})
	if _, err := d.Detect(Input{Activation: act}); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Detect without rms = %v, want ErrConfiguration", err)
	}
	rms := activation.Activation{Values: []float64{0.5, 0.4, 0.1, 0.2, 0.6, 0.9, 0.8, 0.7, 0.6, 0.5}, FPS: 100}
	got, err := d.Detect(Input{Activation: act, RMS: &rms})
	if err != nil {
		t.Fatalf("Detect with rms: %v", err)
	}
	if len(got) != 1 || math.Abs(got[0]-0.02) > 1e-9 {
		t.Fatalf("Detect with rms backtracking = %v, want [0.02]", got)
	}
	bad := activation.Activation{Values: rms.Values, FPS: 50}
	if _, err := d.Detect(Input{Activation: act, RMS: &bad}); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Detect with mismatched rms fps = %v, want ErrConfiguration", err)
	}
}

func TestBacktrack(t *testing.T) {
	energy := []float64{3, 2, 1, 2, 3, 4, 2, 5, 6}
	got := Backtrack([]int{5, 8, 0}, energy)
	want := []int{2, 6, 0}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Backtrack = %v, want %v", got, want)
	}
}

func TestCombineAndNormalize(t *testing.T) {
	got := Combine([]float64{0.1, 0.12, 0.14, 0.2, 0.5}, 0.03)
	want := []float64{0.1, 0.14, 0.2, 0.5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Combine = %v, want %v", got, want)
	}
	set := Normalize([]float64{0.5, 0.1, 0.5, 0.2})
	if !reflect.DeepEqual(set, Set{0.1, 0.2, 0.5}) {
		t.Fatalf("Normalize = %v, want [0.1 0.2 0.5]", set)
	}
}
