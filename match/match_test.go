package match

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/errs"
	"github.com/cwbudde/algo-onset/onset"
)

func sameMatches(got, want []float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if IsUnmatched(want[i]) != IsUnmatched(got[i]) {
			return false
		}
		if !IsUnmatched(want[i]) && got[i] != want[i] {
			return false
		}
	}
	return true
}

var (
	testBeats  = []float64{0, 0.5, 1.0, 1.5}
	testOnsets = onset.Set{0.1, 0.6, 1.25, 1.55}
)

func TestMatchHardWindow(t *testing.T) {
	got := Match(testBeats, testOnsets, HardWindow(0.1))
	want := []float64{0.1, 0.6, Unmatched, 1.55}
	if !sameMatches(got, want) {
		t.Fatalf("Match(hard 0.1) = %v, want %v", got, want)
	}
}

func TestMatchAdaptiveWindow(t *testing.T) {
	m := NewMatcher(config.Default(), true)
	got := m.Match(testBeats, 160, testOnsets)
	want := []float64{Unmatched, Unmatched, Unmatched, 1.55}
	if !sameMatches(got, want) {
		t.Fatalf("Match(adaptive 160bpm) = %v, want %v", got, want)
	}
}

func TestAdaptiveWindowHalvesWhenTempoDoubles(t *testing.T) {
	for _, tempo := range []float64{60, 97.5, 160, 240} {
		w1 := AdaptiveWindow(tempo, 1.0/32, 1.0/16)
		w2 := AdaptiveWindow(2*tempo, 1.0/32, 1.0/16)
		if math.Abs(w2.Left-w1.Left/2) > 1e-12 || math.Abs(w2.Right-w1.Right/2) > 1e-12 {
			t.Fatalf("AdaptiveWindow(%v) = %+v, doubled = %+v", tempo, w1, w2)
		}
	}
	w := AdaptiveWindow(120, 1.0/32, 1.0/16)
	if math.Abs(w.Left-0.0625) > 1e-12 || math.Abs(w.Right-0.125) > 1e-12 {
		t.Fatalf("AdaptiveWindow(120) = %+v, want {0.0625 0.125}", w)
	}
}

func TestNearestPrefersSmallerOffset(t *testing.T) {
	w := HardWindow(0.1)
	tests := []struct {
		beat   float64
		onsets []float64
		want   float64
	}{
		{beat: 1, onsets: []float64{0.95, 1.02}, want: 1.02},
		{beat: 1, onsets: []float64{0.98, 1.05}, want: 0.98},
		{beat: 1, onsets: []float64{0.9, 0.92, 0.97}, want: 0.97},
		{beat: 1, onsets: []float64{1.0, 1.01}, want: 1.0},
	}
	for _, tt := range tests {
		got, ok := Nearest(tt.beat, tt.onsets, w)
		if !ok || got != tt.want {
			t.Fatalf("Nearest(%v, %v) = %v, %v; want %v", tt.beat, tt.onsets, got, ok, tt.want)
		}
	}
}

func TestMatchValuesComeFromOnsets(t *testing.T) {
	beats := []float64{0.2, 0.7, 1.2, 1.7, 2.2}
	onsets := []float64{0.19, 0.74, 1.31, 2.2}
	got := Match(beats, onsets, Window{Left: 0.05, Right: 0.08})
	if len(got) != len(beats) {
		t.Fatalf("len = %d, want %d", len(got), len(beats))
	}
	for _, v := range got {
		if IsUnmatched(v) {
			continue
		}
		found := false
		for _, o := range onsets {
			if o == v {
				found = true
			}
		}
		if !found {
			t.Fatalf("matched value %v not in onsets", v)
		}
	}
}

func TestMatcherUnknownTempo(t *testing.T) {
	got := NewMatcher(config.Default(), true).Match(testBeats, 0, testOnsets)
	for i, v := range got {
		if !IsUnmatched(v) {
			t.Fatalf("Match(tempo 0)[%d] = %v, want unmatched", i, v)
		}
	}
}

func TestTable(t *testing.T) {
	m := NewMatcher(config.Default(), false)
	onsets := map[string]onset.Set{
		"piano": testOnsets,
		"bass":  {0.01, 0.49, 1.0},
	}
	tbl, err := m.Table(testBeats, 120, onsets, nil)
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if strings.Join(tbl.Instruments, ",") != "bass,piano" {
		t.Fatalf("Instruments = %v, want [bass piano]", tbl.Instruments)
	}
	for _, name := range tbl.Instruments {
		if len(tbl.Columns[name]) != len(testBeats) {
			t.Fatalf("column %s has %d rows, want %d", name, len(tbl.Columns[name]), len(testBeats))
		}
	}
	if got := tbl.MatchedFraction("bass"); got != 0.75 {
		t.Fatalf("MatchedFraction(bass) = %v, want 0.75", got)
	}
	b, err := json.Marshal(tbl)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	if !strings.Contains(string(b), "null") {
		t.Fatalf("unmatched cells not encoded as null: %s", b)
	}
	var back Table
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	for _, name := range tbl.Instruments {
		if !sameMatches(back.Columns[name], tbl.Columns[name]) {
			t.Fatalf("decoded column %s = %v, want %v", name, back.Columns[name], tbl.Columns[name])
		}
	}
}

func TestTableConfigurationErrors(t *testing.T) {
	m := NewMatcher(config.Default(), true)
	if _, err := m.Table(testBeats, 120, nil, nil); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Table(no input) = %v, want ErrConfiguration", err)
	}
	if _, err := m.Table(testBeats, 120, map[string]onset.Set{"piano": testOnsets}, []string{"drums"}); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("Table(missing drums) = %v, want ErrConfiguration", err)
	}
}
