// Package match aligns instrument onsets with tracked beats using an
// asymmetric tolerance window around each beat.
package match

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/errs"
	"github.com/cwbudde/algo-onset/onset"
)

// Window is the tolerance before (Left) and after (Right) a beat, in seconds.
type Window struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// HardWindow is a fixed symmetric window.
func HardWindow(w float64) Window {
	return Window{Left: w, Right: w}
}

// AdaptiveWindow scales note values of a 4/4 bar at tempo: with the default
// notes the window reaches a 32nd note before and a 16th note after the beat.
// Non-positive tempi give an empty window.
func AdaptiveWindow(tempo, leftNote, rightNote float64) Window {
	if !(tempo > 0) || math.IsInf(tempo, 0) {
		return Window{}
	}
	bar := 60 / tempo * 4
	return Window{Left: bar * leftNote, Right: bar * rightNote}
}

// Unmatched is the sentinel for a beat without an onset.
var Unmatched = math.NaN()

// IsUnmatched reports whether v is the sentinel.
func IsUnmatched(v float64) bool { return math.IsNaN(v) }

// Nearest returns the onset closest to beat inside w. Onsets before the beat
// must lie within w.Left, onsets at or after it within w.Right; the smaller
// absolute offset wins, the earlier onset on a tie.
func Nearest(beat float64, onsets []float64, w Window) (float64, bool) {
	left, right := -1, -1
	for i, o := range onsets {
		d := o - beat
		switch {
		case d < 0 && -d <= w.Left:
			if left < 0 || d > onsets[left]-beat {
				left = i
			}
		case d >= 0 && d <= w.Right:
			if right < 0 || d < onsets[right]-beat {
				right = i
			}
		}
	}
	switch {
	case left < 0 && right < 0:
		return Unmatched, false
	case right < 0:
		return onsets[left], true
	case left < 0:
		return onsets[right], true
	}
	if beat-onsets[left] <= onsets[right]-beat {
		return onsets[left], true
	}
	return onsets[right], true
}

// Match returns, for each beat, the nearest onset within w or Unmatched. The
// result always has len(beats) entries.
func Match(beats []float64, onsets []float64, w Window) []float64 {
	out := make([]float64, len(beats))
	for i, b := range beats {
		out[i], _ = Nearest(b, onsets, w)
	}
	return out
}

// Matcher holds the window mode for a run.
type Matcher struct {
	adaptive  bool
	hard      float64
	leftNote  float64
	rightNote float64
}

// NewMatcher builds a tempo-adaptive matcher, or a hard-window one when
// adaptive is false.
func NewMatcher(cfg config.Config, adaptive bool) *Matcher {
	return &Matcher{
		adaptive:  adaptive,
		hard:      cfg.Window,
		leftNote:  cfg.LeftNote,
		rightNote: cfg.RightNote,
	}
}

// Window returns the window used at tempo.
func (m *Matcher) Window(tempo float64) Window {
	if m.adaptive {
		return AdaptiveWindow(tempo, m.leftNote, m.rightNote)
	}
	return HardWindow(m.hard)
}

// Match aligns onsets to beats. An adaptive matcher leaves every beat
// unmatched when tempo is unknown.
func (m *Matcher) Match(beats []float64, tempo float64, onsets onset.Set) []float64 {
	if m.adaptive && !(tempo > 0) {
		out := make([]float64, len(beats))
		for i := range out {
			out[i] = Unmatched
		}
		return out
	}
	return Match(beats, onsets, m.Window(tempo))
}

// Table has one row per beat and one column per instrument.
type Table struct {
	Beats       []float64
	Instruments []string
	Columns     map[string][]float64
}

// Table matches every instrument. Instruments defaults to the sorted keys of
// onsets; an instrument without onsets, or no input at all, is a
// configuration error.
func (m *Matcher) Table(beats []float64, tempo float64, onsets map[string]onset.Set, instruments []string) (*Table, error) {
	if len(onsets) == 0 && len(instruments) == 0 {
		return nil, errs.Configf("neither onsets nor instrument names given")
	}
	if len(instruments) == 0 {
		for name := range onsets {
			instruments = append(instruments, name)
		}
		sort.Strings(instruments)
	}
	t := &Table{
		Beats:       append([]float64(nil), beats...),
		Instruments: append([]string(nil), instruments...),
		Columns:     make(map[string][]float64, len(instruments)),
	}
	for _, name := range instruments {
		ons, ok := onsets[name]
		if !ok {
			return nil, errs.Configf("no onsets for instrument %q", name)
		}
		t.Columns[name] = m.Match(beats, tempo, ons)
	}
	return t, nil
}

// MatchedFraction is the share of beats with a matched onset for instrument.
func (t *Table) MatchedFraction(instrument string) float64 {
	col := t.Columns[instrument]
	if len(col) == 0 {
		return 0
	}
	n := 0
	for _, v := range col {
		if !IsUnmatched(v) {
			n++
		}
	}
	return float64(n) / float64(len(col))
}

// MarshalJSON encodes unmatched cells as null.
func (t *Table) MarshalJSON() ([]byte, error) {
	cols := make(map[string][]*float64, len(t.Columns))
	for name, col := range t.Columns {
		out := make([]*float64, len(col))
		for i := range col {
			if !IsUnmatched(col[i]) {
				v := col[i]
				out[i] = &v
			}
		}
		cols[name] = out
	}
	return json.Marshal(struct {
		Beats       []float64             `json:"beats"`
		Instruments []string              `json:"instruments"`
		Columns     map[string][]*float64 `json:"columns"`
	}{t.Beats, t.Instruments, cols})
}

// UnmarshalJSON restores null cells as Unmatched.
func (t *Table) UnmarshalJSON(b []byte) error {
	var raw struct {
		Beats       []float64             `json:"beats"`
		Instruments []string              `json:"instruments"`
		Columns     map[string][]*float64 `json:"columns"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Beats = raw.Beats
	t.Instruments = raw.Instruments
	t.Columns = make(map[string][]float64, len(raw.Columns))
	for name, col := range raw.Columns {
		out := make([]float64, len(col))
		for i, v := range col {
			if v == nil {
				out[i] = Unmatched
			} else {
				out[i] = *v
			}
		}
		t.Columns[name] = out
	}
	return nil
}
