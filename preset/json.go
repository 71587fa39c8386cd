// Package preset stores converged detector parameters per instrument. The
// optimizer writes it; detectors read it at construction.
package preset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cwbudde/algo-onset/beat"
	"github.com/cwbudde/algo-onset/onset"
	"github.com/cwbudde/algo-onset/params"
)

// Value is a stored parameter value. JSON booleans decode to 1 or 0.
type Value float64

func (v *Value) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true":
		*v = 1
		return nil
	case "false":
		*v = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid parameter value %s", b)
	}
	*v = Value(f)
	return nil
}

// Record is one (instrument, parameter) entry.
type Record struct {
	Instrument string `json:"instrument"`
	Parameter  string `json:"parameter"`
	Value      Value  `json:"value"`
}

// File is the JSON schema of the store.
type File struct {
	Parameters []Record `json:"parameters"`
}

// Store maps instruments to their converged parameter sets.
type Store struct {
	sets map[string]params.Set
}

func NewStore() *Store {
	return &Store{sets: make(map[string]params.Set)}
}

// LoadJSON reads a store file.
func LoadJSON(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s := NewStore()
	for _, r := range f.Parameters {
		if r.Instrument == "" || r.Parameter == "" {
			return nil, fmt.Errorf("%s: record with empty instrument or parameter", path)
		}
		if math.IsNaN(float64(r.Value)) {
			return nil, fmt.Errorf("%s: %s.%s is NaN", path, r.Instrument, r.Parameter)
		}
		set, ok := s.sets[r.Instrument]
		if !ok {
			set = make(params.Set)
			s.sets[r.Instrument] = set
		}
		set[r.Parameter] = float64(r.Value)
	}
	return s, nil
}

// LoadOrEmpty is LoadJSON, with a missing file yielding an empty store.
func LoadOrEmpty(path string) (*Store, error) {
	s, err := LoadJSON(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewStore(), nil
	}
	return s, err
}

// Get returns a copy of the stored set for instrument, nil if absent.
func (s *Store) Get(instrument string) params.Set {
	set, ok := s.sets[instrument]
	if !ok {
		return nil
	}
	return set.Clone()
}

// Put replaces the set of instrument.
func (s *Store) Put(instrument string, set params.Set) {
	s.sets[instrument] = set.Clone()
}

// Records lists all entries sorted by instrument and parameter.
func (s *Store) Records() []Record {
	instruments := make([]string, 0, len(s.sets))
	for k := range s.sets {
		instruments = append(instruments, k)
	}
	sort.Strings(instruments)
	var out []Record
	for _, instr := range instruments {
		set := s.sets[instr]
		for _, k := range set.Keys() {
			out = append(out, Record{Instrument: instr, Parameter: k, Value: Value(set[k])})
		}
	}
	return out
}

// Save writes the store atomically.
func (s *Store) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(File{Parameters: s.Records()}, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Upsert replaces one instrument's set in the store file at path, creating
// the file if needed.
func Upsert(path, instrument string, set params.Set) error {
	s, err := LoadOrEmpty(path)
	if err != nil {
		return err
	}
	s.Put(instrument, set)
	return s.Save(path)
}

// OnsetParams returns the defaults overlaid with the stored set.
func (s *Store) OnsetParams(instrument string) (onset.Params, error) {
	p := onset.DefaultParams()
	if err := ApplyOnset(&p, s.sets[instrument]); err != nil {
		return onset.Params{}, fmt.Errorf("%s: %w", instrument, err)
	}
	return p, nil
}

// BeatParams returns the beat tracker defaults overlaid with the set stored
// under instrument (normally "mix").
func (s *Store) BeatParams(instrument string) (beat.Params, error) {
	p := beat.DefaultParams()
	if err := ApplyBeat(&p, s.sets[instrument]); err != nil {
		return beat.Params{}, fmt.Errorf("%s: %w", instrument, err)
	}
	return p, nil
}

// ApplyOnset overlays set on dst. Unknown names are rejected.
func ApplyOnset(dst *onset.Params, set params.Set) error {
	if dst == nil {
		return fmt.Errorf("nil destination params")
	}
	for _, k := range set.Keys() {
		v := set[k]
		switch k {
		case "threshold":
			if v < 0 {
				return fmt.Errorf("threshold must be >= 0")
			}
			dst.Threshold = v
		case "smooth", "pre_avg", "post_avg", "pre_max", "post_max", "combine":
			if v < 0 {
				return fmt.Errorf("%s must be >= 0", k)
			}
			*onsetWindow(dst, k) = v
		case "delay":
			dst.Delay = v
		case "backtrack":
			dst.Backtrack = set.Bool(k)
		case "energy_rms":
			dst.Energy = onset.EnergyActivation
			if set.Bool(k) {
				dst.Energy = onset.EnergyRMS
			}
		case "fps":
		default:
			return fmt.Errorf("unknown onset parameter %q", k)
		}
	}
	return nil
}

func onsetWindow(p *onset.Params, name string) *float64 {
	switch name {
	case "smooth":
		return &p.Smooth
	case "pre_avg":
		return &p.PreAvg
	case "post_avg":
		return &p.PostAvg
	case "pre_max":
		return &p.PreMax
	case "post_max":
		return &p.PostMax
	default:
		return &p.Combine
	}
}

// ApplyBeat overlays set on dst. Unknown names are rejected.
func ApplyBeat(dst *beat.Params, set params.Set) error {
	if dst == nil {
		return fmt.Errorf("nil destination params")
	}
	for _, k := range set.Keys() {
		v := set[k]
		switch k {
		case "threshold":
			if v < 0 || v > 1 {
				return fmt.Errorf("threshold must be in [0,1]")
			}
			dst.Threshold = v
		case "transition_lambda":
			if v < 0 {
				return fmt.Errorf("transition_lambda must be >= 0")
			}
			dst.TransitionLambda = v
		case "observation_lambda":
			if v < 1 {
				return fmt.Errorf("observation_lambda must be >= 1")
			}
			dst.ObservationLambda = v
		case "passes":
			if v < 1 || v != math.Trunc(v) {
				return fmt.Errorf("passes must be an integer >= 1")
			}
			dst.Passes = int(v)
		case "correct":
			dst.Correct = set.Bool(k)
		case "fps":
		default:
			return fmt.Errorf("unknown beat parameter %q", k)
		}
	}
	return nil
}
