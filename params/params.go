// Package params describes tunable detector arguments and the concrete
// parameter sets the optimizer evaluates.
package params

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cwbudde/algo-onset/internal/fitcommon"
)

// Kind is the declared type of an argument.
type Kind int

const (
	Float Kind = iota
	Int
	Bool
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Bool:
		return "bool"
	default:
		return "float"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "float", "":
		*k = Float
	case "int":
		*k = Int
	case "bool":
		*k = Bool
	default:
		return fmt.Errorf("unknown argument kind %q", b)
	}
	return nil
}

// Arg is one tunable argument with bounds and an initial guess.
type Arg struct {
	Name  string  `json:"name"`
	Kind  Kind    `json:"kind"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Init  float64 `json:"init"`
}

// Template is the ordered argument list of a search.
type Template []Arg

// Validate checks names and bounds.
func (t Template) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("empty parameter template")
	}
	seen := make(map[string]bool, len(t))
	for _, a := range t {
		if a.Name == "" {
			return fmt.Errorf("argument without name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate argument %q", a.Name)
		}
		seen[a.Name] = true
		if a.Kind == Bool {
			continue
		}
		if !(a.Upper > a.Lower) {
			return fmt.Errorf("argument %q: upper bound %v must exceed lower bound %v", a.Name, a.Upper, a.Lower)
		}
		if a.Init < a.Lower || a.Init > a.Upper {
			return fmt.Errorf("argument %q: initial value %v outside [%v, %v]", a.Name, a.Init, a.Lower, a.Upper)
		}
	}
	return nil
}

func (t Template) Names() []string {
	out := make([]string, len(t))
	for i, a := range t {
		out[i] = a.Name
	}
	return out
}

func (a Arg) span() (float64, float64) {
	if a.Kind == Bool {
		return 0, 1
	}
	return a.Lower, a.Upper
}

// Normalize maps raw values to [0,1] per argument.
func (t Template) Normalize(raw []float64) []float64 {
	out := make([]float64, len(t))
	for i, a := range t {
		lo, hi := a.span()
		if i < len(raw) {
			out[i] = fitcommon.Clamp((raw[i]-lo)/(hi-lo), 0, 1)
		}
	}
	return out
}

// Denormalize maps [0,1] positions back to raw values.
func (t Template) Denormalize(pos []float64) []float64 {
	out := make([]float64, len(t))
	for i, a := range t {
		lo, hi := a.span()
		x := 0.0
		if i < len(pos) {
			x = fitcommon.Clamp(pos[i], 0, 1)
		}
		out[i] = lo + x*(hi-lo)
	}
	return out
}

// InitVector returns the initial guesses.
func (t Template) InitVector() []float64 {
	out := make([]float64, len(t))
	for i, a := range t {
		out[i] = a.Init
	}
	return out
}

// Format turns a raw vector into a typed parameter set: values are clamped
// to bounds, integers rounded, booleans thresholded at 0.5.
func (t Template) Format(raw []float64) Set {
	s := make(Set, len(t))
	for i, a := range t {
		v := a.Init
		if i < len(raw) {
			v = raw[i]
		}
		switch a.Kind {
		case Bool:
			if v >= 0.5 {
				v = 1
			} else {
				v = 0
			}
		case Int:
			v = math.Round(fitcommon.Clamp(v, a.Lower, a.Upper))
		default:
			v = fitcommon.Clamp(v, a.Lower, a.Upper)
		}
		s[a.Name] = v
	}
	return s
}

// Vector extracts s in template order; missing names take the initial guess.
func (t Template) Vector(s Set) []float64 {
	out := make([]float64, len(t))
	for i, a := range t {
		if v, ok := s[a.Name]; ok {
			out[i] = v
		} else {
			out[i] = a.Init
		}
	}
	return out
}

// Set is a concrete parameter assignment. Two sets are the same when their
// key/value pairs are equal; there is no derived key.
type Set map[string]float64

// Equal reports exact equality of all pairs.
func (s Set) Equal(o Set) bool {
	return len(s) == len(o) && s.ContainedIn(o)
}

// ContainedIn reports whether every pair of s appears in o with an equal
// value. o may hold additional keys.
func (s Set) ContainedIn(o Set) bool {
	for k, v := range s {
		ov, ok := o[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys returns the names in sorted order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s Set) String() string {
	var b strings.Builder
	for i, k := range s.Keys() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(s[k], 'g', 6, 64))
	}
	return b.String()
}

// Bool reads a boolean argument.
func (s Set) Bool(name string) bool {
	return s[name] >= 0.5
}
