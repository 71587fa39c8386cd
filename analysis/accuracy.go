// Package analysis scores detected event times against human annotations.
package analysis

import (
	"math"
	"sort"

	"github.com/cwbudde/algo-onset/internal/errs"
)

// DefaultWindow is the matching tolerance in seconds.
const DefaultWindow = 0.05

// Metrics is the accuracy of one estimate against one reference.
type Metrics struct {
	Window          float64 `json:"window"`
	ReferenceEvents int     `json:"reference_events"`
	EstimatedEvents int     `json:"estimated_events"`
	Matched         int     `json:"matched"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	FMeasure  float64 `json:"f_measure"`

	// MeanAsynchrony is the mean of estimate - reference over matched pairs,
	// 0 when nothing matched.
	MeanAsynchrony  float64 `json:"mean_asynchrony"`
	FractionMatched float64 `json:"fraction_matched"`
}

// Options control scoring. Zero values select the defaults.
type Options struct {
	Window float64
	// Cutoff drops events at or after this time in seconds; 0 keeps all.
	Cutoff float64
}

func (o Options) window() float64 {
	if o.Window > 0 {
		return o.Window
	}
	return DefaultWindow
}

// Pair is a matched (reference, estimate) couple.
type Pair struct {
	Reference float64
	Estimate  float64
}

// MatchEvents pairs references and estimates one-to-one within window,
// closest pairs first. Ties are broken by reference then estimate order.
// estimate must be sorted.
func MatchEvents(reference, estimate []float64, window float64) []Pair {
	type cand struct {
		r, e int
		dist float64
	}
	var cands []cand
	for i, r := range reference {
		lo := sort.SearchFloat64s(estimate, r-window)
		for j := lo; j < len(estimate) && estimate[j] <= r+window; j++ {
			if d := math.Abs(estimate[j] - r); d <= window {
				cands = append(cands, cand{r: i, e: j, dist: d})
			}
		}
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].dist != cands[b].dist {
			return cands[a].dist < cands[b].dist
		}
		if cands[a].r != cands[b].r {
			return cands[a].r < cands[b].r
		}
		return cands[a].e < cands[b].e
	})
	usedR := make([]bool, len(reference))
	usedE := make([]bool, len(estimate))
	var pairs []Pair
	for _, c := range cands {
		if usedR[c.r] || usedE[c.e] {
			continue
		}
		usedR[c.r], usedE[c.e] = true, true
		pairs = append(pairs, Pair{Reference: reference[c.r], Estimate: estimate[c.e]})
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].Reference < pairs[b].Reference })
	return pairs
}

// Compare scores estimate against reference. Empty inputs give zero scores.
func Compare(reference, estimate []float64, opts Options) Metrics {
	ref := prepare(reference, opts.Cutoff)
	est := prepare(estimate, opts.Cutoff)
	m := Metrics{
		Window:          opts.window(),
		ReferenceEvents: len(ref),
		EstimatedEvents: len(est),
	}
	if len(ref) == 0 || len(est) == 0 {
		return m
	}
	pairs := MatchEvents(ref, est, m.Window)
	m.Matched = len(pairs)
	m.Precision = float64(m.Matched) / float64(len(est))
	m.Recall = float64(m.Matched) / float64(len(ref))
	if m.Precision+m.Recall > 0 {
		m.FMeasure = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.FractionMatched = m.Recall
	if m.Matched > 0 {
		var sum float64
		for _, p := range pairs {
			sum += p.Estimate - p.Reference
		}
		m.MeanAsynchrony = sum / float64(m.Matched)
	}
	return m
}

// prepare drops non-finite values and events past the cutoff, then sorts.
func prepare(xs []float64, cutoff float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if cutoff > 0 && v >= cutoff {
			continue
		}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

// Reference names the ground truth for Evaluate: either Times directly or an
// annotation file at Path. Downbeats restricts a file to metric position 1.
type Reference struct {
	Times     []float64
	Path      string
	Downbeats bool
}

// Evaluate scores estimate against ref. A missing annotation file returns an
// error wrapping errs.ErrMissingReference; supplying neither times nor a path
// is a configuration error.
func Evaluate(estimate []float64, ref Reference, opts Options) (Metrics, error) {
	times := ref.Times
	switch {
	case times != nil:
	case ref.Path != "":
		anns, err := LoadAnnotations(ref.Path)
		if err != nil {
			return Metrics{}, err
		}
		if ref.Downbeats {
			times = DownbeatTimes(anns)
		} else {
			times = AnnotationTimes(anns)
		}
	default:
		return Metrics{}, errs.Configf("neither reference times nor a reference file given")
	}
	return Compare(times, estimate, opts), nil
}
