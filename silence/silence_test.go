package silence

import (
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/onset"
)

func TestRemoveOnsets(t *testing.T) {
	spans := []Span{{Start: 0, End: 5}, {Start: 10, End: 15}}
	in := onset.Set{0.1, 0.6, 5.5, 12.5, 17.5}
	got := RemoveOnsets(in, spans)
	want := onset.Set{0.1, 0.6, 12.5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("RemoveOnsets(%v) = %v, want %v", in, got, want)
	}
	if len(in) != 5 {
		t.Fatalf("input modified: %v", in)
	}
}

func TestRemoveOnsetsBoundsAreExclusive(t *testing.T) {
	got := RemoveOnsets(onset.Set{0, 5, 10}, []Span{{Start: 0, End: 5}, {Start: 10, End: 15}})
	if len(got) != 0 {
		t.Fatalf("RemoveOnsets on span edges = %v, want empty", got)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	spans := []Span{{0, 2}, {2.5, 4}, {6, 8}, {8.2, 9}, {12, 14}}
	once := Merge(spans, 1)
	want := []Span{{0, 4}, {6, 9}, {12, 14}}
	if !reflect.DeepEqual(once, want) {
		t.Fatalf("Merge = %v, want %v", once, want)
	}
	twice := Merge(once, 1)
	if !reflect.DeepEqual(twice, once) {
		t.Fatalf("Merge(Merge(x)) = %v, want %v", twice, once)
	}
	if SilentFraction(twice, 20) != SilentFraction(once, 20) {
		t.Fatalf("silent fraction changed after re-merge")
	}
}

func TestKeepLonger(t *testing.T) {
	got := KeepLonger([]Span{{0, 0.5}, {1, 2}, {3, 5}}, 1)
	if !reflect.DeepEqual(got, []Span{{3, 5}}) {
		t.Fatalf("KeepLonger = %v, want [{3 5}]", got)
	}
}

func TestSilentFraction(t *testing.T) {
	tests := []struct {
		spans    []Span
		duration float64
		want     float64
	}{
		{spans: nil, duration: 10, want: 1},
		{spans: []Span{{0, 5}}, duration: 10, want: 0.5},
		{spans: []Span{{0, 10}}, duration: 10, want: 0},
		{spans: []Span{{0, 2}, {4, 5}}, duration: 0, want: 1},
	}
	for _, tt := range tests {
		if got := SilentFraction(tt.spans, tt.duration); math.Abs(got-tt.want) > 1e-12 {
			t.Fatalf("SilentFraction(%v, %v) = %v, want %v", tt.spans, tt.duration, got, tt.want)
		}
	}
}

// burst returns sr*seconds samples with a 220 Hz tone inside [from, to).
func burst(sr int, seconds float64, regions ...[2]float64) []float64 {
	out := make([]float64, int(float64(sr)*seconds))
	for _, r := range regions {
		for i := int(r[0] * float64(sr)); i < int(r[1]*float64(sr)) && i < len(out); i++ {
			out[i] = 0.5 * math.Sin(2*math.Pi*220*float64(i)/float64(sr))
		}
	}
	return out
}

func TestAnalyzeFindsToneRegions(t *testing.T) {
	cfg := config.Default()
	cfg.SampleRate = 8000
	f := NewFilter(cfg, config.Bass)
	samples := burst(cfg.SampleRate, 10, [2]float64{1, 4}, [2]float64{4.5, 5.5}, [2]float64{7, 7.5})
	r := f.Analyze(samples)
	if len(r.Spans) != 1 {
		t.Fatalf("Analyze spans = %v, want one merged span", r.Spans)
	}
	s := r.Spans[0]
	if math.Abs(s.Start-1) > 0.2 || math.Abs(s.End-5.5) > 0.2 {
		t.Fatalf("span = %+v, want about [1, 5.5]", s)
	}
	if r.SilentFraction < 0.45 || r.SilentFraction > 0.6 {
		t.Fatalf("SilentFraction = %v, want about 0.55", r.SilentFraction)
	}
	if !strings.Contains(r.Warning, "bass") {
		t.Fatalf("Warning = %q, want bass silence warning", r.Warning)
	}
}

func TestAnalyzeSilentChannel(t *testing.T) {
	f := NewFilter(config.Default(), config.Piano)
	r := f.Analyze(make([]float64, 44100))
	if len(r.Spans) != 0 || r.SilentFraction != 1 {
		t.Fatalf("Analyze(silence) = %+v, want no spans and fraction 1", r)
	}
}
