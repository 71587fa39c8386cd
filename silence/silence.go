// Package silence finds the non-silent passages of an audio channel and drops
// onsets detected outside of them.
package silence

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/dsp"
	"github.com/cwbudde/algo-onset/internal/fitcommon"
	"github.com/cwbudde/algo-onset/onset"
)

// FrameLength is the RMS analysis frame used for the dB envelope.
const FrameLength = 2048

// Span is a non-silent passage in seconds.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (s Span) Duration() float64 { return s.End - s.Start }

// Filter holds the silence settings for one instrument.
type Filter struct {
	Instrument string
	SampleRate int
	HopLength  int
	TopDB      float64
	MinSpan    float64
	Threshold  float64
}

func NewFilter(cfg config.Config, instrument string) *Filter {
	return &Filter{
		Instrument: instrument,
		SampleRate: cfg.SampleRate,
		HopLength:  cfg.HopLength,
		TopDB:      cfg.TopDBFor(instrument),
		MinSpan:    cfg.MinSpan,
		Threshold:  cfg.SilenceThreshold,
	}
}

// Report is the silence analysis of one channel.
type Report struct {
	Spans          []Span  `json:"spans"`
	SilentFraction float64 `json:"silent_fraction"`
	Warning        string  `json:"warning,omitempty"`
}

// Analyze computes the merged non-silent spans of samples and the silent
// fraction. A fraction above the threshold only produces a warning.
func (f *Filter) Analyze(samples []float64) Report {
	raw := NonSilent(samples, f.SampleRate, FrameLength, f.HopLength, f.TopDB)
	spans := Merge(KeepLonger(raw, f.MinSpan), f.MinSpan)
	duration := float64(len(samples)) / float64(f.SampleRate)
	r := Report{Spans: spans, SilentFraction: SilentFraction(spans, duration)}
	if r.SilentFraction > f.Threshold {
		r.Warning = fmt.Sprintf("%s channel is %.0f%% silent (threshold %.0f%%)",
			f.Instrument, 100*r.SilentFraction, 100*f.Threshold)
	}
	return r
}

// NonSilent returns the spans whose frame RMS lies within topDB of the
// loudest frame.
func NonSilent(samples []float64, sampleRate, frameLen, hop int, topDB float64) []Span {
	if len(samples) == 0 || sampleRate <= 0 || hop <= 0 {
		return nil
	}
	rms := dsp.FrameRMS(samples, frameLen, hop)
	ref := fitcommon.MaxOf(rms)
	if ref <= 0 {
		return nil
	}
	const amin = 1e-10
	loud := func(v float64) bool {
		db := 10 * math.Log10(math.Max(v*v, amin)/(ref*ref))
		return db > -topDB
	}

	var spans []Span
	toSec := func(frame int) float64 {
		s := min(frame*hop, len(samples))
		return float64(s) / float64(sampleRate)
	}
	start := -1
	for i, v := range rms {
		switch {
		case loud(v) && start < 0:
			start = i
		case !loud(v) && start >= 0:
			spans = append(spans, Span{Start: toSec(start), End: toSec(i)})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, Span{Start: toSec(start), End: toSec(len(rms))})
	}
	return spans
}

// KeepLonger drops spans not longer than minSpan.
func KeepLonger(spans []Span, minSpan float64) []Span {
	var out []Span
	for _, s := range spans {
		if s.Duration() > minSpan {
			out = append(out, s)
		}
	}
	return out
}

// Merge joins consecutive spans separated by less than gap.
func Merge(spans []Span, gap float64) []Span {
	if len(spans) == 0 {
		return nil
	}
	out := []Span{spans[0]}
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.Start-last.End < gap {
			last.End = math.Max(last.End, s.End)
			continue
		}
		out = append(out, s)
	}
	return out
}

// SilentFraction is 1 - (total span duration / duration). No spans means
// the channel is entirely silent.
func SilentFraction(spans []Span, duration float64) float64 {
	if len(spans) == 0 || duration <= 0 {
		return 1
	}
	var total float64
	for _, s := range spans {
		total += s.Duration()
	}
	return fitcommon.Clamp(1-total/duration, 0, 1)
}

// RemoveOnsets keeps onsets strictly inside some span. The input is not
// modified.
func RemoveOnsets(onsets onset.Set, spans []Span) onset.Set {
	out := make(onset.Set, 0, len(onsets))
	for _, o := range onsets {
		for _, s := range spans {
			if s.Start < o && o < s.End {
				out = append(out, o)
				break
			}
		}
	}
	return out
}
