// Package pipeline runs the per-track detection flow (beats, onsets, silence
// filtering, matching, evaluation) and adapts it to the optimizer and to
// batch processing.
package pipeline

import (
	"sort"

	"github.com/cwbudde/algo-onset/activation"
	"github.com/cwbudde/algo-onset/analysis"
	"github.com/cwbudde/algo-onset/beat"
	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/errs"
	"github.com/cwbudde/algo-onset/match"
	"github.com/cwbudde/algo-onset/onset"
	"github.com/cwbudde/algo-onset/preset"
	"github.com/cwbudde/algo-onset/silence"
	"github.com/cwbudde/algo-onset/track"
)

// Options select the optional stages of Process.
type Options struct {
	// AnnotationDir enables evaluation against "<id>_<instrument>.txt".
	AnnotationDir string
	// Silence filters onsets outside non-silent passages; needs audio.
	Silence bool
	// Adaptive selects tempo-scaled matching windows instead of the fixed
	// window.
	Adaptive bool
	// Instruments overrides the configured instrument list.
	Instruments []string
}

// InstrumentResult is the detection outcome for one instrument.
type InstrumentResult struct {
	Instrument      string            `json:"instrument"`
	Onsets          onset.Set         `json:"onsets"`
	Detected        int               `json:"detected"`
	Silence         *silence.Report   `json:"silence,omitempty"`
	MatchedFraction float64           `json:"matched_fraction"`
	Metrics         *analysis.Metrics `json:"metrics,omitempty"`
}

// TrackResult is everything Process derives from one track.
type TrackResult struct {
	TrackID         string              `json:"track_id"`
	Tempo           float64             `json:"tempo"`
	Beats           []float64           `json:"beats"`
	Positions       []int               `json:"positions"`
	Downbeats       []float64           `json:"downbeats"`
	Passes          []beat.PassInfo     `json:"passes"`
	Instruments     []*InstrumentResult `json:"instruments"`
	Matched         *match.Table        `json:"matched"`
	BeatMetrics     *analysis.Metrics   `json:"beat_metrics,omitempty"`
	DownbeatMetrics *analysis.Metrics   `json:"downbeat_metrics,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
}

// Analyzer holds the detectors configured for a corpus.
type Analyzer struct {
	cfg     config.Config
	opts    Options
	source  activation.Source
	loader  ChannelLoader
	tracker *beat.Tracker
	onsets  map[string]*onset.Detector
	matcher *match.Matcher
}

// NewAnalyzer builds detectors from the defaults overlaid with the converged
// parameters in store. A nil store keeps the defaults; a nil loader disables
// every stage that needs audio.
func NewAnalyzer(cfg config.Config, source activation.Source, loader ChannelLoader, store *preset.Store, opts Options) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errs.Configf("no activation source")
	}
	if store == nil {
		store = preset.NewStore()
	}
	if len(opts.Instruments) == 0 {
		opts.Instruments = append([]string(nil), cfg.Instruments...)
	}
	if len(opts.Instruments) == 0 {
		return nil, errs.Configf("no instruments")
	}
	bp, err := store.BeatParams(config.Mix)
	if err != nil {
		return nil, err
	}
	a := &Analyzer{
		cfg:     cfg,
		opts:    opts,
		source:  source,
		loader:  loader,
		tracker: beat.NewTracker(cfg, bp),
		onsets:  make(map[string]*onset.Detector, len(opts.Instruments)),
		matcher: match.NewMatcher(cfg, opts.Adaptive),
	}
	for _, instr := range opts.Instruments {
		p, err := store.OnsetParams(instr)
		if err != nil {
			return nil, err
		}
		a.onsets[instr] = onset.NewDetector(p)
	}
	return a, nil
}

// Instruments returns the analysed instruments in order.
func (a *Analyzer) Instruments() []string {
	return append([]string(nil), a.opts.Instruments...)
}

// Process runs the full flow on one track. Beats are finalized before any
// matching. Missing annotations only skip evaluation.
func (a *Analyzer) Process(tr track.Track) (*TrackResult, error) {
	beatAct, err := a.source.Beat(tr)
	if err != nil {
		return nil, errs.Track(tr.ID, config.Mix, "beat activation", err)
	}
	if a.cfg.AudioCutoff > 0 {
		beatAct = beatAct.Truncate(a.cfg.AudioCutoff)
	}
	br := a.tracker.Track(beatAct, tr.TimeSignature)
	res := &TrackResult{
		TrackID:   tr.ID,
		Tempo:     br.Tempo,
		Beats:     br.Beats,
		Positions: br.Positions,
		Downbeats: br.Downbeats(),
		Passes:    br.Passes,
		Warnings:  append([]string(nil), br.Warnings...),
	}
	if w := br.CheckMetre(tr.TimeSignature, tr.FirstDownbeat); w != "" {
		res.Warnings = append(res.Warnings, w)
	}

	onsets := make(map[string]onset.Set, len(a.opts.Instruments))
	for _, instr := range a.opts.Instruments {
		ir, err := a.processInstrument(tr, instr)
		if err != nil {
			return nil, err
		}
		if ir.Silence != nil && ir.Silence.Warning != "" {
			res.Warnings = append(res.Warnings, ir.Silence.Warning)
		}
		onsets[instr] = ir.Onsets
		res.Instruments = append(res.Instruments, ir)
	}

	table, err := a.matcher.Table(res.Beats, res.Tempo, onsets, a.opts.Instruments)
	if err != nil {
		return nil, errs.Track(tr.ID, "", "match", err)
	}
	res.Matched = table
	for _, ir := range res.Instruments {
		ir.MatchedFraction = table.MatchedFraction(ir.Instrument)
	}

	if a.opts.AnnotationDir != "" {
		if err := a.evaluate(tr, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (a *Analyzer) processInstrument(tr track.Track, instr string) (*InstrumentResult, error) {
	act, err := a.source.Onset(tr, instr)
	if err != nil {
		return nil, errs.Track(tr.ID, instr, "onset activation", err)
	}
	if a.cfg.AudioCutoff > 0 {
		act = act.Truncate(a.cfg.AudioCutoff)
	}
	det := a.onsets[instr]
	p := det.Params()
	needRMS := p.Backtrack && p.Energy == onset.EnergyRMS

	var samples []float64
	if needRMS || a.opts.Silence {
		if a.loader == nil {
			return nil, errs.Track(tr.ID, instr, "audio", errs.Configf("stage needs audio but no channel loader is set"))
		}
		samples, err = a.loader.Load(tr, instr)
		if err != nil {
			return nil, errs.Track(tr.ID, instr, "audio", err)
		}
		samples = cutSamples(samples, a.cfg.SampleRate, a.cfg.AudioCutoff)
	}

	in := onset.Input{Activation: act}
	if needRMS {
		rms := activation.RMS(samples, a.cfg.SampleRate, act.FPS, activation.FluxFrameSize)
		in.RMS = &rms
	}
	detected, err := det.Detect(in)
	if err != nil {
		return nil, errs.Track(tr.ID, instr, "onset detection", err)
	}
	ir := &InstrumentResult{Instrument: instr, Onsets: detected, Detected: len(detected)}
	if a.opts.Silence {
		rep := silence.NewFilter(a.cfg, instr).Analyze(samples)
		ir.Silence = &rep
		ir.Onsets = silence.RemoveOnsets(detected, rep.Spans)
	}
	return ir, nil
}

func (a *Analyzer) evaluate(tr track.Track, res *TrackResult) error {
	opts := analysis.Options{Window: a.cfg.Window, Cutoff: a.cfg.AudioCutoff}
	score := func(est []float64, instr string, downbeats bool) (*analysis.Metrics, error) {
		ref := analysis.Reference{Path: tr.ReferencePath(a.opts.AnnotationDir, instr), Downbeats: downbeats}
		m, err := analysis.Evaluate(est, ref, opts)
		if errs.IsSkippable(err) {
			return nil, nil
		}
		if err != nil {
			return nil, errs.Track(tr.ID, instr, "evaluate", err)
		}
		return &m, nil
	}
	var err error
	if res.BeatMetrics, err = score(res.Beats, config.Mix, false); err != nil {
		return err
	}
	if res.DownbeatMetrics, err = score(res.Downbeats, config.Mix, true); err != nil {
		return err
	}
	for _, ir := range res.Instruments {
		if ir.Metrics, err = score(ir.Onsets, ir.Instrument, false); err != nil {
			return err
		}
	}
	return nil
}

func cutSamples(samples []float64, sampleRate int, cutoff float64) []float64 {
	if cutoff <= 0 {
		return samples
	}
	n := int(cutoff * float64(sampleRate))
	if n < len(samples) {
		return samples[:n]
	}
	return samples
}

// Summary aggregates the metrics of many results per instrument ("mix" for
// beats), ignoring tracks without annotations.
func Summary(results []*TrackResult) map[string]analysis.Metrics {
	sums := make(map[string]*analysis.Metrics)
	counts := make(map[string]int)
	add := func(name string, m *analysis.Metrics) {
		if m == nil {
			return
		}
		s, ok := sums[name]
		if !ok {
			s = &analysis.Metrics{Window: m.Window}
			sums[name] = s
		}
		s.ReferenceEvents += m.ReferenceEvents
		s.EstimatedEvents += m.EstimatedEvents
		s.Matched += m.Matched
		s.Precision += m.Precision
		s.Recall += m.Recall
		s.FMeasure += m.FMeasure
		s.MeanAsynchrony += m.MeanAsynchrony
		s.FractionMatched += m.FractionMatched
		counts[name]++
	}
	for _, r := range results {
		add(config.Mix, r.BeatMetrics)
		for _, ir := range r.Instruments {
			add(ir.Instrument, ir.Metrics)
		}
	}
	out := make(map[string]analysis.Metrics, len(sums))
	for name, s := range sums {
		n := float64(counts[name])
		s.Precision /= n
		s.Recall /= n
		s.FMeasure /= n
		s.MeanAsynchrony /= n
		s.FractionMatched /= n
		out[name] = *s
	}
	return out
}

// SortedNames returns the keys of a summary in order.
func SortedNames(m map[string]analysis.Metrics) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
