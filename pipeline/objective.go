package pipeline

import (
	"sync"

	"github.com/cwbudde/algo-onset/activation"
	"github.com/cwbudde/algo-onset/analysis"
	"github.com/cwbudde/algo-onset/beat"
	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/errs"
	"github.com/cwbudde/algo-onset/onset"
	"github.com/cwbudde/algo-onset/params"
	"github.com/cwbudde/algo-onset/preset"
	"github.com/cwbudde/algo-onset/track"
)

// OnsetObjective scores the onset detector of one instrument on a track
// under a candidate parameter set. It is safe for concurrent use.
type OnsetObjective struct {
	Config        config.Config
	Source        activation.Source
	Loader        ChannelLoader
	Instrument    string
	AnnotationDir string
	// Base holds the values not covered by the candidate set.
	Base onset.Params

	mu  sync.Mutex
	rms map[string]activation.Activation
}

func NewOnsetObjective(cfg config.Config, src activation.Source, loader ChannelLoader, instrument, annotationDir string, base onset.Params) *OnsetObjective {
	return &OnsetObjective{
		Config:        cfg,
		Source:        NewCachedSource(src),
		Loader:        loader,
		Instrument:    instrument,
		AnnotationDir: annotationDir,
		Base:          base,
		rms:           make(map[string]activation.Activation),
	}
}

// Evaluate implements optimize.TrackEvaluator. The reference file is read
// before detection so tracks without annotations are skipped cheaply.
func (o *OnsetObjective) Evaluate(tr track.Track, set params.Set) (analysis.Metrics, error) {
	ref, err := loadReference(tr, o.AnnotationDir, o.Instrument, false)
	if err != nil {
		return analysis.Metrics{}, errs.Track(tr.ID, o.Instrument, "reference", err)
	}
	p := o.Base
	if err := preset.ApplyOnset(&p, set); err != nil {
		return analysis.Metrics{}, errs.Track(tr.ID, o.Instrument, "params", err)
	}
	act, err := o.Source.Onset(tr, o.Instrument)
	if err != nil {
		return analysis.Metrics{}, errs.Track(tr.ID, o.Instrument, "onset activation", err)
	}
	act = act.Truncate(o.Config.AudioCutoff)

	in := onset.Input{Activation: act}
	if p.Backtrack && p.Energy == onset.EnergyRMS {
		rms, err := o.rmsFor(tr, act.FPS)
		if err != nil {
			return analysis.Metrics{}, errs.Track(tr.ID, o.Instrument, "audio", err)
		}
		in.RMS = &rms
	}
	detected, err := onset.NewDetector(p).Detect(in)
	if err != nil {
		return analysis.Metrics{}, errs.Track(tr.ID, o.Instrument, "onset detection", err)
	}
	return analysis.Compare(ref, detected, analysis.Options{Window: o.Config.Window, Cutoff: o.Config.AudioCutoff}), nil
}

func (o *OnsetObjective) rmsFor(tr track.Track, fps float64) (activation.Activation, error) {
	o.mu.Lock()
	rms, ok := o.rms[tr.ID]
	o.mu.Unlock()
	if ok {
		return rms, nil
	}
	if o.Loader == nil {
		return activation.Activation{}, errs.Configf("RMS backtracking needs a channel loader")
	}
	samples, err := o.Loader.Load(tr, o.Instrument)
	if err != nil {
		return activation.Activation{}, err
	}
	samples = cutSamples(samples, o.Config.SampleRate, o.Config.AudioCutoff)
	rms = activation.RMS(samples, o.Config.SampleRate, fps, activation.FluxFrameSize)
	o.mu.Lock()
	o.rms[tr.ID] = rms
	o.mu.Unlock()
	return rms, nil
}

// BeatObjective scores the beat tracker on the mix of a track.
type BeatObjective struct {
	Config        config.Config
	Source        activation.Source
	AnnotationDir string
	Base          beat.Params
	// Downbeats scores only annotated downbeats against tracked downbeats.
	Downbeats bool
}

func NewBeatObjective(cfg config.Config, src activation.Source, annotationDir string, base beat.Params) *BeatObjective {
	return &BeatObjective{Config: cfg, Source: NewCachedSource(src), AnnotationDir: annotationDir, Base: base}
}

// Evaluate implements optimize.TrackEvaluator.
func (o *BeatObjective) Evaluate(tr track.Track, set params.Set) (analysis.Metrics, error) {
	ref, err := loadReference(tr, o.AnnotationDir, config.Mix, o.Downbeats)
	if err != nil {
		return analysis.Metrics{}, errs.Track(tr.ID, config.Mix, "reference", err)
	}
	p := o.Base
	if err := preset.ApplyBeat(&p, set); err != nil {
		return analysis.Metrics{}, errs.Track(tr.ID, config.Mix, "params", err)
	}
	act, err := o.Source.Beat(tr)
	if err != nil {
		return analysis.Metrics{}, errs.Track(tr.ID, config.Mix, "beat activation", err)
	}
	res := beat.NewTracker(o.Config, p).Track(act.Truncate(o.Config.AudioCutoff), tr.TimeSignature)
	est := res.Beats
	if o.Downbeats {
		est = res.Downbeats()
	}
	return analysis.Compare(ref, est, analysis.Options{Window: o.Config.Window, Cutoff: o.Config.AudioCutoff}), nil
}

func loadReference(tr track.Track, dir, instrument string, downbeats bool) ([]float64, error) {
	if dir == "" {
		return nil, errs.Configf("no annotation directory")
	}
	anns, err := analysis.LoadAnnotations(tr.ReferencePath(dir, instrument))
	if err != nil {
		return nil, err
	}
	if downbeats {
		return analysis.DownbeatTimes(anns), nil
	}
	return analysis.AnnotationTimes(anns), nil
}
