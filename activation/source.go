package activation

import (
	"fmt"
	"path/filepath"

	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/fitcommon"
	"github.com/cwbudde/algo-onset/track"
)

// Source supplies activations for the tracks of a corpus.
type Source interface {
	Onset(tr track.Track, instrument string) (Activation, error)
	Beat(tr track.Track) (BeatActivation, error)
}

// FileSource reads precomputed activations named "<id>_<instrument>.act"
// (and "<id>_mix.act" for beats) from Dir.
type FileSource struct {
	Dir string
	FPS float64
	// Logits marks files that hold network logits; they are mapped through
	// a sigmoid on load.
	Logits bool
}

func (s FileSource) Path(tr track.Track, instrument string) string {
	return filepath.Join(s.Dir, tr.ID+"_"+instrument+".act")
}

func (s FileSource) Onset(tr track.Track, instrument string) (Activation, error) {
	act, err := Load(s.Path(tr, instrument), s.FPS)
	if err != nil {
		return Activation{}, err
	}
	if s.Logits {
		Sigmoid(act.Values)
	}
	return act, nil
}

func (s FileSource) Beat(tr track.Track) (BeatActivation, error) {
	act, err := LoadBeat(s.Path(tr, config.Mix), s.FPS)
	if err != nil {
		return BeatActivation{}, err
	}
	if s.Logits {
		Sigmoid(act.Beat.Values)
		Sigmoid(act.Downbeat)
	}
	return act, nil
}

// FluxSource derives activations from the audio channels of a track.
type FluxSource struct {
	Config config.Config
}

func (s FluxSource) Onset(tr track.Track, instrument string) (Activation, error) {
	path, err := tr.ChannelPath(instrument)
	if err != nil {
		return Activation{}, err
	}
	samples, err := fitcommon.LoadChannel(path, s.Config.SampleRate)
	if err != nil {
		return Activation{}, err
	}
	act, err := SpectralFlux(samples, s.Config.SampleRate, s.Config.FPS, s.Config.BandFor(instrument))
	if err != nil {
		return Activation{}, fmt.Errorf("flux %s: %w", path, err)
	}
	return act, nil
}

func (s FluxSource) Beat(tr track.Track) (BeatActivation, error) {
	act, err := s.Onset(tr, config.Mix)
	if err != nil {
		return BeatActivation{}, err
	}
	return BeatActivation{Beat: act}, nil
}
