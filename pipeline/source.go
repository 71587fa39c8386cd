package pipeline

import (
	"sync"

	"github.com/cwbudde/algo-onset/activation"
	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/fitcommon"
	"github.com/cwbudde/algo-onset/track"
)

// CachedSource memoizes activations of an underlying source. The optimizer
// scores the same tracks many times with different parameters, while the
// activations themselves never change.
type CachedSource struct {
	src activation.Source

	mu    sync.Mutex
	onset map[string]activation.Activation
	beat  map[string]activation.BeatActivation
}

func NewCachedSource(src activation.Source) *CachedSource {
	return &CachedSource{
		src:   src,
		onset: make(map[string]activation.Activation),
		beat:  make(map[string]activation.BeatActivation),
	}
}

func (c *CachedSource) Onset(tr track.Track, instrument string) (activation.Activation, error) {
	key := tr.ID + "\x00" + instrument
	c.mu.Lock()
	act, ok := c.onset[key]
	c.mu.Unlock()
	if ok {
		return act, nil
	}
	act, err := c.src.Onset(tr, instrument)
	if err != nil {
		return activation.Activation{}, err
	}
	c.mu.Lock()
	c.onset[key] = act
	c.mu.Unlock()
	return act, nil
}

func (c *CachedSource) Beat(tr track.Track) (activation.BeatActivation, error) {
	c.mu.Lock()
	act, ok := c.beat[tr.ID]
	c.mu.Unlock()
	if ok {
		return act, nil
	}
	act, err := c.src.Beat(tr)
	if err != nil {
		return activation.BeatActivation{}, err
	}
	c.mu.Lock()
	c.beat[tr.ID] = act
	c.mu.Unlock()
	return act, nil
}

// ChannelLoader reads instrument audio at the analysis rate.
type ChannelLoader interface {
	Load(tr track.Track, instrument string) ([]float64, error)
}

// WAVLoader loads channels from the WAV files named by the track.
type WAVLoader struct {
	SampleRate int
}

func (l WAVLoader) Load(tr track.Track, instrument string) ([]float64, error) {
	path, err := tr.ChannelPath(instrument)
	if err != nil {
		return nil, err
	}
	return fitcommon.LoadChannel(path, l.SampleRate)
}

// NewWAVLoader loads at cfg.SampleRate.
func NewWAVLoader(cfg config.Config) WAVLoader {
	return WAVLoader{SampleRate: cfg.SampleRate}
}
