// Package config holds the immutable analysis configuration passed to every
// detection component at construction.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Instrument names used throughout the corpus. Mix is the full recording.
const (
	Piano = "piano"
	Bass  = "bass"
	Drums = "drums"
	Mix   = "mix"
)

// Band is a frequency range in Hz.
type Band struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// Config is the analysis configuration. Treat it as a value: components copy
// what they need at construction.
type Config struct {
	SampleRate int     `yaml:"sample_rate"`
	HopLength  int     `yaml:"hop_length"`
	FPS        float64 `yaml:"fps"`

	Instruments    []string           `yaml:"instruments"`
	FrequencyBands map[string]Band    `yaml:"frequency_bands"`
	TopDB          map[string]float64 `yaml:"top_db"`

	// SilenceThreshold is the silent fraction above which a channel is flagged.
	SilenceThreshold float64 `yaml:"silence_threshold"`
	// MinSpan is the minimum non-silent span and the merge gap, in seconds.
	MinSpan float64 `yaml:"min_span"`

	// Window is the evaluation tolerance and the hard matching window.
	Window float64 `yaml:"window"`
	// LeftNote and RightNote are bar fractions for adaptive matching windows.
	LeftNote  float64 `yaml:"left_note"`
	RightNote float64 `yaml:"right_note"`

	MinBPM float64 `yaml:"min_bpm"`
	MaxBPM float64 `yaml:"max_bpm"`
	Passes int     `yaml:"passes"`

	// AudioCutoff truncates evaluation in seconds; 0 disables it.
	AudioCutoff float64 `yaml:"audio_cutoff"`
}

// Default returns the configuration used for the jazz trio corpus.
func Default() Config {
	return Config{
		SampleRate:  44100,
		HopLength:   128,
		FPS:         100,
		Instruments: []string{Piano, Bass, Drums},
		FrequencyBands: map[string]Band{
			Piano: {Low: 110, High: 4100},
			Bass:  {Low: 30, High: 500},
			Drums: {Low: 3500, High: 11000},
			Mix:   {Low: 20, High: 20000},
		},
		TopDB: map[string]float64{
			Piano: 40,
			Bass:  30,
			Drums: 60,
		},
		SilenceThreshold: 1.0 / 3.0,
		MinSpan:          1,
		Window:           0.05,
		LeftNote:         1.0 / 32.0,
		RightNote:        1.0 / 16.0,
		MinBPM:           100,
		MaxBPM:           300,
		Passes:           3,
	}
}

// Load overlays a YAML file on top of Default. Map entries are merged per key.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var overlay Config
	if err := yaml.Unmarshal(b, &overlay); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.merge(overlay)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) merge(o Config) {
	if o.SampleRate != 0 {
		c.SampleRate = o.SampleRate
	}
	if o.HopLength != 0 {
		c.HopLength = o.HopLength
	}
	if o.FPS != 0 {
		c.FPS = o.FPS
	}
	if len(o.Instruments) > 0 {
		c.Instruments = append([]string(nil), o.Instruments...)
	}
	bands := make(map[string]Band, len(c.FrequencyBands))
	for k, v := range c.FrequencyBands {
		bands[k] = v
	}
	for k, v := range o.FrequencyBands {
		bands[k] = v
	}
	c.FrequencyBands = bands
	topDB := make(map[string]float64, len(c.TopDB))
	for k, v := range c.TopDB {
		topDB[k] = v
	}
	for k, v := range o.TopDB {
		topDB[k] = v
	}
	c.TopDB = topDB
	if o.SilenceThreshold != 0 {
		c.SilenceThreshold = o.SilenceThreshold
	}
	if o.MinSpan != 0 {
		c.MinSpan = o.MinSpan
	}
	if o.Window != 0 {
		c.Window = o.Window
	}
	if o.LeftNote != 0 {
		c.LeftNote = o.LeftNote
	}
	if o.RightNote != 0 {
		c.RightNote = o.RightNote
	}
	if o.MinBPM != 0 {
		c.MinBPM = o.MinBPM
	}
	if o.MaxBPM != 0 {
		c.MaxBPM = o.MaxBPM
	}
	if o.Passes != 0 {
		c.Passes = o.Passes
	}
	if o.AudioCutoff != 0 {
		c.AudioCutoff = o.AudioCutoff
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be > 0")
	}
	if c.HopLength <= 0 {
		return fmt.Errorf("hop_length must be > 0")
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be > 0")
	}
	for name, b := range c.FrequencyBands {
		if b.Low < 0 || b.High <= b.Low {
			return fmt.Errorf("frequency band %q must satisfy 0 <= low < high", name)
		}
	}
	for name, db := range c.TopDB {
		if db <= 0 {
			return fmt.Errorf("top_db for %q must be > 0", name)
		}
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		return fmt.Errorf("silence_threshold must be in [0,1]")
	}
	if c.MinSpan < 0 {
		return fmt.Errorf("min_span must be >= 0")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be > 0")
	}
	if c.LeftNote <= 0 || c.RightNote <= 0 {
		return fmt.Errorf("left_note and right_note must be > 0")
	}
	if c.MinBPM <= 0 || c.MaxBPM <= c.MinBPM {
		return fmt.Errorf("tempo bounds must satisfy 0 < min_bpm < max_bpm")
	}
	if c.Passes < 1 {
		return fmt.Errorf("passes must be >= 1")
	}
	if c.AudioCutoff < 0 {
		return fmt.Errorf("audio_cutoff must be >= 0")
	}
	return nil
}

// TopDBFor returns the silence threshold for an instrument, 60 dB if unset.
func (c Config) TopDBFor(instrument string) float64 {
	if db, ok := c.TopDB[instrument]; ok {
		return db
	}
	return 60
}

// BandFor returns the analysis band for an instrument, the mix band if unset.
func (c Config) BandFor(instrument string) Band {
	if b, ok := c.FrequencyBands[instrument]; ok {
		return b
	}
	if b, ok := c.FrequencyBands[Mix]; ok {
		return b
	}
	return Band{Low: 0, High: float64(c.SampleRate) / 2}
}
