// Package track describes the recordings of a corpus. Tracks are read-only
// inputs to the detectors.
package track

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Track is the metadata of one multitrack recording.
type Track struct {
	ID string `yaml:"id" json:"id"`
	// Channels maps instrument (or "mix") to an audio file path.
	Channels      map[string]string `yaml:"channels" json:"channels"`
	TimeSignature int               `yaml:"time_signature" json:"time_signature"`
	// FirstDownbeat is the annotated time of the first downbeat in seconds.
	FirstDownbeat float64 `yaml:"first_downbeat" json:"first_downbeat"`
	// Overrides maps instrument to an alternate channel tag, e.g. "l" selects
	// "<name>-lchan_<instrument>.wav" when that file exists.
	Overrides map[string]string `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// ChannelPath resolves the audio file for an instrument, honouring overrides.
func (t Track) ChannelPath(instrument string) (string, error) {
	p, ok := t.Channels[instrument]
	if !ok || p == "" {
		return "", fmt.Errorf("track %s has no %s channel", t.ID, instrument)
	}
	tag, ok := t.Overrides[instrument]
	if !ok || tag == "" {
		return p, nil
	}
	alt := overridePath(p, instrument, tag)
	if _, err := os.Stat(alt); err == nil {
		return alt, nil
	}
	return p, nil
}

func overridePath(path, instrument, tag string) string {
	dir, base := filepath.Split(path)
	needle := "_" + instrument
	i := strings.LastIndex(base, needle)
	if i < 0 {
		return path
	}
	base = base[:i] + "-" + tag + "chan_" + instrument + base[i+len(needle):]
	return dir + base
}

// ReferencePath is the annotation file for an instrument under dir.
func (t Track) ReferencePath(dir, instrument string) string {
	return filepath.Join(dir, t.ID+"_"+instrument+".txt")
}

func (t Track) validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("track without id")
	}
	if t.TimeSignature < 1 {
		return fmt.Errorf("track %s: time_signature must be >= 1", t.ID)
	}
	if t.FirstDownbeat < 0 {
		return fmt.Errorf("track %s: first_downbeat must be >= 0", t.ID)
	}
	return nil
}

// Corpus is an ordered set of tracks with unique ids.
type Corpus struct {
	Root   string  `yaml:"root"`
	Tracks []Track `yaml:"tracks"`
}

// LoadCorpus reads a YAML corpus file. Relative channel paths are resolved
// against Root, which itself is relative to the corpus file.
func LoadCorpus(path string) (*Corpus, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Corpus
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	root := c.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(filepath.Dir(path), root)
	}
	for i := range c.Tracks {
		for instr, p := range c.Tracks[i].Channels {
			if p != "" && !filepath.IsAbs(p) {
				c.Tracks[i].Channels[instr] = filepath.Clean(filepath.Join(root, p))
			}
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// Validate checks every track and id uniqueness.
func (c *Corpus) Validate() error {
	seen := make(map[string]bool, len(c.Tracks))
	for _, t := range c.Tracks {
		if err := t.validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate track id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// IDs returns the sorted track ids.
func (c *Corpus) IDs() []string {
	ids := make([]string, 0, len(c.Tracks))
	for _, t := range c.Tracks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

// Find looks a track up by id.
func (c *Corpus) Find(id string) (Track, bool) {
	for _, t := range c.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// Filter keeps tracks for which keep returns true.
func (c *Corpus) Filter(keep func(Track) bool) *Corpus {
	out := &Corpus{Root: c.Root}
	for _, t := range c.Tracks {
		if keep(t) {
			out.Tracks = append(out.Tracks, t)
		}
	}
	return out
}
