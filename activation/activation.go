// Package activation provides onset and beat likelihood curves, either read
// from files produced by an external model or computed as spectral flux.
package activation

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cwbudde/algo-approx"
)

// Activation is a likelihood curve sampled at FPS frames per second.
type Activation struct {
	Values []float64
	FPS    float64
}

// Len is the number of frames.
func (a Activation) Len() int { return len(a.Values) }

// Duration in seconds.
func (a Activation) Duration() float64 {
	if a.FPS <= 0 {
		return 0
	}
	return float64(len(a.Values)) / a.FPS
}

// TimeOf converts a frame index to seconds.
func (a Activation) TimeOf(frame float64) float64 {
	return frame / a.FPS
}

// Truncate returns the activation limited to the first seconds. Non-positive
// limits return a unchanged.
func (a Activation) Truncate(seconds float64) Activation {
	if seconds <= 0 || a.FPS <= 0 {
		return a
	}
	n := int(math.Ceil(seconds * a.FPS))
	if n >= len(a.Values) {
		return a
	}
	return Activation{Values: a.Values[:n], FPS: a.FPS}
}

// BeatActivation is the two-channel output of a joint beat/downbeat model.
// Downbeat may be nil when only beat likelihoods are available.
type BeatActivation struct {
	Beat     Activation
	Downbeat []float64
}

// Truncate limits both channels to the first seconds.
func (b BeatActivation) Truncate(seconds float64) BeatActivation {
	beat := b.Beat.Truncate(seconds)
	down := b.Downbeat
	if len(down) > beat.Len() {
		down = down[:beat.Len()]
	}
	return BeatActivation{Beat: beat, Downbeat: down}
}

// Sigmoid maps logits to probabilities in place.
func Sigmoid(x []float64) {
	for i, v := range x {
		z := float32(math.Max(-80, math.Min(80, -v)))
		x[i] = 1 / (1 + float64(approx.FastExp(z)))
	}
}

// ReadColumns parses a text activation file: one frame per line, columns
// separated by whitespace or commas, '#' comments. A "# fps=<n>" header sets
// the frame rate; fallbackFPS is used otherwise.
func ReadColumns(path string, fallbackFPS float64) ([][]float64, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	fps := fallbackFPS
	var cols [][]float64
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(strings.TrimPrefix(text, "#")), "fps="); ok {
				parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
				if err != nil || parsed <= 0 {
					return nil, 0, fmt.Errorf("%s:%d: invalid fps header %q", path, line, text)
				}
				fps = parsed
			}
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if cols == nil {
			cols = make([][]float64, len(fields))
		}
		if len(fields) != len(cols) {
			return nil, 0, fmt.Errorf("%s:%d: expected %d columns, got %d", path, line, len(cols), len(fields))
		}
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			cols[i] = append(cols[i], v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	if fps <= 0 {
		return nil, 0, fmt.Errorf("%s: frame rate unknown", path)
	}
	return cols, fps, nil
}

// Load reads a single-channel activation. Extra columns are ignored.
func Load(path string, fallbackFPS float64) (Activation, error) {
	cols, fps, err := ReadColumns(path, fallbackFPS)
	if err != nil {
		return Activation{}, err
	}
	if len(cols) == 0 {
		return Activation{FPS: fps}, nil
	}
	return Activation{Values: cols[0], FPS: fps}, nil
}

// LoadBeat reads a beat activation; a second column is the downbeat channel.
func LoadBeat(path string, fallbackFPS float64) (BeatActivation, error) {
	cols, fps, err := ReadColumns(path, fallbackFPS)
	if err != nil {
		return BeatActivation{}, err
	}
	out := BeatActivation{Beat: Activation{FPS: fps}}
	if len(cols) > 0 {
		out.Beat.Values = cols[0]
	}
	if len(cols) > 1 {
		out.Downbeat = cols[1]
	}
	return out, nil
}

// Write stores columns in the format ReadColumns accepts.
func Write(path string, fps float64, cols ...[]float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# fps=%g\n", fps)
	n := 0
	if len(cols) > 0 {
		n = len(cols[0])
	}
	for _, col := range cols {
		if len(col) != n {
			f.Close()
			return fmt.Errorf("column length mismatch: %d vs %d", len(col), n)
		}
	}
	for i := 0; i < n; i++ {
		for c, col := range cols {
			if c > 0 {
				w.WriteByte('\t')
			}
			w.WriteString(strconv.FormatFloat(col[i], 'g', -1, 64))
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
