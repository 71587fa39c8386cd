package analysis

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/cwbudde/algo-onset/internal/errs"
)

// Annotation is one line of a reference file. Beat is the metric position
// from the optional second column, 0 when absent.
type Annotation struct {
	Time float64
	Beat int
}

// LoadAnnotations reads a reference file: one time per line, optionally
// followed by a tab- or space-separated metric label such as "3" or "12.3"
// (bar.beat). Blank lines and '#' comments are ignored.
func LoadAnnotations(path string) ([]Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errs.ErrMissingReference, path)
		}
		return nil, err
	}
	defer f.Close()

	var out []Annotation
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(text, ",", " "))
		t, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		a := Annotation{Time: t}
		if len(fields) > 1 {
			beat, err := parseBeat(fields[1])
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			a.Beat = beat
		}
		out = append(out, a)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseBeat takes the part after the last dot of a bar.beat label.
func parseBeat(label string) (int, error) {
	if i := strings.LastIndex(label, "."); i >= 0 {
		label = label[i+1:]
	}
	n, err := strconv.Atoi(label)
	if err != nil {
		return 0, fmt.Errorf("invalid metric label %q", label)
	}
	return n, nil
}

func AnnotationTimes(anns []Annotation) []float64 {
	out := make([]float64, len(anns))
	for i, a := range anns {
		out[i] = a.Time
	}
	return out
}

// DownbeatTimes returns annotations at metric position 1.
func DownbeatTimes(anns []Annotation) []float64 {
	var out []float64
	for _, a := range anns {
		if a.Beat == 1 {
			out = append(out, a.Time)
		}
	}
	return out
}
