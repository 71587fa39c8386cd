package optimize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cwbudde/algo-onset/params"
)

// Report is the JSON summary written when a run stops.
type Report struct {
	Run         string          `json:"run"`
	Instrument  string          `json:"instrument"`
	Method      string          `json:"method"`
	CachePath   string          `json:"cache_path,omitempty"`
	Tracks      int             `json:"tracks"`
	Template    params.Template `json:"template"`
	BestParams  params.Set      `json:"best_params"`
	BestF       float64         `json:"best_f"`
	Evaluations int             `json:"evaluations"`
	ElapsedSec  float64         `json:"elapsed_seconds"`
	State       State           `json:"state"`
	StopReason  StopReason      `json:"stop_reason"`
	Top         []Candidate     `json:"top_candidates,omitempty"`
}

// NewReport assembles the report of a finished run.
func NewReport(run string, opts Options, res Result) Report {
	rep := Report{
		Run:         run,
		Instrument:  opts.Instrument,
		Method:      opts.Method,
		Template:    opts.Template,
		BestParams:  res.Best,
		BestF:       res.BestF,
		Evaluations: res.Evals,
		ElapsedSec:  res.Elapsed.Seconds(),
		State:       res.State,
		StopReason:  res.Reason,
		Top:         res.Top,
	}
	if rep.Method == "" {
		rep.Method = MethodSimplex
	}
	if opts.Cache != nil {
		rep.CachePath = opts.Cache.Path()
	}
	if opts.Corpus != nil {
		rep.Tracks = len(opts.Corpus.Tracks)
	}
	return rep
}

// WriteReport writes rep as indented JSON.
func WriteReport(path string, rep Report) error {
	return writeJSON(path, rep)
}

// LoadBestParams reads best_params from an earlier report. ok is false when
// the report holds no parameters.
func LoadBestParams(path string) (params.Set, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	var rep Report
	if err := json.Unmarshal(b, &rep); err != nil {
		return nil, false, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rep.BestParams) == 0 {
		return nil, false, nil
	}
	return rep.BestParams, true, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o644)
}
