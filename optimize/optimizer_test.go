package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwbudde/algo-onset/analysis"
	"github.com/cwbudde/algo-onset/internal/errs"
	"github.com/cwbudde/algo-onset/params"
	"github.com/cwbudde/algo-onset/track"
)

type fakeEvaluator struct {
	mu     sync.Mutex
	calls  map[string]int
	target float64
	errs   map[string]error
}

func newFakeEvaluator(target float64) *fakeEvaluator {
	return &fakeEvaluator{calls: make(map[string]int), target: target, errs: make(map[string]error)}
}

func (f *fakeEvaluator) Evaluate(tr track.Track, set params.Set) (analysis.Metrics, error) {
	f.mu.Lock()
	f.calls[tr.ID]++
	err := f.errs[tr.ID]
	f.mu.Unlock()
	if err != nil {
		return analysis.Metrics{}, err
	}
	score := math.Max(0, 1-math.Abs(set["threshold"]-f.target))
	return analysis.Metrics{FMeasure: score, Precision: score, Recall: score}, nil
}

func (f *fakeEvaluator) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func testCorpus(ids ...string) *track.Corpus {
	c := &track.Corpus{}
	for _, id := range ids {
		c.Tracks = append(c.Tracks, track.Track{ID: id, TimeSignature: 4})
	}
	return c
}

var thresholdTemplate = params.Template{
	{Name: "threshold", Kind: params.Float, Lower: 0, Upper: 1, Init: 0.05},
}

func newTestOptimizer(t *testing.T, opts Options) *Optimizer {
	t.Helper()
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestEvaluateSetUsesCache(t *testing.T) {
	path := CachePath(t.TempDir(), "onset_piano")
	cache, err := OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	ev := newFakeEvaluator(0.5)
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = thresholdTemplate
	opts.Corpus = testCorpus("a", "b", "c")
	opts.Evaluator = ev
	opts.Cache = cache
	opts.Workers = 2
	o := newTestOptimizer(t, opts)

	set := params.Set{"threshold": 0.25}
	first, err := o.EvaluateSet(set)
	if err != nil {
		t.Fatalf("EvaluateSet: %v", err)
	}
	if first.Cached != 0 || first.Evaluated != 3 || first.Scored != 3 {
		t.Fatalf("first evaluation = %+v", first)
	}
	if math.Abs(first.MeanF-0.75) > 1e-12 {
		t.Fatalf("MeanF = %v, want 0.75", first.MeanF)
	}

	second, err := o.EvaluateSet(set.Clone())
	if err != nil {
		t.Fatalf("EvaluateSet (cached): %v", err)
	}
	if second.Cached != 3 || second.Evaluated != 0 {
		t.Fatalf("second evaluation = %+v, want all cached", second)
	}
	if ev.total() != 3 {
		t.Fatalf("evaluator calls = %d, want 3", ev.total())
	}

	reopened, err := OpenCache(path)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	if reopened.Len() != 3 {
		t.Fatalf("reopened cache rows = %d, want 3", reopened.Len())
	}
	if got := reopened.Snapshot("piano", set, []string{"a", "b", "c"}); len(got) != 3 {
		t.Fatalf("snapshot after reopen = %d rows, want 3", len(got))
	}
	if got := reopened.Snapshot("bass", set, []string{"a", "b", "c"}); len(got) != 0 {
		t.Fatalf("snapshot for other instrument = %d rows, want 0", len(got))
	}
	if reopened.MaxIteration() != 1 {
		t.Fatalf("MaxIteration = %d, want 1", reopened.MaxIteration())
	}
}

func TestEvaluateSetExcludesFailedTracks(t *testing.T) {
	ev := newFakeEvaluator(0.5)
	ev.errs["b"] = errs.Track("b", "piano", "reference", errs.ErrMissingReference)
	ev.errs["c"] = errors.New("decode failure")
	var log strings.Builder
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = thresholdTemplate
	opts.Corpus = testCorpus("a", "b", "c")
	opts.Evaluator = ev
	opts.Log = &log
	o := newTestOptimizer(t, opts)

	got, err := o.EvaluateSet(params.Set{"threshold": 0.5})
	if err != nil {
		t.Fatalf("EvaluateSet: %v", err)
	}
	if got.Scored != 1 || got.Skipped != 1 || got.Failed != 1 {
		t.Fatalf("evaluation = %+v, want 1 scored, 1 skipped, 1 failed", got)
	}
	if got.MeanF != 1 {
		t.Fatalf("MeanF = %v, want 1", got.MeanF)
	}
	if !strings.Contains(log.String(), "track c failed") {
		t.Fatalf("log missing failed track line:\n%s", log.String())
	}
}

func TestEvaluateSetNothingScored(t *testing.T) {
	ev := newFakeEvaluator(0.5)
	ev.errs["a"] = errors.New("boom")
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = thresholdTemplate
	opts.Corpus = testCorpus("a")
	opts.Evaluator = ev
	o := newTestOptimizer(t, opts)

	got, err := o.EvaluateSet(params.Set{"threshold": 0.5})
	if err != nil {
		t.Fatalf("EvaluateSet: %v", err)
	}
	if got.MeanF != 0 || math.IsNaN(got.StdF) {
		t.Fatalf("evaluation = %+v, want zero score", got)
	}
}

func TestCheckCoverage(t *testing.T) {
	corpus := []string{"a", "b", "c"}
	tests := []struct {
		name      string
		cached    []string
		evaluated []string
		wantErr   bool
	}{
		{name: "exact", cached: []string{"a"}, evaluated: []string{"b", "c"}},
		{name: "duplicate", cached: []string{"a", "b"}, evaluated: []string{"b", "c"}, wantErr: true},
		{name: "missing", cached: []string{"a"}, evaluated: []string{"b"}, wantErr: true},
		{name: "extra", cached: []string{"a", "b", "c"}, evaluated: []string{"d"}, wantErr: true},
	}
	for _, tt := range tests {
		err := checkCoverage(corpus, tt.cached, tt.evaluated)
		if tt.wantErr {
			if !errors.Is(err, errs.ErrCacheInconsistency) {
				t.Fatalf("%s: err = %v, want ErrCacheInconsistency", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
	}
}

func TestOpenCacheSkipsCorruptRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	content := strings.Join([]string{
		`{"track_id":"a","instrument":"piano","params":{"threshold":0.5},"f_score":0.8,"iteration":2}`,
		`{"track_id":`,
		`not json`,
		``,
		`{"track_id":"b","instrument":"piano","params":{"threshold":0.5},"f_score":0.6,"iteration":3}`,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	c, err := OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	if c.Len() != 2 || c.Skipped() != 2 {
		t.Fatalf("Len=%d Skipped=%d, want 2 and 2", c.Len(), c.Skipped())
	}
	if c.MaxIteration() != 3 {
		t.Fatalf("MaxIteration = %d, want 3", c.MaxIteration())
	}
}

func TestOpenCacheSkipsOverlongRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	content := `{"track_id":"a","instrument":"piano","params":{"threshold":0.5},"f_score":0.8}` + "\n" +
		strings.Repeat("x", 5<<20) + "\n" +
		`{"track_id":"b","instrument":"piano","params":{"threshold":0.5},"f_score":0.6}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	c, err := OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	if c.Len() != 2 || c.Skipped() != 1 {
		t.Fatalf("Len=%d Skipped=%d, want 2 and 1", c.Len(), c.Skipped())
	}
}

func TestOpenCacheUnreadableIsEmpty(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCache(dir)
	if err == nil {
		t.Fatalf("OpenCache(directory) expected error")
	}
	if c == nil || c.Len() != 0 {
		t.Fatalf("unreadable cache should be empty")
	}
}

func TestSnapshotRequiresContainment(t *testing.T) {
	c := &Cache{}
	rows := []CacheRow{
		{TrackID: "a", Instrument: "piano", Params: params.Set{"threshold": 0.5, "fps": 100}, FScore: 0.9},
		{TrackID: "b", Instrument: "piano", Params: params.Set{"threshold": 0.4}, FScore: 0.8},
		{TrackID: "a", Instrument: "piano", Params: params.Set{"threshold": 0.5}, FScore: 0.1},
	}
	if err := c.Append(rows); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got := c.Snapshot("piano", params.Set{"threshold": 0.5}, []string{"a", "b"})
	if len(got) != 1 {
		t.Fatalf("snapshot = %v, want only track a", got)
	}
	if got["a"].FScore != 0.9 {
		t.Fatalf("snapshot kept %v, want the first matching row", got["a"].FScore)
	}
}

func TestRunSimplexFindsOptimum(t *testing.T) {
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = thresholdTemplate
	opts.Corpus = testCorpus("a", "b")
	opts.Evaluator = newFakeEvaluator(0.33)
	opts.MaxEval = 200
	o := newTestOptimizer(t, opts)

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.BestF < 0.99 {
		t.Fatalf("BestF = %v, want >= 0.99 (best %v)", res.BestF, res.Best)
	}
	if res.Reason != StopValue && res.Reason != StopFtol {
		t.Fatalf("Reason = %q, want stopval or ftol", res.Reason)
	}
	if o.State() != StateConverged {
		t.Fatalf("State = %v, want converged", o.State())
	}
	if len(res.Top) == 0 || res.Top[0].Score != res.BestF {
		t.Fatalf("top candidates %+v do not lead with best", res.Top)
	}
	if _, err := o.Run(context.Background()); err == nil {
		t.Fatalf("second Run expected error")
	}
}

func TestRunStopsAtMaxEval(t *testing.T) {
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = params.Template{
		{Name: "threshold", Kind: params.Float, Lower: 0, Upper: 1, Init: 0.05},
		{Name: "smooth", Kind: params.Float, Lower: 0, Upper: 2, Init: 0.05},
	}
	opts.Corpus = testCorpus("a")
	opts.Evaluator = newFakeEvaluator(0.9)
	opts.MaxEval = 2
	o := newTestOptimizer(t, opts)

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Evals != 2 || res.Reason != StopMaxEval || res.State != StateStopped {
		t.Fatalf("result = %+v, want 2 evals stopped by maxeval", res)
	}
}

func TestRunStopsAtStopVal(t *testing.T) {
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = thresholdTemplate
	opts.Corpus = testCorpus("a", "b")
	opts.Evaluator = newFakeEvaluator(thresholdTemplate[0].Init)
	o := newTestOptimizer(t, opts)

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != StopValue || res.State != StateConverged || o.State() != StateConverged {
		t.Fatalf("result = %+v, want converged by stopval", res)
	}
	if res.Evals != 1 || res.BestF != 1 {
		t.Fatalf("Evals = %d BestF = %v, want 1 and 1", res.Evals, res.BestF)
	}
}

type slowEvaluator struct {
	*fakeEvaluator
	delay time.Duration
}

func (s slowEvaluator) Evaluate(tr track.Track, set params.Set) (analysis.Metrics, error) {
	time.Sleep(s.delay)
	return s.fakeEvaluator.Evaluate(tr, set)
}

func TestRunStopsAtMaxTime(t *testing.T) {
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = thresholdTemplate
	opts.Corpus = testCorpus("a")
	opts.Evaluator = slowEvaluator{fakeEvaluator: newFakeEvaluator(0.9), delay: 30 * time.Millisecond}
	opts.MaxTime = 10 * time.Millisecond
	opts.StopVal = 0
	o := newTestOptimizer(t, opts)

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != StopMaxTime || res.State != StateStopped {
		t.Fatalf("result = %+v, want stopped by maxtime", res)
	}
	if res.Best == nil || res.Evals != 1 {
		t.Fatalf("Best = %v Evals = %d, want the single evaluation kept", res.Best, res.Evals)
	}
}

func TestStopReasonState(t *testing.T) {
	tests := []struct {
		reason StopReason
		want   State
	}{
		{StopFtol, StateConverged},
		{StopValue, StateConverged},
		{StopMaxEval, StateStopped},
		{StopMaxTime, StateStopped},
		{StopCanceled, StateStopped},
	}
	for _, tt := range tests {
		if got := tt.reason.state(); got != tt.want {
			t.Fatalf("%q.state() = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestRunCanceledBeforeFirstEval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = thresholdTemplate
	opts.Corpus = testCorpus("a")
	opts.Evaluator = newFakeEvaluator(0.5)
	o := newTestOptimizer(t, opts)

	res, err := o.Run(ctx)
	if err == nil {
		t.Fatalf("Run on canceled context expected error")
	}
	if res.Reason != StopCanceled {
		t.Fatalf("Reason = %q, want canceled", res.Reason)
	}
}

func TestRunCacheInconsistencyIsFatal(t *testing.T) {
	cache := &Cache{}
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = thresholdTemplate
	opts.Corpus = testCorpus("a")
	opts.Evaluator = newFakeEvaluator(0.5)
	opts.Cache = cache
	o := newTestOptimizer(t, opts)
	// The corpus is shared, so a duplicate added after validation reaches
	// the coverage check.
	opts.Corpus.Tracks = append(opts.Corpus.Tracks, track.Track{ID: "a", TimeSignature: 4})

	_, err := o.Run(context.Background())
	if !errors.Is(err, errs.ErrCacheInconsistency) {
		t.Fatalf("Run err = %v, want ErrCacheInconsistency", err)
	}
}

func TestRunMayflyRespectsBudget(t *testing.T) {
	opts := DefaultOptions()
	opts.Instrument = "mix"
	opts.Template = params.Template{
		{Name: "threshold", Kind: params.Float, Lower: 0, Upper: 1, Init: 0.05},
		{Name: "passes", Kind: params.Int, Lower: 1, Upper: 5, Init: 3},
	}
	opts.Corpus = testCorpus("a", "b")
	opts.Evaluator = newFakeEvaluator(0.4)
	opts.Method = "desma"
	opts.MayflyPop = 4
	opts.MaxEval = 30
	opts.StopVal = 0
	o := newTestOptimizer(t, opts)

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Evals > 30 {
		t.Fatalf("Evals = %d, want <= 30", res.Evals)
	}
	if res.Best == nil {
		t.Fatalf("no best parameter set")
	}
	if p := res.Best["passes"]; p != math.Round(p) {
		t.Fatalf("passes = %v, want integer", p)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	base := DefaultOptions()
	base.Instrument = "piano"
	base.Template = thresholdTemplate
	base.Corpus = testCorpus("a")
	base.Evaluator = newFakeEvaluator(0.5)

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "no corpus", mutate: func(o *Options) { o.Corpus = nil }},
		{name: "no evaluator", mutate: func(o *Options) { o.Evaluator = nil }},
		{name: "empty template", mutate: func(o *Options) { o.Template = nil }},
		{name: "bad method", mutate: func(o *Options) { o.Method = "bogus" }},
		{name: "no instrument", mutate: func(o *Options) { o.Instrument = "" }},
		{name: "duplicate track ids", mutate: func(o *Options) { o.Corpus = testCorpus("a", "a") }},
		{name: "bad time signature", mutate: func(o *Options) {
			o.Corpus = &track.Corpus{Tracks: []track.Track{{ID: "a"}}}
		}},
	}
	for _, tt := range tests {
		opts := base
		tt.mutate(&opts)
		if _, err := New(opts); !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("%s: err = %v, want ErrConfiguration", tt.name, err)
		}
	}
}

func TestNelderMeadQuadratic(t *testing.T) {
	best := math.Inf(1)
	var bestX []float64
	evals := 0
	f := func(x []float64) (float64, error) {
		evals++
		v := (x[0]-0.7)*(x[0]-0.7) + (x[1]-0.2)*(x[1]-0.2)
		if v < best {
			best = v
			bestX = append([]float64(nil), x...)
		}
		if evals > 2000 {
			return v, fmt.Errorf("budget")
		}
		return v, nil
	}
	if err := nelderMead(f, []float64{0.1, 0.9}, simplexOptions{step: 0.1, ftolAbs: 1e-12}); err != nil {
		t.Fatalf("nelderMead: %v", err)
	}
	if math.Abs(bestX[0]-0.7) > 1e-3 || math.Abs(bestX[1]-0.2) > 1e-3 {
		t.Fatalf("minimum at %v, want (0.7, 0.2)", bestX)
	}
}

func TestNelderMeadStaysInBox(t *testing.T) {
	errBudget := errors.New("budget")
	evals := 0
	f := func(x []float64) (float64, error) {
		evals++
		for _, v := range x {
			if v < 0 || v > 1 {
				return 0, fmt.Errorf("out of box: %v", x)
			}
		}
		if evals > 1000 {
			return 0, errBudget
		}
		return -x[0] - x[1], nil
	}
	err := nelderMead(f, []float64{0.95, 0.95}, simplexOptions{step: 0.1, ftolAbs: 1e-9})
	if err != nil && !errors.Is(err, errBudget) {
		t.Fatalf("nelderMead: %v", err)
	}
}

func TestNewMayflyConfig(t *testing.T) {
	for _, variant := range append([]string{"bogus"}, MayflyVariants...) {
		cfg, err := newMayflyConfig(variant, 10, 5, 20)
		if variant == "bogus" {
			if err == nil {
				t.Fatalf("newMayflyConfig(%q) expected error", variant)
			}
			continue
		}
		if err != nil {
			t.Fatalf("newMayflyConfig(%q) unexpected error: %v", variant, err)
		}
		if cfg.ProblemSize != 5 || cfg.NPop != 10 || cfg.MaxIterations != 20 {
			t.Fatalf("newMayflyConfig(%q) = size %d pop %d iters %d", variant, cfg.ProblemSize, cfg.NPop, cfg.MaxIterations)
		}
	}
}

func TestReserveEvalCapsAtMax(t *testing.T) {
	const (
		maxEvals = 47
		workers  = 8
	)

	var evals int64
	var granted int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, ok := reserveEval(&evals, maxEvals); !ok {
					return
				}
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&granted); got != maxEvals {
		t.Fatalf("granted evaluations = %d, want %d", got, maxEvals)
	}
}

func TestUpdateTopCandidatesOrdersByScore(t *testing.T) {
	var top []Candidate
	top = updateTopCandidates(top, 2, 1, 0.5, params.Set{"threshold": 0.1})
	top = updateTopCandidates(top, 2, 2, 0.9, params.Set{"threshold": 0.2})
	top = updateTopCandidates(top, 2, 3, 0.7, params.Set{"threshold": 0.3})
	top = updateTopCandidates(top, 2, 4, 0.9, params.Set{"threshold": 0.2})
	if len(top) != 2 || top[0].Eval != 2 || top[1].Eval != 3 {
		t.Fatalf("top = %+v, want evals 2 then 3", top)
	}
}

func TestReportBestParamsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "onset_piano.report.json")
	opts := DefaultOptions()
	opts.Instrument = "piano"
	opts.Template = thresholdTemplate
	res := Result{Best: params.Set{"threshold": 0.42}, BestF: 0.8, Evals: 7, State: StateConverged, Reason: StopFtol}
	if err := WriteReport(path, NewReport("onset_piano", opts, res)); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	set, ok, err := LoadBestParams(path)
	if err != nil || !ok {
		t.Fatalf("LoadBestParams ok=%v err=%v", ok, err)
	}
	if !set.Equal(params.Set{"threshold": 0.42}) {
		t.Fatalf("best params = %v", set)
	}
}
