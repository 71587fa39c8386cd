// Package optimize calibrates detector parameters against annotated tracks.
// Every objective evaluation scores one parameter set on the whole corpus,
// reusing cached per-track results and dispatching the rest to a worker pool.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwbudde/algo-onset/analysis"
	"github.com/cwbudde/algo-onset/internal/errs"
	"github.com/cwbudde/algo-onset/internal/fitcommon"
	"github.com/cwbudde/algo-onset/params"
	"github.com/cwbudde/algo-onset/track"
)

// TrackEvaluator scores one track under one parameter set.
type TrackEvaluator interface {
	Evaluate(tr track.Track, set params.Set) (analysis.Metrics, error)
}

// State is the optimizer lifecycle.
type State int

const (
	StateIdle State = iota
	StateEvaluating
	StateConverged
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	case StateConverged:
		return "converged"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateIdle, StateEvaluating, StateConverged, StateStopped} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown optimizer state %q", b)
}

// StopReason says which criterion ended a run.
type StopReason string

const (
	StopNone     StopReason = ""
	StopFtol     StopReason = "ftol"
	StopValue    StopReason = "stopval"
	StopMaxEval  StopReason = "maxeval"
	StopMaxTime  StopReason = "maxtime"
	StopCanceled StopReason = "canceled"
)

// state maps a stop reason to the terminal state. Reaching the target value
// is convergence; budgets and cancellation stop the run.
func (r StopReason) state() State {
	switch r {
	case StopFtol, StopValue:
		return StateConverged
	}
	return StateStopped
}

type stopError struct{ reason StopReason }

func (e *stopError) Error() string { return "optimizer stopped: " + string(e.reason) }

// Options configure a run. Zero tolerances and budgets disable the
// corresponding criterion.
type Options struct {
	// Instrument keys the cache rows; "mix" for the beat tracker.
	Instrument string
	Template   params.Template
	// Initial overrides template initial guesses, e.g. when resuming.
	Initial params.Set

	Corpus    *track.Corpus
	Evaluator TrackEvaluator
	Cache     *Cache

	Method  string
	FtolAbs float64
	FtolRel float64
	StopVal float64
	MaxEval int
	MaxTime time.Duration

	Workers int
	// Step is the initial simplex edge in normalized units.
	Step      float64
	TopK      int
	Seed      int64
	MayflyPop int
	// MayflyRoundEvals bounds the evaluations spent per mayfly restart.
	MayflyRoundEvals int

	Log io.Writer
}

// DefaultOptions returns the stopping criteria used by the calibration runs.
func DefaultOptions() Options {
	return Options{
		Method:           MethodSimplex,
		FtolAbs:          1e-4,
		FtolRel:          1e-4,
		StopVal:          0.999,
		MaxTime:          60000 * time.Second,
		Step:             0.1,
		TopK:             5,
		Seed:             1,
		MayflyPop:        10,
		MayflyRoundEvals: 200,
	}
}

// Evaluation is the corpus-wide score of one parameter set.
type Evaluation struct {
	Iteration int        `json:"iteration"`
	Params    params.Set `json:"params"`
	MeanF     float64    `json:"mean_f"`
	StdF      float64    `json:"std_f"`
	Scored    int        `json:"scored"`
	Cached    int        `json:"cached"`
	Evaluated int        `json:"evaluated"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
}

// Candidate is an entry of the best-so-far list.
type Candidate struct {
	Eval   int        `json:"eval"`
	Score  float64    `json:"score"`
	Params params.Set `json:"params"`
}

// Result is the outcome of Run.
type Result struct {
	Best    params.Set    `json:"best_params"`
	BestF   float64       `json:"best_f"`
	Evals   int           `json:"evaluations"`
	Elapsed time.Duration `json:"-"`
	State   State         `json:"state"`
	Reason  StopReason    `json:"stop_reason"`
	Top     []Candidate   `json:"top_candidates,omitempty"`
}

// Optimizer searches the template space for the set maximizing mean
// F-measure over the corpus.
type Optimizer struct {
	opts Options

	mu       sync.Mutex
	state    State
	reason   StopReason
	evals    int64
	iterBase int
	best     *Evaluation
	top      []Candidate
	deadline time.Time
}

// New validates opts and prepares an idle optimizer.
func New(opts Options) (*Optimizer, error) {
	if err := opts.Template.Validate(); err != nil {
		return nil, errs.Configf("template: %v", err)
	}
	if len(opts.Template) == 0 {
		return nil, errs.Configf("empty parameter template")
	}
	if opts.Corpus == nil || len(opts.Corpus.Tracks) == 0 {
		return nil, errs.Configf("empty corpus")
	}
	if err := opts.Corpus.Validate(); err != nil {
		return nil, errs.Configf("corpus: %v", err)
	}
	if opts.Evaluator == nil {
		return nil, errs.Configf("no track evaluator")
	}
	if opts.Instrument == "" {
		return nil, errs.Configf("no instrument")
	}
	opts.Method = strings.ToLower(opts.Method)
	if opts.Method == "" {
		opts.Method = MethodSimplex
	}
	if !ValidMethod(opts.Method) {
		return nil, errs.Configf("unknown method %q", opts.Method)
	}
	if opts.Cache == nil {
		opts.Cache = &Cache{}
	}
	if opts.Step <= 0 {
		opts.Step = 0.1
	}
	if opts.TopK < 1 {
		opts.TopK = 1
	}
	if opts.MayflyPop < 2 {
		opts.MayflyPop = 10
	}
	if opts.MayflyRoundEvals < 1 {
		opts.MayflyRoundEvals = 200
	}
	if opts.Log == nil {
		opts.Log = io.Discard
	}
	return &Optimizer{opts: opts, iterBase: opts.Cache.MaxIteration()}, nil
}

// State returns the lifecycle state.
func (o *Optimizer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run searches until a stopping criterion fires. Budget and tolerance stops
// are normal terminations; only cache inconsistencies, cancellation of a run
// that never evaluated, and search failures return an error.
func (o *Optimizer) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return Result{}, fmt.Errorf("optimizer already ran (state %s)", o.state)
	}
	o.state = StateEvaluating
	if o.opts.MaxTime > 0 {
		o.deadline = start.Add(o.opts.MaxTime)
	}
	o.mu.Unlock()

	x0 := o.initialPosition()
	var err error
	if o.opts.Method == MethodSimplex {
		err = nelderMead(o.objective(ctx), x0, simplexOptions{
			step:    o.opts.Step,
			ftolAbs: o.opts.FtolAbs,
			ftolRel: o.opts.FtolRel,
		})
	} else {
		err = o.runMayflyRounds(ctx, x0)
	}

	var stop *stopError
	switch {
	case err == nil:
		o.finish(StateConverged, StopFtol)
	case errors.As(err, &stop):
		o.finish(stop.reason.state(), stop.reason)
	default:
		o.finish(StateStopped, StopNone)
	}

	res := o.result(time.Since(start))
	if err != nil && stop == nil {
		return res, err
	}
	if res.Best == nil {
		return res, fmt.Errorf("no parameter set evaluated (%s)", res.Reason)
	}
	return res, nil
}

func (o *Optimizer) initialPosition() []float64 {
	raw := o.opts.Template.InitVector()
	if o.opts.Initial != nil {
		raw = o.opts.Template.Vector(o.opts.Initial)
	}
	return o.opts.Template.Normalize(raw)
}

func (o *Optimizer) finish(state State, reason StopReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = state
	if o.reason == StopNone {
		o.reason = reason
	}
}

func (o *Optimizer) result(elapsed time.Duration) Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	res := Result{
		Evals:   int(o.evalCount()),
		Elapsed: elapsed,
		State:   o.state,
		Reason:  o.reason,
		Top:     cloneCandidates(o.top),
	}
	if o.best != nil {
		res.Best = o.best.Params.Clone()
		res.BestF = o.best.MeanF
	}
	return res
}

// objective maps a normalized position to the negated mean F-measure,
// enforcing the run budgets before each evaluation.
func (o *Optimizer) objective(ctx context.Context) objectiveFunc {
	return func(pos []float64) (float64, error) {
		if err := o.checkBudget(ctx); err != nil {
			return 1, err
		}
		if _, ok := reserveEval(&o.evals, o.opts.MaxEval); !ok {
			return 1, &stopError{StopMaxEval}
		}
		set := o.opts.Template.Format(o.opts.Template.Denormalize(pos))
		ev, err := o.evaluate(set)
		if err != nil {
			return 1, err
		}
		o.record(ev)
		if o.opts.StopVal > 0 && ev.MeanF >= o.opts.StopVal {
			return -ev.MeanF, &stopError{StopValue}
		}
		return -ev.MeanF, nil
	}
}

func (o *Optimizer) checkBudget(ctx context.Context) error {
	if ctx.Err() != nil {
		return &stopError{StopCanceled}
	}
	if !o.deadline.IsZero() && time.Now().After(o.deadline) {
		return &stopError{StopMaxTime}
	}
	return nil
}

// runMayflyRounds restarts the population search until a budget fires or a
// round fails to improve the best score by more than the tolerance.
func (o *Optimizer) runMayflyRounds(ctx context.Context, x0 []float64) error {
	f := o.objective(ctx)
	// Score the initial guess first so the run always has a baseline.
	if _, err := f(x0); err != nil {
		return err
	}
	var firstErr error
	prev := o.bestScore()
	for round := 1; ; round++ {
		budget := o.opts.MayflyRoundEvals
		if o.opts.MaxEval > 0 {
			budget = min(budget, o.opts.MaxEval-int(o.evalCount()))
		}
		if budget <= 0 {
			return &stopError{StopMaxEval}
		}
		iters := max(1, budget/(2*o.opts.MayflyPop))
		cfg, err := newMayflyConfig(o.opts.Method, o.opts.MayflyPop, len(o.opts.Template), iters)
		if err != nil {
			return err
		}
		cfg.Rand = rand.New(rand.NewSource(o.opts.Seed + int64(round)*7919))
		cfg.ObjectiveFunc = func(pos []float64) float64 {
			if firstErr != nil {
				return 1
			}
			v, err := f(pos)
			if err != nil {
				firstErr = err
			}
			return v
		}
		if _, err := runMayfly(cfg); err != nil && firstErr == nil {
			return fmt.Errorf("mayfly round %d: %w", round, err)
		}
		if firstErr != nil {
			return firstErr
		}
		cur := o.bestScore()
		if round > 1 && withinTolerance(-cur, -prev, simplexOptions{ftolAbs: o.opts.FtolAbs, ftolRel: o.opts.FtolRel}) {
			return nil
		}
		prev = cur
	}
}

func (o *Optimizer) evalCount() int64 {
	return atomic.LoadInt64(&o.evals)
}

func (o *Optimizer) bestScore() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.best == nil {
		return 0
	}
	return o.best.MeanF
}

func (o *Optimizer) record(ev Evaluation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.best == nil || ev.MeanF > o.best.MeanF {
		cp := ev
		cp.Params = ev.Params.Clone()
		o.best = &cp
	}
	o.top = updateTopCandidates(o.top, o.opts.TopK, ev.Iteration, ev.MeanF, ev.Params)
}

// EvaluateSet scores set on the corpus once, outside any search. It counts
// as an iteration in the cache.
func (o *Optimizer) EvaluateSet(set params.Set) (Evaluation, error) {
	atomic.AddInt64(&o.evals, 1)
	ev, err := o.evaluate(set)
	if err == nil {
		o.record(ev)
	}
	return ev, err
}

type trackOutcome struct {
	id      string
	metrics analysis.Metrics
	err     error
}

// evaluate runs one objective evaluation: cache snapshot, parallel dispatch
// of the uncached tracks, cache append, coverage check, mean F.
func (o *Optimizer) evaluate(set params.Set) (Evaluation, error) {
	iteration := o.iterBase + int(o.evalCount())

	corpus := o.opts.Corpus
	ids := corpus.IDs()
	cached := o.opts.Cache.Snapshot(o.opts.Instrument, set, ids)

	var pending []track.Track
	for _, tr := range corpus.Tracks {
		if _, ok := cached[tr.ID]; !ok {
			pending = append(pending, tr)
		}
	}

	outcomes := o.dispatch(pending, set)

	ev := Evaluation{Iteration: iteration, Params: set.Clone(), Cached: len(cached)}
	var scores []float64
	cachedIDs := make([]string, 0, len(cached))
	for id, row := range cached {
		cachedIDs = append(cachedIDs, id)
		scores = append(scores, row.FScore)
	}
	var newIDs []string
	var rows []CacheRow
	now := time.Now().UTC()
	for _, out := range outcomes {
		newIDs = append(newIDs, out.id)
		ev.Evaluated++
		if out.err != nil {
			if errs.IsSkippable(out.err) {
				ev.Skipped++
				continue
			}
			ev.Failed++
			fmt.Fprintf(o.opts.Log, "track %s failed: %v\n", out.id, out.err)
			continue
		}
		scores = append(scores, out.metrics.FMeasure)
		rows = append(rows, CacheRow{
			TrackID:    out.id,
			Instrument: o.opts.Instrument,
			Params:     set.Clone(),
			FScore:     out.metrics.FMeasure,
			Precision:  out.metrics.Precision,
			Recall:     out.metrics.Recall,
			Iteration:  iteration,
			Time:       now,
		})
	}
	if err := o.opts.Cache.Append(rows); err != nil {
		fmt.Fprintf(o.opts.Log, "cache append failed: %v\n", err)
	}
	if err := checkCoverage(ids, cachedIDs, newIDs); err != nil {
		return Evaluation{}, err
	}

	ev.Scored = len(scores)
	if len(scores) > 0 {
		ev.MeanF = fitcommon.NanMean(scores)
		ev.StdF = fitcommon.NanStd(scores)
	}
	limit := "inf"
	if o.opts.MaxEval > 0 {
		limit = fmt.Sprint(o.opts.MaxEval)
	}
	fmt.Fprintf(o.opts.Log, "Iteration %d/%s meanF=%.4f stdF=%.4f scored=%d cached=%d failed=%d skipped=%d %s\n",
		iteration, limit, ev.MeanF, ev.StdF, ev.Scored, ev.Cached, ev.Failed, ev.Skipped, set)
	return ev, nil
}

// dispatch evaluates tracks on a bounded worker pool.
func (o *Optimizer) dispatch(tracks []track.Track, set params.Set) []trackOutcome {
	if len(tracks) == 0 {
		return nil
	}
	workers := fitcommon.ResolveWorkers(o.opts.Workers, len(tracks))
	jobs := make(chan track.Track)
	results := make(chan trackOutcome, len(tracks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tr := range jobs {
				m, err := o.opts.Evaluator.Evaluate(tr, set.Clone())
				results <- trackOutcome{id: tr.ID, metrics: m, err: err}
			}
		}()
	}
	for _, tr := range tracks {
		jobs <- tr
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]trackOutcome, 0, len(tracks))
	for r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// checkCoverage verifies that cached and evaluated ids cover corpus exactly
// once each.
func checkCoverage(corpus, cached, evaluated []string) error {
	seen := make(map[string]bool, len(corpus))
	for _, group := range [][]string{cached, evaluated} {
		for _, id := range group {
			if seen[id] {
				return fmt.Errorf("%w: track %s counted twice", errs.ErrCacheInconsistency, id)
			}
			seen[id] = true
		}
	}
	for _, id := range corpus {
		if !seen[id] {
			return fmt.Errorf("%w: track %s missing", errs.ErrCacheInconsistency, id)
		}
		delete(seen, id)
	}
	for id := range seen {
		return fmt.Errorf("%w: track %s not in corpus", errs.ErrCacheInconsistency, id)
	}
	return nil
}

func updateTopCandidates(top []Candidate, topK int, eval int, score float64, set params.Set) []Candidate {
	for _, c := range top {
		if c.Params.Equal(set) {
			return top
		}
	}
	top = append(top, Candidate{Eval: eval, Score: score, Params: set.Clone()})
	sort.Slice(top, func(i, j int) bool {
		if top[i].Score == top[j].Score {
			return top[i].Eval < top[j].Eval
		}
		return top[i].Score > top[j].Score
	})
	if len(top) > topK {
		top = top[:topK]
	}
	return top
}

func cloneCandidates(in []Candidate) []Candidate {
	out := make([]Candidate, len(in))
	for i, c := range in {
		out[i] = Candidate{Eval: c.Eval, Score: c.Score, Params: c.Params.Clone()}
	}
	return out
}
