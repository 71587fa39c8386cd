package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cwbudde/algo-onset/activation"
	"github.com/cwbudde/algo-onset/beat"
	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/cli"
	"github.com/cwbudde/algo-onset/internal/fitcommon"
	"github.com/cwbudde/algo-onset/optimize"
	"github.com/cwbudde/algo-onset/params"
	"github.com/cwbudde/algo-onset/pipeline"
	"github.com/cwbudde/algo-onset/preset"
	"github.com/cwbudde/algo-onset/track"
)

// CLI defines the command-line interface.
type CLI struct {
	Corpus      string   `arg:"" name:"corpus" help:"Corpus YAML file" type:"existingfile"`
	Instrument  string   `short:"i" default:"piano" help:"Instrument to calibrate, or 'mix' for the beat tracker"`
	Config      string   `short:"c" type:"path" help:"Analysis config YAML (optional)"`
	Activations string   `short:"a" type:"path" default:"activations" help:"Directory of <id>_<instrument>.act files"`
	Flux        bool     `help:"Compute spectral-flux activations from audio instead of reading files"`
	Logits      bool     `help:"Activation files hold logits; apply a sigmoid on load"`
	Annotations string   `short:"r" type:"path" default:"annotations" help:"Directory of <id>_<instrument>.txt reference files"`
	Tracks      []string `short:"t" help:"Only use these track ids"`

	CacheDir string `type:"path" default:"out/cache" help:"Directory for per-run result caches"`
	Report   string `type:"path" help:"Report JSON path (default: <cache-dir>/<run>.report.json)"`
	Preset   string `short:"p" type:"path" default:"assets/converged.json" help:"Converged parameter store to update"`
	Resume   bool   `default:"true" negatable:"" help:"Start from best_params of an earlier report"`

	Method    string  `short:"m" default:"simplex" help:"Search method: simplex|ma|desma|olce|eobbma|gsasma|mpma|aoblmoa"`
	MaxEval   int     `default:"0" help:"Maximum objective evaluations (0 = unlimited)"`
	MaxTime   float64 `default:"60000" help:"Maximum wall-clock seconds"`
	FtolAbs   float64 `default:"1e-4" help:"Absolute objective tolerance"`
	FtolRel   float64 `default:"1e-4" help:"Relative objective tolerance"`
	StopVal   float64 `default:"0.999" help:"Stop once mean F-measure reaches this value"`
	Workers   string  `short:"w" default:"auto" help:"Parallel track evaluations (number or 'auto')"`
	Seed      int64   `default:"1" help:"Random seed for population methods"`
	MayflyPop int     `default:"10" help:"Population size for mayfly methods"`
	TopK      int     `default:"5" help:"Candidates kept in the report"`
	EvalOnly  bool    `help:"Score the initial parameters once and exit"`
	Version   bool    `short:"v" help:"Show version information"`
}

var version = "0.1.0"

func main() {
	var args CLI
	kong.Parse(&args,
		kong.Name("onset-fit"),
		kong.Description("Calibrate onset and beat detection parameters against annotated tracks"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if args.Version {
		fmt.Println("onset-fit", version)
		return
	}

	cfg := config.Default()
	if args.Config != "" {
		var err error
		if cfg, err = config.Load(args.Config); err != nil {
			cli.Die("failed to load config: %v", err)
		}
	}
	if err := checkInstrument(cfg, args.Instrument); err != nil {
		cli.Die("%v", err)
	}
	if !optimize.ValidMethod(args.Method) {
		cli.Die("unknown method %q", args.Method)
	}
	workers, err := fitcommon.ParseWorkers(args.Workers)
	if err != nil {
		cli.Die("invalid workers value: %v", err)
	}

	corpus, err := track.LoadCorpus(args.Corpus)
	if err != nil {
		cli.Die("failed to load corpus: %v", err)
	}
	if len(args.Tracks) > 0 {
		keep := make(map[string]bool, len(args.Tracks))
		for _, id := range args.Tracks {
			keep[id] = true
		}
		corpus = corpus.Filter(func(tr track.Track) bool { return keep[tr.ID] })
	}
	if len(corpus.Tracks) == 0 {
		cli.Die("no tracks selected")
	}

	store, err := preset.LoadOrEmpty(args.Preset)
	if err != nil {
		cli.Die("failed to load preset store: %v", err)
	}

	run := runName(args.Instrument)
	reportPath := args.Report
	if reportPath == "" {
		reportPath = filepath.Join(args.CacheDir, run+".report.json")
	}

	cache, err := optimize.OpenCache(optimize.CachePath(args.CacheDir, run))
	if err != nil {
		cli.PrintWarning(os.Stderr, fmt.Sprintf("cache unreadable, starting empty: %v", err))
	}
	if cache.Skipped() > 0 {
		cli.PrintWarning(os.Stderr, fmt.Sprintf("%d corrupt cache rows ignored", cache.Skipped()))
	}

	evaluator, err := newEvaluator(cfg, args, store)
	if err != nil {
		cli.Die("%v", err)
	}

	opts := optimize.DefaultOptions()
	opts.Instrument = args.Instrument
	opts.Template = templateFor(args.Instrument)
	opts.Corpus = corpus
	opts.Evaluator = evaluator
	opts.Cache = cache
	opts.Method = args.Method
	opts.MaxEval = args.MaxEval
	opts.MaxTime = time.Duration(args.MaxTime * float64(time.Second))
	opts.FtolAbs = args.FtolAbs
	opts.FtolRel = args.FtolRel
	opts.StopVal = args.StopVal
	opts.Workers = workers
	opts.Seed = args.Seed
	opts.MayflyPop = args.MayflyPop
	opts.TopK = args.TopK
	opts.Log = os.Stdout

	if args.Resume {
		if set, ok, err := optimize.LoadBestParams(reportPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				cli.PrintWarning(os.Stderr, fmt.Sprintf("resume skipped (%s): %v", reportPath, err))
			}
		} else if ok {
			opts.Initial = set
			fmt.Printf("Resuming from %s: %s\n", reportPath, set)
		}
	}

	o, err := optimize.New(opts)
	if err != nil {
		cli.Die("%v", err)
	}

	cli.PrintTitle(os.Stdout, "onset-fit "+run)
	cli.PrintKV(os.Stdout, "Tracks", len(corpus.Tracks))
	cli.PrintKV(os.Stdout, "Method", opts.Method)
	cli.PrintKV(os.Stdout, "Parameters", strings.Join(opts.Template.Names(), ", "))
	cli.PrintKV(os.Stdout, "Cache", fmt.Sprintf("%s (%d rows)", cache.Path(), cache.Len()))

	if args.EvalOnly {
		initial := opts.Template.Format(opts.Template.InitVector())
		if opts.Initial != nil {
			initial = opts.Template.Format(opts.Template.Vector(opts.Initial))
		}
		ev, err := o.EvaluateSet(initial)
		if err != nil {
			cli.Die("evaluation failed: %v", err)
		}
		cli.PrintKV(os.Stdout, "Mean F", fmt.Sprintf("%.4f ± %.4f", ev.MeanF, ev.StdF))
		cli.PrintKV(os.Stdout, "Scored", ev.Scored)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, runErr := o.Run(ctx)
	if shouldPublish(res, runErr) {
		if err := writeOutputs(reportPath, args.Preset, optimize.NewReport(run, opts, res)); err != nil {
			cli.PrintError(fmt.Sprintf("write outputs: %v", err))
		}
	}
	if runErr != nil {
		cli.Die("optimization failed: %v", runErr)
	}

	cli.PrintKV(os.Stdout, "State", fmt.Sprintf("%s (%s)", res.State, res.Reason))
	cli.PrintKV(os.Stdout, "Evaluations", res.Evals)
	cli.PrintKV(os.Stdout, "Elapsed", res.Elapsed.Round(time.Millisecond))
	cli.PrintKV(os.Stdout, "Best mean F", fmt.Sprintf("%.4f", res.BestF))
	cli.PrintKV(os.Stdout, "Best params", res.Best)
	cli.PrintKV(os.Stdout, "Report", reportPath)
	cli.PrintKV(os.Stdout, "Preset", args.Preset)
}

func newSource(cfg config.Config, args CLI) activation.Source {
	if args.Flux {
		return activation.FluxSource{Config: cfg}
	}
	return activation.FileSource{Dir: args.Activations, FPS: cfg.FPS, Logits: args.Logits}
}

// newEvaluator builds the per-track objective. Values outside the template
// come from the current preset store.
func newEvaluator(cfg config.Config, args CLI, store *preset.Store) (optimize.TrackEvaluator, error) {
	src := newSource(cfg, args)
	if args.Instrument == config.Mix {
		base, err := store.BeatParams(config.Mix)
		if err != nil {
			return nil, err
		}
		return pipeline.NewBeatObjective(cfg, src, args.Annotations, base), nil
	}
	base, err := store.OnsetParams(args.Instrument)
	if err != nil {
		return nil, err
	}
	return pipeline.NewOnsetObjective(cfg, src, pipeline.NewWAVLoader(cfg), args.Instrument, args.Annotations, base), nil
}

func applyBeat(set params.Set) (beat.Params, error) {
	p := beat.DefaultParams()
	err := preset.ApplyBeat(&p, set)
	return p, err
}
