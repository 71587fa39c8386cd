package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/cwbudde/algo-onset/activation"
	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/cli"
	"github.com/cwbudde/algo-onset/internal/fitcommon"
	"github.com/cwbudde/algo-onset/pipeline"
	"github.com/cwbudde/algo-onset/preset"
	"github.com/cwbudde/algo-onset/track"
)

// CLI defines the command-line interface.
type CLI struct {
	Corpus      string   `arg:"" name:"corpus" help:"Corpus YAML file" type:"existingfile"`
	Config      string   `short:"c" type:"path" help:"Analysis config YAML (optional)"`
	Activations string   `short:"a" type:"path" default:"activations" help:"Directory of <id>_<instrument>.act files"`
	Flux        bool     `help:"Compute spectral-flux activations from audio instead of reading files"`
	Logits      bool     `help:"Activation files hold logits; apply a sigmoid on load"`
	Annotations string   `short:"r" type:"path" help:"Directory of reference files; enables evaluation"`
	Preset      string   `short:"p" type:"path" default:"assets/converged.json" help:"Converged parameter store"`
	Output      string   `short:"o" type:"path" default:"out/onsets.jsonl" help:"JSON-lines result file (appended)"`
	Instruments []string `help:"Instruments to analyse (default: from config)"`
	Tracks      []string `short:"t" help:"Only process these track ids"`
	Silence     bool     `default:"true" negatable:"" help:"Drop onsets in silent passages (reads audio channels)"`
	Hard        bool     `help:"Use the fixed matching window instead of tempo-adaptive windows"`
	Workers     string   `short:"w" default:"auto" help:"Parallel tracks (number or 'auto')"`
	Resume      bool     `default:"true" negatable:"" help:"Skip tracks already in the output file"`
	Version     bool     `short:"v" help:"Show version information"`
}

var version = "0.1.0"

func main() {
	var args CLI
	kong.Parse(&args,
		kong.Name("onset-detect"),
		kong.Description("Detect beats and per-instrument onsets for a corpus and match them"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if args.Version {
		fmt.Println("onset-detect", version)
		return
	}

	cfg := config.Default()
	if args.Config != "" {
		var err error
		if cfg, err = config.Load(args.Config); err != nil {
			cli.Die("failed to load config: %v", err)
		}
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
	store, err := preset.LoadOrEmpty(args.Preset)
	if err != nil {
		cli.Die("failed to load preset store: %v", err)
	}

	var src activation.Source = activation.FileSource{Dir: args.Activations, FPS: cfg.FPS, Logits: args.Logits}
	if args.Flux {
		src = activation.FluxSource{Config: cfg}
	}
	a, err := pipeline.NewAnalyzer(cfg, src, pipeline.NewWAVLoader(cfg), store, pipeline.Options{
		AnnotationDir: args.Annotations,
		Silence:       args.Silence,
		Adaptive:      !args.Hard,
		Instruments:   args.Instruments,
	})
	if err != nil {
		cli.Die("%v", err)
	}

	cli.PrintTitle(os.Stdout, "onset-detect")
	cli.PrintKV(os.Stdout, "Tracks", len(corpus.Tracks))
	cli.PrintKV(os.Stdout, "Instruments", a.Instruments())
	cli.PrintKV(os.Stdout, "Output", args.Output)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	sum, err := pipeline.RunBatch(ctx, a, corpus.Tracks, pipeline.BatchOptions{
		Output:  args.Output,
		Workers: workers,
		Resume:  args.Resume,
		Log:     os.Stderr,
	})
	if err != nil {
		cli.Die("batch failed: %v", err)
	}
	cli.PrintKV(os.Stdout, "Processed", sum.Processed)
	cli.PrintKV(os.Stdout, "Skipped", sum.Skipped)
	cli.PrintKV(os.Stdout, "Failed", sum.Failed)

	if args.Annotations == "" {
		return
	}
	results, err := pipeline.ReadResults(args.Output)
	if err != nil {
		cli.Die("failed to read results: %v", err)
	}
	summary := pipeline.Summary(results)
	for _, name := range pipeline.SortedNames(summary) {
		m := summary[name]
		cli.PrintKV(os.Stdout, name, fmt.Sprintf("F=%.4f P=%.4f R=%.4f async=%+.1fms", m.FMeasure, m.Precision, m.Recall, 1000*m.MeanAsynchrony))
	}
}
