package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/cwbudde/algo-onset/analysis"
	"github.com/cwbudde/algo-onset/internal/cli"
)

// CLI defines the command-line interface.
type CLI struct {
	Reference string  `arg:"" name:"reference" help:"Reference annotation file" type:"existingfile"`
	Estimate  string  `arg:"" name:"estimate" help:"Estimated event times, one per line" type:"existingfile"`
	Window    float64 `short:"w" default:"0.05" help:"Matching tolerance in seconds"`
	Cutoff    float64 `help:"Ignore events at or after this time in seconds (0 = keep all)"`
	Downbeats bool    `short:"d" help:"Score only reference events at metric position 1"`
	JSON      bool    `name:"json" help:"Print metrics as JSON"`
}

func main() {
	var args CLI
	kong.Parse(&args,
		kong.Name("onset-eval"),
		kong.Description("Score estimated event times against a reference annotation"),
		kong.UsageOnError(),
	)

	est, err := analysis.LoadAnnotations(args.Estimate)
	if err != nil {
		cli.Die("failed to read estimate: %v", err)
	}
	metrics, err := analysis.Evaluate(analysis.AnnotationTimes(est), analysis.Reference{
		Path:      args.Reference,
		Downbeats: args.Downbeats,
	}, analysis.Options{Window: args.Window, Cutoff: args.Cutoff})
	if err != nil {
		cli.Die("evaluation failed: %v", err)
	}

	if args.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(metrics); err != nil {
			cli.Die("failed to encode metrics: %v", err)
		}
		return
	}

	cli.PrintTitle(os.Stdout, "onset-eval")
	cli.PrintKV(os.Stdout, "Reference events", metrics.ReferenceEvents)
	cli.PrintKV(os.Stdout, "Estimated events", metrics.EstimatedEvents)
	cli.PrintKV(os.Stdout, "Matched", metrics.Matched)
	cli.PrintKV(os.Stdout, "Precision", fmt.Sprintf("%.4f", metrics.Precision))
	cli.PrintKV(os.Stdout, "Recall", fmt.Sprintf("%.4f", metrics.Recall))
	cli.PrintKV(os.Stdout, "F-measure", fmt.Sprintf("%.4f", metrics.FMeasure))
	cli.PrintKV(os.Stdout, "Mean asynchrony", fmt.Sprintf("%+.1f ms", 1000*metrics.MeanAsynchrony))
	cli.PrintKV(os.Stdout, "Fraction matched", fmt.Sprintf("%.4f", metrics.FractionMatched))
}
