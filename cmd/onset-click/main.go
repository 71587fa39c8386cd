package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/cli"
	"github.com/cwbudde/algo-onset/internal/fitcommon"
	"github.com/cwbudde/algo-onset/pipeline"
	"github.com/cwbudde/algo-onset/track"
)

// CLI defines the command-line interface.
type CLI struct {
	Results     string   `arg:"" name:"results" help:"JSON-lines file written by onset-detect" type:"existingfile"`
	TrackID     string   `arg:"" name:"track" help:"Track id to render"`
	Corpus      string   `short:"k" type:"existingfile" help:"Corpus YAML, used to find the audio bed"`
	Bed         string   `default:"mix" help:"Channel mixed under the clicks (empty for clicks only)"`
	BedGain     float64  `default:"0.5" help:"Gain of the audio bed"`
	Onsets      []string `help:"Instruments whose onsets are also clicked"`
	Matched     bool     `help:"Click only onsets matched to a beat"`
	Config      string   `short:"c" type:"path" help:"Analysis config YAML (optional)"`
	Output      string   `short:"o" type:"path" help:"Output WAV path (default: out/<track>_clicks.wav)"`
}

func main() {
	var args CLI
	kong.Parse(&args,
		kong.Name("onset-click"),
		kong.Description("Render detected beats and onsets as clicks over the recording"),
		kong.UsageOnError(),
	)

	cfg := config.Default()
	if args.Config != "" {
		var err error
		if cfg, err = config.Load(args.Config); err != nil {
			cli.Die("failed to load config: %v", err)
		}
	}
	results, err := pipeline.ReadResults(args.Results)
	if err != nil {
		cli.Die("failed to read results: %v", err)
	}
	var res *pipeline.TrackResult
	for _, r := range results {
		if r.TrackID == args.TrackID {
			res = r
		}
	}
	if res == nil {
		cli.Die("track %q not found in %s", args.TrackID, args.Results)
	}

	var bed []float64
	if args.Bed != "" && args.Corpus != "" {
		corpus, err := track.LoadCorpus(args.Corpus)
		if err != nil {
			cli.Die("failed to load corpus: %v", err)
		}
		tr, ok := corpus.Find(args.TrackID)
		if !ok {
			cli.Die("track %q not in corpus", args.TrackID)
		}
		bed, err = pipeline.NewWAVLoader(cfg).Load(tr, args.Bed)
		if err != nil {
			cli.Die("failed to load %s channel: %v", args.Bed, err)
		}
	}

	length := len(bed)
	if n := len(res.Beats); n > 0 {
		length = max(length, int((res.Beats[n-1]+1)*float64(cfg.SampleRate)))
	}
	clicks := make([]float64, length)
	addClicks(clicks, cfg.SampleRate, res.Beats, beatClick)
	addClicks(clicks, cfg.SampleRate, res.Downbeats, downbeatClick)
	for _, instr := range args.Onsets {
		times, ok := onsetTimes(res, instr, args.Matched)
		if !ok {
			cli.PrintWarning(os.Stderr, fmt.Sprintf("no %s onsets in result", instr))
			continue
		}
		addClicks(clicks, cfg.SampleRate, times, onsetClick)
	}

	out := args.Output
	if out == "" {
		out = filepath.Join("out", args.TrackID+"_clicks.wav")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		cli.Die("failed to create output dir: %v", err)
	}
	if err := fitcommon.WriteMonoWAV(out, mixDown(bed, args.BedGain, clicks), cfg.SampleRate); err != nil {
		cli.Die("failed to write %s: %v", out, err)
	}

	cli.PrintTitle(os.Stdout, "onset-click "+args.TrackID)
	cli.PrintKV(os.Stdout, "Beats", len(res.Beats))
	cli.PrintKV(os.Stdout, "Tempo", fmt.Sprintf("%.1f BPM", res.Tempo))
	cli.PrintKV(os.Stdout, "Output", out)
}

// onsetTimes returns either all detected onsets of instr or only the cells
// of the matched table.
func onsetTimes(res *pipeline.TrackResult, instr string, matched bool) ([]float64, bool) {
	if matched {
		if res.Matched == nil {
			return nil, false
		}
		col, ok := res.Matched.Columns[instr]
		return col, ok
	}
	for _, ir := range res.Instruments {
		if ir.Instrument == instr {
			return ir.Onsets, true
		}
	}
	return nil, false
}
