package main

import (
	"fmt"

	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/params"
)

// onsetTemplate is the search space of the onset peak picker. Window sizes
// are seconds.
func onsetTemplate() params.Template {
	return params.Template{
		{Name: "threshold", Kind: params.Float, Lower: 0, Upper: 10, Init: 0.54},
		{Name: "smooth", Kind: params.Float, Lower: 0, Upper: 2, Init: 0.05},
		{Name: "pre_avg", Kind: params.Float, Lower: 0, Upper: 2, Init: 0},
		{Name: "post_avg", Kind: params.Float, Lower: 0, Upper: 2, Init: 0},
		{Name: "pre_max", Kind: params.Float, Lower: 0, Upper: 2, Init: 0.01},
		{Name: "post_max", Kind: params.Float, Lower: 0, Upper: 2, Init: 0.01},
	}
}

// beatTemplate is the search space of the multi-pass beat tracker.
func beatTemplate() params.Template {
	return params.Template{
		{Name: "threshold", Kind: params.Float, Lower: 0, Upper: 1, Init: 0.05},
		{Name: "transition_lambda", Kind: params.Float, Lower: 0, Upper: 500, Init: 5},
		{Name: "passes", Kind: params.Int, Lower: 1, Upper: 5, Init: 3},
	}
}

func templateFor(instrument string) params.Template {
	if instrument == config.Mix {
		return beatTemplate()
	}
	return onsetTemplate()
}

// runName names the cache and report of a calibration run.
func runName(instrument string) string {
	if instrument == config.Mix {
		return "beat_mix"
	}
	return "onset_" + instrument
}

func checkInstrument(cfg config.Config, instrument string) error {
	if instrument == config.Mix {
		return nil
	}
	for _, name := range cfg.Instruments {
		if name == instrument {
			return nil
		}
	}
	return fmt.Errorf("unknown instrument %q (configured: %v, or %q for beats)", instrument, cfg.Instruments, config.Mix)
}
