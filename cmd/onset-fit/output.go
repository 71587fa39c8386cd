package main

import (
	"errors"
	"fmt"

	"github.com/cwbudde/algo-onset/config"
	"github.com/cwbudde/algo-onset/internal/errs"
	"github.com/cwbudde/algo-onset/onset"
	"github.com/cwbudde/algo-onset/optimize"
	"github.com/cwbudde/algo-onset/preset"
)

// shouldPublish reports whether a run's best parameters may be written. A run
// that hit a cache inconsistency scored candidates on a biased corpus, so
// nothing from it reaches the report or the preset store.
func shouldPublish(res optimize.Result, runErr error) bool {
	return res.Best != nil && !errors.Is(runErr, errs.ErrCacheInconsistency)
}

// writeOutputs stores the report and upserts the converged parameters into
// the preset store after checking that detectors accept them.
func writeOutputs(reportPath, presetPath string, rep optimize.Report) error {
	if err := optimize.WriteReport(reportPath, rep); err != nil {
		return err
	}
	if rep.BestParams == nil {
		return nil
	}
	if rep.Instrument == config.Mix {
		if _, err := applyBeat(rep.BestParams); err != nil {
			return fmt.Errorf("converged beat params rejected: %w", err)
		}
	} else {
		p := onset.DefaultParams()
		if err := preset.ApplyOnset(&p, rep.BestParams); err != nil {
			return fmt.Errorf("converged onset params rejected: %w", err)
		}
	}
	return preset.Upsert(presetPath, rep.Instrument, rep.BestParams)
}
