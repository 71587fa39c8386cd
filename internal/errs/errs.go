// Package errs defines the error taxonomy shared by the detection and
// calibration packages.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a caller mistake, such as missing onsets and
	// instrument names, or missing reference data.
	ErrConfiguration = errors.New("configuration error")

	// ErrMissingReference marks an absent annotation file. Evaluations that
	// hit it are skipped, not failed.
	ErrMissingReference = errors.New("missing reference annotation")

	// ErrCacheInconsistency is fatal for the optimizer: cached and newly
	// evaluated tracks did not cover the corpus exactly once.
	ErrCacheInconsistency = errors.New("result cache inconsistency")

	// ErrDegenerate marks a detection with too few events for statistics.
	ErrDegenerate = errors.New("degenerate detection")
)

// Configf wraps ErrConfiguration with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// TrackError records which track and stage failed.
type TrackError struct {
	TrackID    string
	Instrument string
	Stage      string
	Err        error
}

func (e *TrackError) Error() string {
	if e.Instrument != "" {
		return fmt.Sprintf("track %s (%s) %s: %v", e.TrackID, e.Instrument, e.Stage, e.Err)
	}
	return fmt.Sprintf("track %s %s: %v", e.TrackID, e.Stage, e.Err)
}

func (e *TrackError) Unwrap() error {
	return e.Err
}

// Track wraps err with track context. A nil err stays nil.
func Track(trackID, instrument, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &TrackError{TrackID: trackID, Instrument: instrument, Stage: stage, Err: err}
}

// IsSkippable reports whether err only means there is nothing to score.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrMissingReference)
}
