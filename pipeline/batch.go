package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cwbudde/algo-onset/internal/fitcommon"
	"github.com/cwbudde/algo-onset/track"
)

// BatchOptions configure RunBatch.
type BatchOptions struct {
	// Output is the JSON-lines result file; results are appended.
	Output  string
	Workers int
	// Resume skips tracks already present in Output.
	Resume bool
	Log    io.Writer
}

// BatchSummary counts what RunBatch did.
type BatchSummary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// RunBatch processes tracks on a bounded worker pool. Workers only compute;
// a single writer goroutine drains the result channel and appends to Output,
// and it stops when the channel is closed. Failed tracks are logged and not
// written, so a resumed run retries them.
func RunBatch(ctx context.Context, a *Analyzer, tracks []track.Track, opts BatchOptions) (BatchSummary, error) {
	var sum BatchSummary
	logw := opts.Log
	if logw == nil {
		logw = io.Discard
	}
	if opts.Output == "" {
		return sum, fmt.Errorf("no output path")
	}

	done := map[string]bool{}
	if opts.Resume {
		var err error
		done, err = CompletedTracks(opts.Output)
		if err != nil {
			fmt.Fprintf(logw, "resume skipped (%s): %v\n", opts.Output, err)
			done = map[string]bool{}
		}
	}
	var pending []track.Track
	for _, tr := range tracks {
		if done[tr.ID] {
			sum.Skipped++
			continue
		}
		pending = append(pending, tr)
	}
	if len(pending) == 0 {
		return sum, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.Output), 0o755); err != nil {
		return sum, err
	}
	f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return sum, err
	}

	results := make(chan *TrackResult)
	writeErr := make(chan error, 1)
	var written int
	go func() {
		w := bufio.NewWriter(f)
		enc := json.NewEncoder(w)
		var firstErr error
		for r := range results {
			if firstErr != nil {
				continue
			}
			if err := enc.Encode(r); err != nil {
				firstErr = fmt.Errorf("write %s: %w", r.TrackID, err)
				continue
			}
			// Flush per track so an interrupted run keeps completed rows.
			if err := w.Flush(); err != nil {
				firstErr = err
				continue
			}
			written++
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		writeErr <- firstErr
	}()

	jobs := make(chan track.Track)
	var failed int
	var failMu sync.Mutex
	var wg sync.WaitGroup
	workers := fitcommon.ResolveWorkers(opts.Workers, len(pending))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tr := range jobs {
				r, err := a.Process(tr)
				if err != nil {
					failMu.Lock()
					failed++
					failMu.Unlock()
					fmt.Fprintf(logw, "failed: %v\n", err)
					continue
				}
				for _, w := range r.Warnings {
					fmt.Fprintf(logw, "warning %s: %s\n", tr.ID, w)
				}
				results <- r
			}
		}()
	}

feed:
	for _, tr := range pending {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- tr:
		}
	}
	close(jobs)
	wg.Wait()
	close(results)
	werr := <-writeErr

	sum.Processed = written
	sum.Failed = failed
	if werr != nil {
		return sum, werr
	}
	return sum, ctx.Err()
}

// CompletedTracks returns the track ids recorded in a JSON-lines result
// file. A missing file yields an empty set; unparsable lines are ignored.
func CompletedTracks(path string) (map[string]bool, error) {
	out := make(map[string]bool)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		var row struct {
			TrackID string `json:"track_id"`
		}
		if json.Unmarshal(sc.Bytes(), &row) == nil && row.TrackID != "" {
			out[row.TrackID] = true
		}
	}
	return out, sc.Err()
}

// ReadResults loads every result of a JSON-lines file.
func ReadResults(path string) ([]*TrackResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []*TrackResult
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r TrackResult
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, &r)
	}
	return out, sc.Err()
}
