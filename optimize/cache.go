package optimize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwbudde/algo-onset/params"
)

// CacheRow is one (track, parameter set) evaluation.
type CacheRow struct {
	TrackID    string     `json:"track_id"`
	Instrument string     `json:"instrument"`
	Params     params.Set `json:"params"`
	FScore     float64    `json:"f_score"`
	Precision  float64    `json:"precision"`
	Recall     float64    `json:"recall"`
	Iteration  int        `json:"iteration"`
	Time       time.Time  `json:"time"`
}

// Cache is an append-only JSON-lines store of evaluations. Rows are held in
// memory after Open and appended to the file on Append.
type Cache struct {
	mu      sync.Mutex
	path    string
	rows    []CacheRow
	skipped int
}

// OpenCache reads the cache at path. Rows that do not parse, whatever their
// length, are skipped and counted. A file that cannot be opened yields an
// empty cache together with the error, which callers log and otherwise
// ignore; a read failure part way keeps the rows read so far.
func OpenCache(path string) (*Cache, error) {
	c := &Cache{path: path}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		c.addLine(bytes.TrimSpace(line))
		if err == io.EOF {
			break
		}
		if err != nil {
			return c, fmt.Errorf("read cache %s: %w", path, err)
		}
	}
	return c, nil
}

func (c *Cache) addLine(line []byte) {
	if len(line) == 0 {
		return
	}
	var row CacheRow
	if err := json.Unmarshal(line, &row); err != nil || row.TrackID == "" || row.Params == nil {
		c.skipped++
		return
	}
	c.rows = append(c.rows, row)
}

// Path returns the backing file.
func (c *Cache) Path() string { return c.path }

// Len returns the number of valid rows.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}

// Skipped returns the number of corrupt rows ignored on open.
func (c *Cache) Skipped() int { return c.skipped }

// MaxIteration returns the largest iteration number stored, 0 when empty.
func (c *Cache) MaxIteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.rows {
		if r.Iteration > n {
			n = r.Iteration
		}
	}
	return n
}

// Snapshot returns, per track id in ids, the first row recorded for
// instrument whose parameters contain every pair of set.
func (c *Cache) Snapshot(instrument string, set params.Set, ids []string) map[string]CacheRow {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CacheRow)
	for _, r := range c.rows {
		if r.Instrument != instrument || !want[r.TrackID] {
			continue
		}
		if _, dup := out[r.TrackID]; dup {
			continue
		}
		if set.ContainedIn(r.Params) {
			out[r.TrackID] = r
		}
	}
	return out
}

// Append stores rows in memory and on disk.
func (c *Cache) Append(rows []CacheRow) error {
	if len(rows) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "" {
		if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(f)
		enc := json.NewEncoder(w)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				f.Close()
				return err
			}
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	for _, r := range rows {
		r.Params = r.Params.Clone()
		c.rows = append(c.rows, r)
	}
	return nil
}

// CachePath returns the cache file for a run name inside dir.
func CachePath(dir, run string) string {
	return filepath.Join(dir, run+".jsonl")
}
