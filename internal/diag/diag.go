// Package diag collects per-round search diagnostics and writes them out as
// JSON so runs can be inspected after the fact.
package diag

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ddugovic/tasbot/internal/motif"
)

// ScoreSample is one round's candidate score distribution.
type ScoreSample struct {
	Round   uint64    `json:"round"`
	Movenum int       `json:"movenum"`
	Totals  []float64 `json:"totals"`
}

// FutureSample summarizes the futures pool right after one round's churn.
type FutureSample struct {
	Round    uint64 `json:"round"`
	Lengths  []int  `json:"lengths"`
	Weighted int    `json:"weighted"`
	Mutants  int    `json:"mutants"`
}

// MotifRecord is one motif's weight trajectory.
type MotifRecord struct {
	Content string  `json:"content"`
	Weight  float64 `json:"weight"`
	Picked  int     `json:"picked"`
	History []struct {
		Frame  int     `json:"frame"`
		Weight float64 `json:"weight"`
	} `json:"history"`
}

// Recorder accumulates samples in memory; Flush writes them under its
// directory. A nil Recorder is valid and records nothing.
type Recorder struct {
	dir     string
	scores  []ScoreSample
	futures []FutureSample
}

// New returns a Recorder writing into dir.
func New(dir string) *Recorder {
	return &Recorder{dir: dir}
}

// RecordScores appends one round's candidate totals.
func (r *Recorder) RecordScores(round uint64, movenum int, totals []float64) {
	if r == nil {
		return
	}
	r.scores = append(r.scores, ScoreSample{
		Round:   round,
		Movenum: movenum,
		Totals:  append([]float64(nil), totals...),
	})
}

// RecordFutures appends one round's futures pool summary.
func (r *Recorder) RecordFutures(round uint64, lengths []int, weighted, mutants int) {
	if r == nil {
		return
	}
	r.futures = append(r.futures, FutureSample{
		Round:    round,
		Lengths:  append([]int(nil), lengths...),
		Weighted: weighted,
		Mutants:  mutants,
	})
}

// Flush writes scores.json and futures.json into the recorder's directory.
func (r *Recorder) Flush() error {
	if r == nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("diag: %w", err)
	}
	if err := writeJSON(filepath.Join(r.dir, "scores.json"), r.scores); err != nil {
		return err
	}
	return writeJSON(filepath.Join(r.dir, "futures.json"), r.futures)
}

// WriteMotifHistory writes every motif's checkpointed weight trajectory to
// motifs.json in the recorder's directory.
func (r *Recorder) WriteMotifHistory(lib *motif.Library) error {
	if r == nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("diag: %w", err)
	}
	var recs []MotifRecord
	lib.Each(func(content []byte, info motif.Info) {
		rec := MotifRecord{
			Content: hex.EncodeToString(content),
			Weight:  info.Weight,
			Picked:  info.Picked,
		}
		for _, h := range info.History {
			rec.History = append(rec.History, struct {
				Frame  int     `json:"frame"`
				Weight float64 `json:"weight"`
			}{Frame: h.Frame, Weight: h.Weight})
		}
		recs = append(recs, rec)
	})
	return writeJSON(filepath.Join(r.dir, "motifs.json"), recs)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("diag: encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("diag: write: %w", err)
	}
	return nil
}
