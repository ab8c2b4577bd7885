// Package stats computes windowed metrics over liquidation snapshots. All
// functions are pure over their input slice.
package stats

import (
	"sort"
	"time"

	"liqflow/internal/models"
)

// SymbolVolume pairs a symbol with its aggregate notional volume and count.
type SymbolVolume struct {
	Symbol string  `json:"symbol"`
	Volume float64 `json:"volume"`
	Count  int     `json:"count"`
}

// Stats summarizes a set of liquidation records for display.
type Stats struct {
	TotalCount   int                 `json:"total_count"`
	TotalVolume  float64             `json:"total_volume"`
	AverageValue float64             `json:"average_value"`
	SideCounts   map[models.Side]int `json:"side_counts"`
	TopSymbols   []SymbolVolume      `json:"top_symbols"`
}

// Compute aggregates the given records. An empty input yields zero values,
// never a division by zero.
func Compute(records []models.LiquidationRecord) Stats {
	s := Stats{
		SideCounts: make(map[models.Side]int),
	}

	volumes := make(map[string]*SymbolVolume)
	for _, rec := range records {
		s.TotalCount++
		s.TotalVolume += rec.Value
		s.SideCounts[rec.Side]++

		sv, ok := volumes[rec.Symbol]
		if !ok {
			sv = &SymbolVolume{Symbol: rec.Symbol}
			volumes[rec.Symbol] = sv
		}
		sv.Volume += rec.Value
		sv.Count++
	}

	if s.TotalCount > 0 {
		s.AverageValue = s.TotalVolume / float64(s.TotalCount)
	}

	s.TopSymbols = make([]SymbolVolume, 0, len(volumes))
	for _, sv := range volumes {
		s.TopSymbols = append(s.TopSymbols, *sv)
	}
	// volume descending, lexical tiebreak for determinism
	sort.Slice(s.TopSymbols, func(i, j int) bool {
		if s.TopSymbols[i].Volume != s.TopSymbols[j].Volume {
			return s.TopSymbols[i].Volume > s.TopSymbols[j].Volume
		}
		return s.TopSymbols[i].Symbol < s.TopSymbols[j].Symbol
	})

	return s
}

// WindowedSubset filters to records whose event time falls within the last
// duration d relative to now. A non-positive duration keeps everything.
func WindowedSubset(records []models.LiquidationRecord, now time.Time, d time.Duration) []models.LiquidationRecord {
	if d <= 0 {
		return records
	}
	cutoff := now.Add(-d)
	out := make([]models.LiquidationRecord, 0, len(records))
	for _, rec := range records {
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}
