package monitor

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultFreshAge is the age in seconds below which a cell counts as
// recently hit in a GridSummary.
const DefaultFreshAge = 2.0

// GridSummary condenses the per-cell ages of one grid read.
type GridSummary struct {
	Cells        int     `json:"cells"`
	FreshCells   int     `json:"fresh_cells"`
	FreshAgeSecs float64 `json:"fresh_age_secs"`
	MinAgeSecs   float64 `json:"min_age_secs"`
	MeanAgeSecs  float64 `json:"mean_age_secs"`
	P50AgeSecs   float64 `json:"p50_age_secs"`
	// FreshestCell is the row-major index of the youngest cell, -1 for an
	// empty grid.
	FreshestCell int `json:"freshest_cell"`
}

// Summarize computes a GridSummary over ages. freshAge <= 0 selects
// DefaultFreshAge.
func Summarize(ages []float64, freshAge float64) GridSummary {
	if freshAge <= 0 {
		freshAge = DefaultFreshAge
	}
	s := GridSummary{Cells: len(ages), FreshAgeSecs: freshAge, FreshestCell: -1}
	if len(ages) == 0 {
		return s
	}

	for _, a := range ages {
		if a < freshAge {
			s.FreshCells++
		}
	}
	s.FreshestCell = floats.MinIdx(ages)
	s.MinAgeSecs = ages[s.FreshestCell]
	s.MeanAgeSecs = stat.Mean(ages, nil)

	sorted := make([]float64, len(ages))
	copy(sorted, ages)
	sort.Float64s(sorted)
	s.P50AgeSecs = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	return s
}
