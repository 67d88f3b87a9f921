package monitor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name  string
		ages  []float64
		fresh float64
		want  GridSummary
	}{
		{
			name: "empty",
			want: GridSummary{FreshAgeSecs: DefaultFreshAge, FreshestCell: -1},
		},
		{
			name:  "mixed",
			ages:  []float64{5, 0.5, 3600, 1},
			fresh: 2,
			want: GridSummary{
				Cells:        4,
				FreshCells:   2,
				FreshAgeSecs: 2,
				MinAgeSecs:   0.5,
				MeanAgeSecs:  (5 + 0.5 + 3600 + 1) / 4.0,
				P50AgeSecs:   1,
				FreshestCell: 1,
			},
		},
		{
			name: "all decayed",
			ages: []float64{3600, 3600},
			want: GridSummary{
				Cells:        2,
				FreshAgeSecs: DefaultFreshAge,
				MinAgeSecs:   3600,
				MeanAgeSecs:  3600,
				P50AgeSecs:   3600,
				FreshestCell: 0,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.ages, tt.fresh)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Summarize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSummarize_DoesNotReorderInput(t *testing.T) {
	ages := []float64{3, 1, 2}
	Summarize(ages, 0)
	if diff := cmp.Diff([]float64{3, 1, 2}, ages); diff != "" {
		t.Errorf("input modified (-want +got):\n%s", diff)
	}
}
