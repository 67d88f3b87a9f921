package monitor

import (
	"fmt"
	"image/color"
	"math"
	"net/http"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/radarhub/internal/httputil"
	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/radar"
)

// DefaultMaxAge caps the colour scale of the grid renderings, in seconds.
const DefaultMaxAge = 10.0

// ageGrid adapts a row-major age slice to plotter.GridXYZ with angle in
// degrees on X and normalised range on Y.
type ageGrid struct {
	ages            []float64
	angular, radial int
	maxAge          float64
}

func (g ageGrid) Dims() (c, r int) { return g.angular, g.radial }

func (g ageGrid) Z(c, r int) float64 { return math.Min(g.ages[c*g.radial+r], g.maxAge) }

func (g ageGrid) X(c int) float64 { return (float64(c) + 0.5) * 360 / float64(g.angular) }

func (g ageGrid) Y(r int) float64 { return (float64(r) + 0.5) / float64(g.radial) }

func (g ageGrid) Min() float64 { return 0 }

func (g ageGrid) Max() float64 { return g.maxAge }

func parseMaxAge(w http.ResponseWriter, r *http.Request) (float64, bool) {
	maxAge := DefaultMaxAge
	if v := r.URL.Query().Get("max_age"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || math.IsInf(f, 0) {
			httputil.BadRequest(w, "invalid 'max_age' parameter")
			return 0, false
		}
		maxAge = f
	}
	return maxAge, true
}

// reversedPalette flips a palette so the hot end marks fresh cells.
type reversedPalette []color.Color

func (p reversedPalette) Colors() []color.Color { return p }

func reverse(p palette.Palette) reversedPalette {
	c := p.Colors()
	out := make(reversedPalette, len(c))
	for i := range c {
		out[len(c)-1-i] = c[i]
	}
	return out
}

// RenderHeatmap draws cell ages as an angle x range heat map with the sweep
// as a vertical line.
func RenderHeatmap(ages []float64, angular, radial int, sweepDeg, maxAge float64) (*plot.Plot, error) {
	if len(ages) != angular*radial || angular <= 0 || radial <= 0 {
		return nil, fmt.Errorf("grid has %d cells, want %dx%d", len(ages), angular, radial)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Cell age (s), sweep %.1f°", sweepDeg)
	p.X.Label.Text = "Angle (deg)"
	p.Y.Label.Text = "Range (normalised)"
	p.X.Min, p.X.Max = 0, 360
	p.Y.Min, p.Y.Max = 0, 1

	grid := ageGrid{ages: ages, angular: angular, radial: radial, maxAge: maxAge}
	p.Add(plotter.NewHeatMap(grid, reverse(palette.Heat(16, 1))))

	x := radar.NormalizeAngle(sweepDeg)
	sweep, err := plotter.NewLine(plotter.XYs{{X: x, Y: 0}, {X: x, Y: 1}})
	if err != nil {
		return nil, err
	}
	sweep.Width = vg.Points(1.5)
	p.Add(sweep)
	return p, nil
}

func (ws *WebServer) handleGridPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	maxAge, ok := parseMaxAge(w, r)
	if !ok {
		return
	}

	angular, radial := ws.grid.Dimensions()
	p, err := RenderHeatmap(ws.grid.CellHitTimes(), angular, radial, ws.grid.CurrentSweepAngle(), maxAge)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := wt.WriteTo(w); err != nil {
		monitoring.Debugf("grid.png write: %v", err)
	}
}
