package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/radarhub/internal/httputil"
)

// agePalette runs from freshly hit to fully decayed.
var agePalette = []string{"#fde725", "#b5de2b", "#6ece58", "#35b779", "#1f9e89", "#26828e", "#31688e", "#3e4989", "#482777", "#440154"}

func (ws *WebServer) attachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("grid-chart", "Polar grid cell ages", http.HandlerFunc(ws.handleGridChart))
	debug.Handle("traffic-chart", "Detection and command traffic", http.HandlerFunc(ws.handleTrafficChart))
}

// cellCentre returns the x/y position of a cell's centre on a unit disc with
// 0° along +x.
func cellCentre(a, r, angular, radial int) (x, y float64) {
	theta := (float64(a) + 0.5) * 2 * math.Pi / float64(angular)
	rho := (float64(r) + 0.5) / float64(radial)
	return rho * math.Cos(theta), rho * math.Sin(theta)
}

// handleGridChart renders the grid as a polar->XY scatter coloured by cell
// age, with the current sweep drawn as a ray.
// Query params:
//   - max_age (optional, seconds; default 10) caps the colour scale
func (ws *WebServer) handleGridChart(w http.ResponseWriter, r *http.Request) {
	maxAge, ok := parseMaxAge(w, r)
	if !ok {
		return
	}

	angular, radial := ws.grid.Dimensions()
	ages := ws.grid.CellHitTimes()
	sweep := ws.grid.CurrentSweepAngle()

	data := make([]opts.ScatterData, 0, len(ages))
	for a := 0; a < angular; a++ {
		for rr := 0; rr < radial; rr++ {
			x, y := cellCentre(a, rr, angular, radial)
			age := math.Min(ages[a*radial+rr], maxAge)
			data = append(data, opts.ScatterData{Value: []interface{}{x, y, age}})
		}
	}

	theta := sweep * math.Pi / 180
	ray := []opts.ScatterData{
		{Value: []interface{}{0.0, 0.0, 0.0}},
		{Value: []interface{}{math.Cos(theta), math.Sin(theta), 0.0}},
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Radar grid", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Radar grid cell age", Subtitle: fmt.Sprintf("%dx%d cells, sweep=%.1f°", angular, radial, sweep)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -1.05, Max: 1.05, Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -1.05, Max: 1.05, Name: "Y", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxAge),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: agePalette},
		}),
	)
	scatter.AddSeries("cells", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	scatter.AddSeries("sweep", ray, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleTrafficChart renders a bar chart of the controller counters.
func (ws *WebServer) handleTrafficChart(w http.ResponseWriter, r *http.Request) {
	st := ws.ctrl.Stats()
	x := []string{"Detections", "Malformed", "Serial lines", "Commands sent", "Commands skipped"}
	y := []opts.BarData{
		{Value: st.Detections},
		{Value: st.Malformed},
		{Value: st.SerialLines},
		{Value: st.CommandsSent},
		{Value: st.CommandsSkipped},
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Radar traffic"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("traffic", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
