package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleFilterChart renders the recorded tracker's raw and filtered position
// as an HTML line chart.
// Query params:
//   - axis (optional; x, y or z, default y)
//   - last (optional; number of most recent frames, default all)
func (ws *WebServer) handleFilterChart(w http.ResponseWriter, r *http.Request) {
	axisName := r.URL.Query().Get("axis")
	if axisName == "" {
		axisName = "y"
	}
	var pick func(r3.Vec) float64
	for _, a := range axes {
		if a.name == axisName {
			pick = a.pick
		}
	}
	if pick == nil {
		httputil.BadRequest(w, fmt.Sprintf("unknown axis %q", axisName))
		return
	}

	samples := ws.recorder.Samples()
	if v := r.URL.Query().Get("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "last must be a positive integer")
			return
		}
		if n < len(samples) {
			samples = samples[len(samples)-n:]
		}
	}
	if len(samples) == 0 {
		httputil.NotFound(w, "no samples recorded")
		return
	}

	frames := make([]int, len(samples))
	raw := make([]opts.LineData, len(samples))
	filtered := make([]opts.LineData, len(samples))
	for i, s := range samples {
		frames[i] = s.Frame
		raw[i] = opts.LineData{Value: pick(s.Raw)}
		filtered[i] = opts.LineData{Value: pick(s.Filtered)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Filter response", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("%s %s position", ws.recorder.Role(), axisName), Subtitle: fmt.Sprintf("frames=%d", len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Position (m)", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(frames).
		AddSeries("raw", raw).
		AddSeries("filtered", filtered).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) handleFilterSamples(w http.ResponseWriter, r *http.Request) {
	samples := ws.recorder.Samples()
	if samples == nil {
		samples = []FilterSample{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"role":    ws.recorder.Role(),
		"samples": samples,
	})
}
