package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/posebridge/internal/app"
	"github.com/banshee-data/posebridge/internal/tracking"
)

// DefaultRecorderLimit is the number of frames a FilterRecorder keeps.
const DefaultRecorderLimit = 2000

// FilterSample is one frame of a tracker's raw and filtered position.
type FilterSample struct {
	Frame    int    `json:"frame"`
	Raw      r3.Vec `json:"raw"`
	Filtered r3.Vec `json:"filtered"`
}

// FilterRecorder records raw versus filtered positions of one tracker. It
// implements loop.Observer; older frames are dropped once limit is reached.
type FilterRecorder struct {
	mu      sync.Mutex
	role    tracking.TrackerRole
	limit   int
	frame   int
	samples []FilterSample
}

// NewFilterRecorder records role, keeping at most limit frames.
func NewFilterRecorder(role tracking.TrackerRole, limit int) *FilterRecorder {
	if limit <= 0 {
		limit = DefaultRecorderLimit
	}
	return &FilterRecorder{role: role, limit: limit}
}

// Role returns the recorded tracker role.
func (fr *FilterRecorder) Role() tracking.TrackerRole { return fr.role }

// Observe records the tracker from the current frame.
func (fr *FilterRecorder) Observe(s *app.Settings) {
	t := s.Tracker(fr.role)
	if t == nil || !t.Active {
		return
	}
	fr.Record(t.Position, t.FilteredPosition(t.PositionFilter))
}

// Record appends one frame.
func (fr *FilterRecorder) Record(raw, filtered r3.Vec) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.samples = append(fr.samples, FilterSample{Frame: fr.frame, Raw: raw, Filtered: filtered})
	fr.frame++
	if over := len(fr.samples) - fr.limit; over > 0 {
		fr.samples = append(fr.samples[:0], fr.samples[over:]...)
	}
}

// Samples returns a copy of the recorded frames, oldest first.
func (fr *FilterRecorder) Samples() []FilterSample {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]FilterSample(nil), fr.samples...)
}

// Reset drops every recorded frame.
func (fr *FilterRecorder) Reset() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.samples = nil
	fr.frame = 0
}

var (
	rawColor      = color.RGBA{R: 200, G: 60, B: 60, A: 255}
	filteredColor = color.RGBA{R: 40, G: 110, B: 200, A: 255}
)

// axes names the position components plotted by SavePlots.
var axes = []struct {
	name string
	pick func(r3.Vec) float64
}{
	{"x", func(v r3.Vec) float64 { return v.X }},
	{"y", func(v r3.Vec) float64 { return v.Y }},
	{"z", func(v r3.Vec) float64 { return v.Z }},
}

// SavePlots writes one PNG per position axis into outputDir, each showing
// the raw and filtered series. It returns the written paths.
func (fr *FilterRecorder) SavePlots(outputDir string) ([]string, error) {
	samples := fr.Samples()
	if len(samples) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create plot directory: %w", err)
	}

	var files []string
	for _, axis := range axes {
		p := plot.New()
		p.Title.Text = fmt.Sprintf("%s - %s position", fr.role, axis.name)
		p.X.Label.Text = "Frame"
		p.Y.Label.Text = "Position (m)"

		rawPts := make(plotter.XYs, len(samples))
		filtPts := make(plotter.XYs, len(samples))
		for i, s := range samples {
			rawPts[i] = plotter.XY{X: float64(s.Frame), Y: axis.pick(s.Raw)}
			filtPts[i] = plotter.XY{X: float64(s.Frame), Y: axis.pick(s.Filtered)}
		}

		rawLine, err := plotter.NewLine(rawPts)
		if err != nil {
			return files, err
		}
		rawLine.Color = rawColor
		rawLine.Width = vg.Points(1)

		filtLine, err := plotter.NewLine(filtPts)
		if err != nil {
			return files, err
		}
		filtLine.Color = filteredColor
		filtLine.Width = vg.Points(1.5)

		p.Add(rawLine, filtLine)
		p.Legend.Add("raw", rawLine)
		p.Legend.Add("filtered", filtLine)
		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10

		file := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", fr.role, axis.name))
		if err := p.Save(12*vg.Inch, 5*vg.Inch, file); err != nil {
			return files, fmt.Errorf("save %s plot: %w", axis.name, err)
		}
		files = append(files, file)
	}
	return files, nil
}
