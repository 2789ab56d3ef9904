// Command filter-plot walks the synthetic skeleton through every position
// filter and writes raw-versus-filtered PNG plots, one directory per filter.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/banshee-data/posebridge/internal/config"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/monitor"
	"github.com/banshee-data/posebridge/internal/source/synthetic"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracking"
)

var plottedFilters = []filter.PositionFilter{
	filter.PositionLerp,
	filter.PositionLowPass,
	filter.PositionKalman,
	filter.PositionPrediction,
}

type options struct {
	out    string
	role   tracking.TrackerRole
	frames int
	turnAt int
	period time.Duration
	noise  float64
	seed   int64
	params filter.Params
}

func main() {
	output := flag.String("o", "filter-plots", "output directory")
	role := flag.String("role", string(tracking.TrackerLeftFoot), "tracker role whose default joint is plotted")
	frames := flag.Int("n", 1000, "number of frames")
	turnAt := flag.Int("turn", 500, "frame at which the walker turns around (0 disables)")
	period := flag.Duration("period", 5*time.Millisecond, "sample period")
	noise := flag.Float64("noise", 0.01, "gaussian position noise in metres")
	seed := flag.Int64("seed", 1, "noise seed")
	cfgPath := flag.String("config", "", "tuning config supplying the filter constants")
	flag.Parse()

	cfg := config.EmptyTuningConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(*cfgPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	files, err := generate(options{
		out:    *output,
		role:   tracking.TrackerRole(*role),
		frames: *frames,
		turnAt: *turnAt,
		period: *period,
		noise:  *noise,
		seed:   *seed,
		params: cfg.FilterParams(),
	})
	if err != nil {
		log.Fatalf("filter-plot: %v", err)
	}
	for _, f := range files {
		log.Printf("wrote %s", f)
	}
}

func generate(o options) ([]string, error) {
	if !o.role.IsValid() {
		return nil, fmt.Errorf("unknown tracker role %q", o.role)
	}
	joint := o.role.DefaultJoint()

	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	walker := synthetic.New(clock, o.seed)
	walker.NoiseStdDev = o.noise
	if err := walker.Initialize(context.Background()); err != nil {
		return nil, err
	}

	idx := -1
	for i, j := range walker.Joints() {
		if j.Role == joint {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("the synthetic walker has no %s joint", joint)
	}

	state := filter.NewState(o.params)
	recorders := make(map[filter.PositionFilter]*monitor.FilterRecorder, len(plottedFilters))
	for _, sel := range plottedFilters {
		recorders[sel] = monitor.NewFilterRecorder(o.role, o.frames)
	}

	for i := 0; i < o.frames; i++ {
		if o.turnAt > 0 && i == o.turnAt {
			walker.TurnAround()
		}
		clock.Advance(o.period)
		if err := walker.Update(); err != nil {
			return nil, err
		}
		j := walker.Joints()[idx]
		state.Update(j.Position, j.Orientation)
		for _, sel := range plottedFilters {
			recorders[sel].Record(j.Position, state.Position(sel))
		}
	}

	var files []string
	for _, sel := range plottedFilters {
		written, err := recorders[sel].SavePlots(filepath.Join(o.out, sel.String()))
		if err != nil {
			return files, fmt.Errorf("%s: %w", sel, err)
		}
		files = append(files, written...)
	}
	return files, nil
}
