package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/app"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/tracking"
)

func TestRecorderObservesActiveTracker(t *testing.T) {
	s := app.DefaultSettings()
	fr := NewFilterRecorder(tracking.TrackerLeftFoot, 10)

	fr.Observe(&s)
	assert.Empty(t, fr.Samples(), "inactive trackers are not recorded")

	foot := s.Tracker(tracking.TrackerLeftFoot)
	foot.Active = true
	foot.Position = r3.Vec{X: 1}
	fr.Observe(&s)

	foot.Position = r3.Vec{X: 2}
	foot.UpdateFilters(filter.DefaultParams())
	fr.Observe(&s)

	samples := fr.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, 0, samples[0].Frame)
	assert.Equal(t, r3.Vec{X: 1}, samples[0].Filtered, "unfiltered trackers report raw")
	assert.Equal(t, r3.Vec{X: 2}, samples[1].Raw)
}

func TestRecorderKeepsNewestFrames(t *testing.T) {
	fr := NewFilterRecorder(tracking.TrackerWaist, 3)
	for i := 0; i < 5; i++ {
		fr.Record(r3.Vec{X: float64(i)}, r3.Vec{})
	}
	samples := fr.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, 2, samples[0].Frame)
	assert.Equal(t, 4, samples[2].Frame)

	fr.Reset()
	assert.Empty(t, fr.Samples())
	fr.Record(r3.Vec{}, r3.Vec{})
	assert.Equal(t, 0, fr.Samples()[0].Frame)
}

func TestSavePlots(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	fr := NewFilterRecorder(tracking.TrackerWaist, 0)

	files, err := fr.SavePlots(dir)
	require.NoError(t, err)
	assert.Empty(t, files)

	for i := 0; i < 50; i++ {
		x := float64(i) / 10
		fr.Record(r3.Vec{X: x, Y: 1 + 0.01*float64(i%3)}, r3.Vec{X: x * 0.9, Y: 1})
	}
	files, err = fr.SavePlots(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, f := range files {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
	assert.Equal(t, filepath.Join(dir, "waist_x.png"), files[0])
}
