package tracking

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/testutil"
)

func TestMirror(t *testing.T) {
	tests := []struct {
		role   JointRole
		want   JointRole
		wantOK bool
	}{
		{JointFootLeft, JointFootRight, true},
		{JointKneeRight, JointKneeLeft, true},
		{JointHandTipLeft, JointHandTipRight, true},
		{JointSpineWaist, JointSpineWaist, true},
		{JointHead, JointHead, true},
		{JointManual, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			got, ok := tt.role.Mirror()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMirrorIsInvolution(t *testing.T) {
	for role := range mirrored {
		m, _ := role.Mirror()
		back, _ := m.Mirror()
		if back != role {
			t.Errorf("mirror(mirror(%s)) = %s", role, back)
		}
	}
	assert.Equal(t, JointManual, JointManual.MirrorIf(true))
	assert.Equal(t, JointElbowLeft, JointElbowLeft.MirrorIf(false))
	assert.Equal(t, JointElbowRight, JointElbowLeft.MirrorIf(true))
}

func TestJointAdvance(t *testing.T) {
	t0 := time.Unix(100, 0)
	j := Joint{Role: JointHead, Position: r3.Vec{Y: 1.7}, Orientation: geom.Identity, Timestamp: t0}
	next := j.Advance(r3.Vec{Y: 1.8}, geom.Identity, t0.Add(time.Second))

	assert.Equal(t, r3.Vec{Y: 1.7}, next.PreviousPosition)
	assert.Equal(t, r3.Vec{Y: 1.8}, next.Position)
	assert.Equal(t, t0, next.PreviousTimestamp)
	assert.Equal(t, r3.Vec{Y: 1.7}, j.Position, "receiver must not change")
}

func TestTrackerRoles(t *testing.T) {
	assert.Equal(t, "AME-WAIST", TrackerWaist.Serial())
	assert.Equal(t, "AME-LFOOT", TrackerLeftFoot.Serial())
	assert.Equal(t, JointSpineWaist, TrackerWaist.DefaultJoint())
	assert.Equal(t, JointSpineMiddle, TrackerChest.DefaultJoint())
	assert.Equal(t, JointManual, TrackerCamera.DefaultJoint())
	assert.Equal(t, JointManual, TrackerRole("bogus").DefaultJoint())

	role, ok := SerialRole("AME-RKNEE")
	require.True(t, ok)
	assert.Equal(t, TrackerRightKnee, role)

	p, ok := PairOf(TrackerLeftElbow)
	require.True(t, ok)
	assert.Equal(t, TrackerRightElbow, p)
	_, ok = PairOf(TrackerWaist)
	assert.False(t, ok)

	assert.True(t, TrackerWaist.IsLowerBody())
	assert.False(t, TrackerLeftElbow.IsLowerBody())
	assert.Len(t, DefaultRoles, 7)
}

func TestTrackerJSONOmitsRuntimeState(t *testing.T) {
	tr := NewTracker(TrackerLeftFoot)
	tr.Position = r3.Vec{X: 9}
	tr.UpdateFilters(filter.DefaultParams())

	data, err := json.Marshal(tr)
	require.NoError(t, err)

	var back Tracker
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, TrackerLeftFoot, back.Role)
	assert.Equal(t, "AME-LFOOT", back.Serial)
	assert.Equal(t, filter.PositionLerp, back.PositionFilter)
	assert.Nil(t, back.Filter)
	assert.Equal(t, r3.Vec{}, back.Position)
}

func TestFullPoseAddsOffsets(t *testing.T) {
	tr := NewTracker(TrackerWaist)
	tr.Position = r3.Vec{X: 1, Y: 1, Z: 1}
	tr.Orientation = geom.Identity
	tr.PositionOffset = r3.Vec{Y: 0.1}
	tr.OrientationOffset = r3.Vec{Y: math.Pi / 2}
	tr.UpdateFilters(filter.DefaultParams())

	testutil.AssertVecNear(t, tr.FullPosition(""), r3.Vec{X: 1, Y: 1.1, Z: 1}, 1e-12)
	testutil.AssertQuatNear(t, tr.FullOrientation(""), geom.FromAxisAngle(r3.Vec{Y: 1}, math.Pi/2), 1e-12)
}

func TestNoPositionFilteringForcesRaw(t *testing.T) {
	tr := NewTracker(TrackerWaist)
	p := filter.DefaultParams()
	tr.Position = r3.Vec{}
	tr.UpdateFilters(p)
	tr.Position = r3.Vec{X: 0.5}
	tr.UpdateFilters(p)

	assert.NotEqual(t, tr.Position, tr.FilteredPosition(filter.PositionLerp))
	tr.NoPositionFiltering = true
	assert.Equal(t, tr.Position, tr.FilteredPosition(filter.PositionLerp))
}

type shift struct {
	rot   quat.Number
	trans r3.Vec
}

func (s shift) ApplyPosition(p r3.Vec) r3.Vec { return r3.Add(geom.Rotate(s.rot, p), s.trans) }
func (s shift) ApplyOrientation(q quat.Number) quat.Number { return quat.Mul(s.rot, q) }
func (s shift) ApplyVector(v r3.Vec) r3.Vec { return geom.Rotate(s.rot, v) }
func (s shift) IsIdentity() bool { return false }

func TestPoseOrder(t *testing.T) {
	tr := NewTracker(TrackerWaist)
	tr.Active = true
	tr.Position = r3.Vec{Z: 1}
	tr.PositionOffset = r3.Vec{Y: 0.5}
	tr.Physics = &Physics{Velocity: r3.Vec{Z: 2}}
	tr.UpdateFilters(filter.DefaultParams())

	xf := shift{rot: geom.FromAxisAngle(r3.Vec{Y: 1}, math.Pi/2), trans: r3.Vec{X: 10}}
	pose := tr.Pose(xf, filter.PositionNone, filter.OrientationNone)

	// Rotate (0,0,1) to (1,0,0), translate, then offset.
	testutil.AssertVecNear(t, pose.Position, r3.Vec{X: 11, Y: 0.5}, 1e-12)
	testutil.AssertQuatNear(t, pose.Orientation, xf.rot, 1e-12)
	testutil.AssertVecNear(t, pose.Physics.Velocity, r3.Vec{X: 2}, 1e-12)
	assert.True(t, pose.Active)
	assert.Equal(t, "AME-WAIST", pose.Serial)

	// Follow-HMD orientations skip the calibration rotation.
	tr.OrientationOption = OrientationFollowHMD
	pose = tr.Pose(xf, filter.PositionNone, filter.OrientationNone)
	testutil.AssertQuatNear(t, pose.Orientation, geom.Identity, 1e-12)
}

func TestJointDifferentiate(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j := Joint{Role: JointHead, Orientation: geom.Identity}

	j = j.Advance(r3.Vec{Y: 1}, geom.Identity, t0).Differentiate()
	assert.Equal(t, r3.Vec{}, j.Velocity, "first sample has no previous timestamp")

	j = j.Advance(r3.Vec{X: 0.5, Y: 1}, geom.Identity, t0.Add(500*time.Millisecond)).Differentiate()
	testutil.AssertVecNear(t, j.Velocity, r3.Vec{X: 1}, 1e-12)
	testutil.AssertVecNear(t, j.Acceleration, r3.Vec{X: 2}, 1e-12)

	same := j.Advance(r3.Vec{}, geom.Identity, j.Timestamp).Differentiate()
	assert.Equal(t, j.Velocity, same.Velocity, "zero dt keeps the last estimate")
}
