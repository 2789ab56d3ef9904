package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/testutil"
	"github.com/banshee-data/posebridge/internal/tracking"
)

func init() {
	monitoring.SetLogger(nil)
}

// startDriver serves a DriverServer over an in-memory listener.
func startDriver(t *testing.T) (*DriverServer, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	driver := NewDriverServer()
	RegisterDriverService(srv, driver)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return driver, client
}

func samplePoses() []tracking.TrackerPose {
	return []tracking.TrackerPose{
		{
			Role:        tracking.TrackerWaist,
			Serial:      "AME-WAIST",
			Active:      true,
			Position:    r3.Vec{X: 0.1, Y: 1.0, Z: -0.3},
			Orientation: geom.FromAxisAngle(r3.Vec{Y: 1}, 0.4),
		},
		{
			Role:        tracking.TrackerLeftFoot,
			Serial:      "AME-LFOOT",
			Active:      true,
			Position:    r3.Vec{X: -0.15, Y: 0.05},
			Orientation: geom.Identity,
			Physics: &tracking.Physics{
				Velocity:        r3.Vec{X: 1},
				AngularVelocity: r3.Vec{Z: 2},
			},
		},
	}
}

func TestPoseCodecRoundTrip(t *testing.T) {
	in := samplePoses()
	out, err := DecodePoses(EncodePoses(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		msg  *structpb.Struct
	}{
		{"missing list", &structpb.Struct{}},
		{"short position", &structpb.Struct{Fields: map[string]*structpb.Value{
			"trackers": structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
				structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
					"position": structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewNumberValue(1)}}),
				}}),
			}}),
		}}},
		{"not an object", &structpb.Struct{Fields: map[string]*structpb.Value{
			"trackers": structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewStringValue("x")}}),
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePoses(tt.msg)
			assert.Error(t, err)
		})
	}
}

func TestClientDeliversBatches(t *testing.T) {
	driver, client := startDriver(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poses := samplePoses()
	states := []tracking.TrackerPose{poses[0], poses[1]}
	require.NoError(t, client.SetTrackerStates(ctx, states))
	require.NoError(t, client.UpdateTrackerPoses(ctx, poses))

	got, ok := driver.Tracker("AME-LFOOT")
	require.True(t, ok)
	assert.Equal(t, poses[1], got)

	nPoses, nStates := driver.Counts()
	assert.Equal(t, 1, nPoses)
	assert.Equal(t, 1, nStates)
	assert.True(t, client.Status().OK())
}

func TestDriverIgnoresInactiveTrackers(t *testing.T) {
	driver, client := startDriver(t)
	ctx := context.Background()

	waist := samplePoses()[0]
	off := waist
	off.Active = false
	require.NoError(t, client.SetTrackerStates(ctx, []tracking.TrackerPose{off}))

	moved := waist
	moved.Position = r3.Vec{X: 5}
	require.NoError(t, client.UpdateTrackerPoses(ctx, []tracking.TrackerPose{moved}))

	got, ok := driver.Tracker("AME-WAIST")
	require.True(t, ok)
	assert.False(t, got.Active)
	assert.NotEqual(t, moved.Position, got.Position)
}

func TestHeadsetPingAndRestart(t *testing.T) {
	driver, client := startDriver(t)
	ctx := context.Background()

	q := geom.FromAxisAngle(r3.Vec{Y: 1}, 1.1)
	driver.SetHeadset(r3.Vec{Y: 1.7, Z: 0.2}, q)
	p, gotQ, err := client.HeadsetPose(ctx)
	require.NoError(t, err)
	testutil.AssertVecNear(t, p, r3.Vec{Y: 1.7, Z: 0.2}, 0)
	testutil.AssertQuatNear(t, gotQ, q, 0)

	driver.SetStatus(3, "no HMD")
	st, rtt, err := client.TestConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, device.Status{Code: 3, Message: "no HMD"}, st)
	assert.Greater(t, rtt, time.Duration(0))

	require.NoError(t, client.RequestRestart(ctx, "crash loop"))
	assert.Equal(t, []string{"crash loop"}, driver.Restarts())
}

func TestClientReportsUnreachable(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	lis.Close()
	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = client.UpdateTrackerPoses(ctx, samplePoses())
	require.Error(t, err)
	assert.Equal(t, StatusUnreachable, client.Status().Code)
}
