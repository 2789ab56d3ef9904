package endpoint

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/tracking"
)

var _ DriverService = (*DriverServer)(nil)

// DriverServer is a reference driver. It keeps the latest state and pose
// of every tracker it has been sent and serves a settable headset pose.
type DriverServer struct {
	mu sync.Mutex

	headsetPos r3.Vec
	headsetOri quat.Number
	statusCode int
	statusMsg  string

	trackers     map[string]tracking.TrackerPose
	poseBatches  int
	stateBatches int
	restarts     []string
}

// NewDriverServer returns a driver with the headset at the origin.
func NewDriverServer() *DriverServer {
	return &DriverServer{
		headsetOri: geom.Identity,
		trackers:   make(map[string]tracking.TrackerPose),
	}
}

// SetHeadset moves the served headset pose.
func (d *DriverServer) SetHeadset(p r3.Vec, q quat.Number) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headsetPos, d.headsetOri = p, q
}

// SetStatus sets the status returned by Ping.
func (d *DriverServer) SetStatus(code int, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusCode, d.statusMsg = code, message
}

// Tracker returns the last state of the tracker with serial.
func (d *DriverServer) Tracker(serial string) (tracking.TrackerPose, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.trackers[serial]
	return p, ok
}

// Counts returns how many pose and state batches were received.
func (d *DriverServer) Counts() (poses, states int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.poseBatches, d.stateBatches
}

// Restarts returns the reasons of every restart request.
func (d *DriverServer) Restarts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.restarts...)
}

func (d *DriverServer) SetTrackerStates(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	states, err := DecodePoses(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateBatches++
	for _, st := range states {
		cur, ok := d.trackers[st.Serial]
		if !ok {
			cur = st
		}
		if cur.Active != st.Active {
			monitoring.Logf("[driver] %s active=%t", st.Serial, st.Active)
		}
		cur.Active = st.Active
		d.trackers[st.Serial] = cur
	}
	return statusStruct(0, ""), nil
}

func (d *DriverServer) UpdateTrackerPoses(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	poses, err := DecodePoses(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.poseBatches++
	for _, p := range poses {
		cur, ok := d.trackers[p.Serial]
		if ok && !cur.Active {
			// Poses for trackers the driver has not spawned are ignored.
			continue
		}
		d.trackers[p.Serial] = p
	}
	return statusStruct(0, ""), nil
}

func (d *DriverServer) Ping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := statusStruct(d.statusCode, d.statusMsg)
	out.Fields["sent_unix_nanos"] = structpb.NewNumberValue(numberField(in, "sent_unix_nanos"))
	return out, nil
}

func (d *DriverServer) GetHeadsetPose(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"position":    vecValue(d.headsetPos),
		"orientation": quatValue(d.headsetOri),
	}}, nil
}

func (d *DriverServer) RequestRestart(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	reason := stringField(in, "reason")
	monitoring.Logf("[driver] restart requested: %s", reason)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts = append(d.restarts, reason)
	return statusStruct(0, ""), nil
}
