package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/tracking"
)

// StatusUnreachable is reported after a call to the driver failed.
const StatusUnreachable = -10

var _ device.ServiceEndpoint = (*Client)(nil)

// Client implements device.ServiceEndpoint against a remote driver.
type Client struct {
	conn  grpc.ClientConnInterface
	close func() error

	mu     sync.Mutex
	status device.Status
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, close: func() error { return nil }}
}

// Dial connects to the driver at addr without transport security; the
// driver listens on loopback.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial driver %s: %w", addr, err)
	}
	c := NewClient(conn)
	c.close = conn.Close
	return c, nil
}

// Close releases the connection if the client opened it.
func (c *Client) Close() error { return c.close() }

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.conn.Invoke(ctx, method, in, out)

	c.mu.Lock()
	prev := c.status
	if err != nil {
		c.status = device.Status{Code: StatusUnreachable, Message: err.Error()}
	} else {
		c.status = device.Status{Code: device.StatusOK}
	}
	now := c.status
	c.mu.Unlock()

	if prev.OK() != now.OK() {
		if now.OK() {
			monitoring.Logf("[endpoint] driver reachable again")
		} else {
			monitoring.Logf("[endpoint] driver unreachable: %v", err)
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the health of the last call.
func (c *Client) Status() device.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) SetTrackerStates(ctx context.Context, states []tracking.TrackerPose) error {
	_, err := c.invoke(ctx, methodSetTrackerStates, EncodePoses(states))
	return err
}

func (c *Client) UpdateTrackerPoses(ctx context.Context, poses []tracking.TrackerPose) error {
	_, err := c.invoke(ctx, methodUpdateTrackerPoses, EncodePoses(poses))
	return err
}

// TestConnection pings the driver and returns its status and the round
// trip time.
func (c *Client) TestConnection(ctx context.Context) (device.Status, time.Duration, error) {
	sent := time.Now()
	out, err := c.invoke(ctx, methodPing, &structpb.Struct{Fields: map[string]*structpb.Value{
		"sent_unix_nanos": structpb.NewNumberValue(float64(sent.UnixNano())),
	}})
	if err != nil {
		return c.Status(), 0, err
	}
	rtt := time.Since(sent)
	st := device.Status{
		Code:    int(numberField(out, "status_code")),
		Message: stringField(out, "status_message"),
	}
	return st, rtt, nil
}

func (c *Client) HeadsetPose(ctx context.Context) (r3.Vec, quat.Number, error) {
	out, err := c.invoke(ctx, methodGetHeadsetPose, &structpb.Struct{})
	if err != nil {
		return r3.Vec{}, quat.Number{}, err
	}
	p, err := vecField(out, "position")
	if err != nil {
		return r3.Vec{}, quat.Number{}, err
	}
	q, err := quatField(out, "orientation")
	if err != nil {
		return r3.Vec{}, quat.Number{}, err
	}
	return p, q, nil
}

func (c *Client) RequestRestart(ctx context.Context, reason string) error {
	_, err := c.invoke(ctx, methodRequestRestart, &structpb.Struct{Fields: map[string]*structpb.Value{
		"reason": structpb.NewStringValue(reason),
	}})
	return err
}
