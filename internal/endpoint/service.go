// Package endpoint carries tracker poses to the consumer driver over gRPC.
// The service is described by hand with structpb messages, so no generated
// code is needed on either side.
package endpoint

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "posebridge.driver.v1.Driver"

const (
	methodSetTrackerStates   = "/" + ServiceName + "/SetTrackerStates"
	methodUpdateTrackerPoses = "/" + ServiceName + "/UpdateTrackerPoses"
	methodPing               = "/" + ServiceName + "/Ping"
	methodGetHeadsetPose     = "/" + ServiceName + "/GetHeadsetPose"
	methodRequestRestart     = "/" + ServiceName + "/RequestRestart"
)

// DriverService is implemented by a consumer driver.
type DriverService interface {
	SetTrackerStates(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateTrackerPoses(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Ping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHeadsetPose(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestRestart(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterDriverService registers srv on s.
func RegisterDriverService(s grpc.ServiceRegistrar, srv DriverService) {
	s.RegisterService(&DriverServiceDesc, srv)
}

func unaryHandler(method string, call func(DriverService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DriverService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(DriverService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// DriverServiceDesc describes the driver service for grpc.Server.
var DriverServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DriverService)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SetTrackerStates", DriverService.SetTrackerStates),
		unaryHandler("UpdateTrackerPoses", DriverService.UpdateTrackerPoses),
		unaryHandler("Ping", DriverService.Ping),
		unaryHandler("GetHeadsetPose", DriverService.GetHeadsetPose),
		unaryHandler("RequestRestart", DriverService.RequestRestart),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "posebridge/driver/v1/driver.proto",
}
