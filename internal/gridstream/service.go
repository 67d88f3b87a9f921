// Package gridstream serves the radar grid over gRPC for renderers that run
// outside the process.
//
// The service has one server-streaming method. A client sends the frame
// period it wants as a google.protobuf.Duration and receives a
// google.protobuf.Struct per tick carrying the grid dimensions, the sweep
// angle and every cell's age. Only well-known protobuf types cross the wire,
// so no generated code is needed on either side.
package gridstream

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "radarhub.v1.GridService"

	streamGridMethod = "/" + ServiceName + "/StreamGrid"
)

// GridServiceServer is implemented by Server.
type GridServiceServer interface {
	StreamGrid(interval *durationpb.Duration, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

func streamGridHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(durationpb.Duration)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(GridServiceServer).StreamGrid(req, &grpc.GenericServerStream[durationpb.Duration, structpb.Struct]{ServerStream: stream})
}

// GridServiceDesc registers GridServiceServer on a *grpc.Server.
var GridServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GridServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamGrid",
			Handler:       streamGridHandler,
			ServerStreams: true,
		},
	},
	Metadata: "radarhub/v1/grid.proto",
}

// GridClient opens grid streams on an existing connection.
type GridClient struct {
	cc grpc.ClientConnInterface
}

func NewGridClient(cc grpc.ClientConnInterface) *GridClient {
	return &GridClient{cc: cc}
}

// StreamGrid asks for one frame per interval. A zero interval leaves the
// choice to the server.
func (c *GridClient) StreamGrid(ctx context.Context, interval time.Duration, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &GridServiceDesc.Streams[0], streamGridMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(durationpb.New(interval)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[durationpb.Duration, structpb.Struct]{ClientStream: stream}, nil
}

// Frame is the decoded form of one streamed grid message.
type Frame struct {
	Seq      uint64
	Taken    time.Time // microsecond precision
	Angular  int
	Radial   int
	SweepDeg float64
	HitTimes []float64
}

func encodeFrame(f Frame) *structpb.Struct {
	ages := make([]*structpb.Value, len(f.HitTimes))
	for i, v := range f.HitTimes {
		ages[i] = structpb.NewNumberValue(v)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"seq":               structpb.NewNumberValue(float64(f.Seq)),
		"taken_unix_micros": structpb.NewNumberValue(float64(f.Taken.UnixMicro())),
		"angular":           structpb.NewNumberValue(float64(f.Angular)),
		"radial":            structpb.NewNumberValue(float64(f.Radial)),
		"sweep_deg":         structpb.NewNumberValue(f.SweepDeg),
		"hit_times":         structpb.NewListValue(&structpb.ListValue{Values: ages}),
	}}
}

// DecodeFrame reads a message produced by the server. The cell count must
// match the advertised dimensions.
func DecodeFrame(s *structpb.Struct) (Frame, error) {
	if s == nil {
		return Frame{}, fmt.Errorf("gridstream: nil frame")
	}
	num := func(key string) (float64, error) {
		v, ok := s.Fields[key]
		if !ok {
			return 0, fmt.Errorf("gridstream: frame missing %q", key)
		}
		n, ok := v.Kind.(*structpb.Value_NumberValue)
		if !ok {
			return 0, fmt.Errorf("gridstream: frame field %q is not a number", key)
		}
		return n.NumberValue, nil
	}

	var f Frame
	var vals [5]float64
	for i, key := range []string{"seq", "taken_unix_micros", "angular", "radial", "sweep_deg"} {
		v, err := num(key)
		if err != nil {
			return Frame{}, err
		}
		vals[i] = v
	}
	f.Seq = uint64(vals[0])
	f.Taken = time.UnixMicro(int64(vals[1]))
	f.Angular = int(vals[2])
	f.Radial = int(vals[3])
	f.SweepDeg = vals[4]

	list := s.Fields["hit_times"].GetListValue()
	if list == nil {
		return Frame{}, fmt.Errorf("gridstream: frame missing hit_times list")
	}
	if len(list.Values) != f.Angular*f.Radial {
		return Frame{}, fmt.Errorf("gridstream: %d cell ages for a %dx%d grid", len(list.Values), f.Angular, f.Radial)
	}
	f.HitTimes = make([]float64, len(list.Values))
	for i, v := range list.Values {
		n, ok := v.Kind.(*structpb.Value_NumberValue)
		if !ok {
			return Frame{}, fmt.Errorf("gridstream: cell %d age is not a number", i)
		}
		f.HitTimes[i] = n.NumberValue
	}
	return f, nil
}
