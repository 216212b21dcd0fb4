// Package busv1 defines the rowguard.v1.Bus gRPC service. A client opens
// one bidirectional Attach stream per bus context; every frame is a bus
// message carried as a google.protobuf.Struct.
//
//	service Bus {
//	  rpc Attach(stream google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
package busv1

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/rowguard/internal/model"
)

const (
	// ServiceName is the fully qualified service name.
	ServiceName = "rowguard.v1.Bus"
	// AttachMethod is the full method name of the Attach stream.
	AttachMethod = "/" + ServiceName + "/Attach"
	// ChannelMetadataKey selects the bus channel for an Attach stream.
	ChannelMetadataKey = "x-rowguard-channel"
)

// BusServer is the server API for the Bus service.
type BusServer interface {
	Attach(Bus_AttachServer) error
}

// Bus_AttachServer is the server side of an Attach stream.
type Bus_AttachServer interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type attachServer struct {
	grpc.ServerStream
}

func (x *attachServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *attachServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BusServer).Attach(&attachServer{stream})
}

// ServiceDesc describes the Bus service for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BusServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "rowguard/v1/bus.proto",
}

// RegisterBusServer registers srv with s.
func RegisterBusServer(s grpc.ServiceRegistrar, srv BusServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// BusClient is the client API for the Bus service.
type BusClient interface {
	Attach(ctx context.Context, opts ...grpc.CallOption) (Bus_AttachClient, error)
}

// Bus_AttachClient is the client side of an Attach stream.
type Bus_AttachClient interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type busClient struct {
	cc grpc.ClientConnInterface
}

// NewBusClient returns a client for the Bus service.
func NewBusClient(cc grpc.ClientConnInterface) BusClient {
	return &busClient{cc: cc}
}

func (c *busClient) Attach(ctx context.Context, opts ...grpc.CallOption) (Bus_AttachClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], AttachMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &attachClient{stream}, nil
}

type attachClient struct {
	grpc.ClientStream
}

func (x *attachClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *attachClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode converts a bus message into a wire frame. The message is
// normalized through a structured clone first, so typed slices and
// integers are accepted.
func Encode(m model.Message) (*structpb.Struct, error) {
	c, err := m.Clone()
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(c)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", m.Action(), err)
	}
	return s, nil
}

// Decode converts a wire frame into a bus message.
func Decode(s *structpb.Struct) model.Message {
	if s == nil {
		return model.Message{}
	}
	return model.Message(s.AsMap())
}
