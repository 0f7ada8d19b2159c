// ABOUTME: Hand-written gRPC service descriptor for the single BackRPC stream.
// ABOUTME: Frames travel as google.protobuf.BytesValue, so no generated stubs are needed.

package backrpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName       = "backrpc.BackRPC"
	connectStreamName = "Connect"
	connectMethod     = "/" + serviceName + "/" + connectStreamName
)

// frameStream is the part of grpc.ServerStream and grpc.ClientStream the
// connection needs.
type frameStream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// connectService is the HandlerType of the service descriptor.
type connectService interface {
	Connect(stream grpc.ServerStream) error
}

type grpcService struct {
	server *Server
}

func (g *grpcService) Connect(stream grpc.ServerStream) error {
	return g.server.serveStream(stream)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(connectService).Connect(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*connectService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    connectStreamName,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "backrpc",
}
