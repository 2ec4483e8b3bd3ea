package collector

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "probewatch.collector.v1.CollectorService"

const (
	registerMethod      = "/" + ServiceName + "/Register"
	deregisterMethod    = "/" + ServiceName + "/Deregister"
	streamMetricsMethod = "/" + ServiceName + "/StreamMetrics"
)

// Server is the collector side of the service.
type Server interface {
	Register(context.Context, TargetMessage) (Ack, error)
	Deregister(context.Context, TargetMessage) (Ack, error)
	// StreamMetrics sends records until the target stops, the sender fails or
	// the client cancels (observable through the sender's context).
	StreamMetrics(TargetMessage, MetricsSender) error
}

// MetricsSender is the server half of a StreamMetrics call.
type MetricsSender interface {
	Context() context.Context
	Send(*structpb.Struct) error
}

// RegisterServer attaches srv to a gRPC server.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Deregister", Handler: deregisterHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamMetrics", Handler: streamMetricsHandler, ServerStreams: true},
	},
	Metadata: "probewatch/collector/v1/collector.proto",
}

type unaryCall func(Server, context.Context, TargetMessage) (Ack, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			msg, err := TargetFromStruct(req.(*structpb.Struct))
			if err != nil {
				return nil, statusFromError(err)
			}
			ack, err := call(srv.(Server), ctx, msg)
			if err != nil {
				return nil, statusFromError(err)
			}
			return ack.ToStruct(), nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	registerHandler = unaryHandler(registerMethod, func(s Server, ctx context.Context, m TargetMessage) (Ack, error) {
		return s.Register(ctx, m)
	})
	deregisterHandler = unaryHandler(deregisterMethod, func(s Server, ctx context.Context, m TargetMessage) (Ack, error) {
		return s.Deregister(ctx, m)
	})
)

func streamMetricsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	msg, err := TargetFromStruct(in)
	if err != nil {
		return statusFromError(err)
	}
	if err := srv.(Server).StreamMetrics(msg, &metricsSender{ServerStream: stream}); err != nil {
		return statusFromError(err)
	}
	return nil
}

type metricsSender struct {
	grpc.ServerStream
}

func (s *metricsSender) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}
