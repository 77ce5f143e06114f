package kernelgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "cellstate.kernel.v1.Kernel"

const (
	methodExecute   = "/" + serviceName + "/Execute"
	methodInterrupt = "/" + serviceName + "/Interrupt"
	methodRestart   = "/" + serviceName + "/Restart"
	methodPing      = "/" + serviceName + "/Ping"
	methodEvents    = "/" + serviceName + "/Events"
)

// kernelService is the server side of the kernel service. Requests and
// events travel as structpb.Struct so no generated code is needed.
type kernelService interface {
	Execute(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	Interrupt(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
	Restart(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
	Ping(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
	Events(req *emptypb.Empty, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*kernelService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Interrupt", Handler: emptyHandler(methodInterrupt, kernelService.Interrupt)},
		{MethodName: "Restart", Handler: emptyHandler(methodRestart, kernelService.Restart)},
		{MethodName: "Ping", Handler: emptyHandler(methodPing, kernelService.Ping)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
	Metadata: "cellstate/kernel/v1/kernel.proto",
}

func registerKernelService(s grpc.ServiceRegistrar, srv kernelService) {
	s.RegisterService(&serviceDesc, srv)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(kernelService).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExecute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(kernelService).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func emptyHandler(method string, call func(kernelService, context.Context, *emptypb.Empty) (*emptypb.Empty, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(kernelService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(kernelService), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(kernelService).Events(in, stream)
}
