package grpc

import (
	"context"

	grpclib "google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name
const ServiceName = "warmupd.v1.WarmupService"

// WarmupServiceServer is the server API for WarmupService
type WarmupServiceServer interface {
	ReadyAccounts(context.Context, *ReadyAccountsRequest) (*ReadyAccountsResponse, error)
	AdvancePhase(context.Context, *AdvancePhaseRequest) (*AdvancePhaseResponse, error)
	RequeuePhase(context.Context, *RequeuePhaseRequest) (*PhaseResponse, error)
	WarmupStatus(context.Context, *WarmupStatusRequest) (*WarmupStatusResponse, error)
	TransitionLifecycle(context.Context, *TransitionRequest) (*TransitionResponse, error)
	AssignContainer(context.Context, *AssignContainerRequest) (*ActionResponse, error)
	AssignProxy(context.Context, *AssignProxyRequest) (*ActionResponse, error)
	PauseAccount(context.Context, *PauseAccountRequest) (*ActionResponse, error)
	EventStream(*EventStreamRequest, EventStreamServer) error
}

// EventStreamServer is the server side of the EventStream call
type EventStreamServer interface {
	Send(*ServerEvent) error
	Context() context.Context
}

type eventStreamServer struct {
	grpclib.ServerStream
}

func (s *eventStreamServer) Send(evt *ServerEvent) error {
	return s.ServerStream.SendMsg(evt)
}

// unaryHandler adapts a typed method to the generic gRPC handler shape
func unaryHandler[Req any, Resp any](method string, call func(WarmupServiceServer, context.Context, *Req) (*Resp, error)) grpclib.MethodDesc {
	return grpclib.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WarmupServiceServer), ctx, in)
			}
			info := &grpclib.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(WarmupServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func eventStreamHandler(srv any, stream grpclib.ServerStream) error {
	in := new(EventStreamRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WarmupServiceServer).EventStream(in, &eventStreamServer{stream})
}

// ServiceDesc describes WarmupService for grpc.Server.RegisterService
var ServiceDesc = grpclib.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WarmupServiceServer)(nil),
	Methods: []grpclib.MethodDesc{
		unaryHandler("ReadyAccounts", WarmupServiceServer.ReadyAccounts),
		unaryHandler("AdvancePhase", WarmupServiceServer.AdvancePhase),
		unaryHandler("RequeuePhase", WarmupServiceServer.RequeuePhase),
		unaryHandler("WarmupStatus", WarmupServiceServer.WarmupStatus),
		unaryHandler("TransitionLifecycle", WarmupServiceServer.TransitionLifecycle),
		unaryHandler("AssignContainer", WarmupServiceServer.AssignContainer),
		unaryHandler("AssignProxy", WarmupServiceServer.AssignProxy),
		unaryHandler("PauseAccount", WarmupServiceServer.PauseAccount),
	},
	Streams: []grpclib.StreamDesc{
		{
			StreamName:    "EventStream",
			Handler:       eventStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "warmupd.v1",
}

// RegisterWarmupServiceServer registers the service with a gRPC server
func RegisterWarmupServiceServer(s grpclib.ServiceRegistrar, srv WarmupServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
