package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service path every method below is registered
// under, in place of the "<package>.<Service>" name protoc would derive
// from a .proto file.
const ServiceName = "controllerd.Control"

// ControlServer is the RPC surface every instance answers: peer health and
// takeover coordination (Ping, ControlStatus, Shutdown, Takeover, Control),
// cluster membership (Join), configuration (Config), and the accounting
// agent's message relay (SendAccounting).
type ControlServer interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	ControlStatus(ctx context.Context, req *ControlStatusRequest) (*ControlStatusResponse, error)
	Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error)
	Takeover(ctx context.Context, req *TakeoverRequest) (*TakeoverResponse, error)
	Control(ctx context.Context, req *ControlRequest) (*ControlResponse, error)
	Config(ctx context.Context, req *ConfigRequest) (*ConfigResponse, error)
	Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	SendAccounting(ctx context.Context, req *AccountingRequest) (*AccountingResponse, error)
}

func unaryHandler[Req any, Resp any](call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ControlServer), ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// generates from a .proto file: a grpc.ServiceDesc binding method names to
// decode-call-reply handlers over ControlServer.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: unaryHandler(ControlServer.Ping)},
		{MethodName: "ControlStatus", Handler: unaryHandler(ControlServer.ControlStatus)},
		{MethodName: "Shutdown", Handler: unaryHandler(ControlServer.Shutdown)},
		{MethodName: "Takeover", Handler: unaryHandler(ControlServer.Takeover)},
		{MethodName: "Control", Handler: unaryHandler(ControlServer.Control)},
		{MethodName: "Config", Handler: unaryHandler(ControlServer.Config)},
		{MethodName: "Join", Handler: unaryHandler(ControlServer.Join)},
		{MethodName: "SendAccounting", Handler: unaryHandler(ControlServer.SendAccounting)},
	},
	Metadata: "controllerd/control.rpc",
}
