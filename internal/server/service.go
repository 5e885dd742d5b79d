package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "machinestatus.v1.QueryService"

// QueryServer is the server API of machinestatus.v1.QueryService. Machine
// views travel as google.protobuf.Struct holding their JSON form.
type QueryServer interface {
	Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	ListMachines(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetMachine(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// unaryHandler adapts a typed QueryServer method to grpc.MethodDesc.
func unaryHandler[Req any, Resp any](name string, call func(QueryServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(QueryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(QueryServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Ping", QueryServer.Ping),
		unaryHandler("ListMachines", QueryServer.ListMachines),
		unaryHandler("GetMachine", QueryServer.GetMachine),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "machinestatus/v1/query.proto",
}
