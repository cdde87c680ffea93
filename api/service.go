package api

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName              = "api.ExampleService"
	GenerateHeaderMethod     = "GenerateHeader"
	GenerateHeaderFullMethod = "/" + ServiceName + "/" + GenerateHeaderMethod
)

// HeaderGeneratorServer is the server API for api.ExampleService.
type HeaderGeneratorServer interface {
	GenerateHeader(ctx context.Context, req *HeaderRequest) (*HeaderResponse, error)
}

// ServiceDesc describes api.ExampleService. Servers exposing it must be
// created with grpc.ForceServerCodec(Codec{}).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HeaderGeneratorServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: GenerateHeaderMethod,
		Handler:    generateHeaderHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api.proto",
}

func RegisterHeaderGeneratorServer(s grpc.ServiceRegistrar, srv HeaderGeneratorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func generateHeaderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeaderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HeaderGeneratorServer).GenerateHeader(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GenerateHeaderFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(HeaderGeneratorServer).GenerateHeader(ctx, req.(*HeaderRequest))
	}
	return interceptor(ctx, in, info, handler)
}
