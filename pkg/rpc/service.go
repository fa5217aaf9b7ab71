// Package rpc exposes a Reconciler over gRPC. Messages are
// google.protobuf.Struct and Empty so no generated code is needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sriov.v1.Provisioner"

const (
	methodProvision = "/" + ServiceName + "/Provision"
	methodReset     = "/" + ServiceName + "/Reset"
	methodStatus    = "/" + ServiceName + "/Status"
)

// ProvisionerServer is the server API of the Provisioner service.
type ProvisionerServer interface {
	Provision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterProvisionerServer registers srv on s.
func RegisterProvisionerServer(s grpc.ServiceRegistrar, srv ProvisionerServer) {
	s.RegisterService(&provisionerServiceDesc, srv)
}

func provisionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProvisionerServer).Provision(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodProvision}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProvisionerServer).Provision(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func resetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProvisionerServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReset}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProvisionerServer).Reset(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProvisionerServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProvisionerServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var provisionerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProvisionerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Provision", Handler: provisionHandler},
		{MethodName: "Reset", Handler: resetHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sriov/v1/provisioner.proto",
}
