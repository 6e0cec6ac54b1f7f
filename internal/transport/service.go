// Package transport carries wire messages to and from remote workers over gRPC.
package transport

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"remoted/internal/wire"
)

// ServiceName is the fully qualified gRPC service name of a worker.
const ServiceName = "remoted.worker.v1.Worker"

const (
	methodOpen    = "/" + ServiceName + "/Open"
	methodExecute = "/" + ServiceName + "/Execute"
	methodClose   = "/" + ServiceName + "/Close"
)

// WorkerServer is implemented by remote workers.
type WorkerServer interface {
	Open(ctx context.Context, req *wire.OpenRequest) (*wire.OpenResponse, error)
	Execute(ctx context.Context, req *wire.ExecuteRequest) (*wire.ExecuteResponse, error)
	Close(ctx context.Context, req *wire.CloseRequest) (*wire.CloseResponse, error)
}

// RegisterWorkerServer attaches srv to s.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&serviceDesc, srv)
}

// NewServer builds a gRPC server hosting srv with request logging.
func NewServer(srv WorkerServer, log zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(loggingInterceptor(log))}, opts...)
	s := grpc.NewServer(opts...)
	RegisterWorkerServer(s, srv)
	return s
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("dur", time.Since(start)).Msg("worker rpc")
		return resp, err
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Open", Handler: openHandler},
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Close", Handler: closeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "remoted/worker",
}

func openHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.OpenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Open(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodOpen}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Open(ctx, req.(*wire.OpenRequest))
	})
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.ExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExecute}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Execute(ctx, req.(*wire.ExecuteRequest))
	})
}

func closeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.CloseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Close(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodClose}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Close(ctx, req.(*wire.CloseRequest))
	})
}
