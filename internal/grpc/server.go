package grpc

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"moltregistry/internal/lookup"
)

// NewServer builds the lookup gRPC server guarded by the service token.
func NewServer(svc *lookup.Service, serviceToken string) (*grpc.Server, error) {
	guard, err := newLookupGuard(serviceToken)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(guard.unary),
	)
	RegisterLookupServer(server, NewLookupService(svc))
	return server, nil
}

// Dial opens a plaintext client connection that sends serviceToken on each
// call. Extra options are appended, which lets tests swap the dialer.
func Dial(addr, serviceToken string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(withLookupToken(serviceToken)),
	}
	return grpc.NewClient(addr, append(base, opts...)...)
}
