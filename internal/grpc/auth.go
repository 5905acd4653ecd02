package grpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const lookupTokenKey = "x-molt-lookup-token"

// lookupGuard gates the read-only lookup API behind a shared secret held by
// relying services. The registry never exposes write RPCs, so there is no
// per-method policy.
type lookupGuard struct {
	token []byte
}

func newLookupGuard(token string) (*lookupGuard, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("lookup service token required")
	}
	return &lookupGuard{token: []byte(token)}, nil
}

func (g *lookupGuard) authorize(ctx context.Context, method string) error {
	md, _ := metadata.FromIncomingContext(ctx)
	presented := ""
	if values := md.Get(lookupTokenKey); len(values) > 0 {
		presented = strings.TrimSpace(values[0])
	}
	switch {
	case presented == "":
		return status.Errorf(codes.Unauthenticated, "%s: lookup token missing", method)
	case subtle.ConstantTimeCompare([]byte(presented), g.token) != 1:
		return status.Errorf(codes.PermissionDenied, "%s: lookup token rejected", method)
	}
	return nil
}

func (g *lookupGuard) unary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := g.authorize(ctx, info.FullMethod); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

// withLookupToken stamps every outgoing lookup call with the shared token.
func withLookupToken(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(metadata.AppendToOutgoingContext(ctx, lookupTokenKey, token), method, req, reply, cc, opts...)
	}
}
