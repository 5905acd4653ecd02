// Package grpc serves registry lookups to other services.
package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"moltregistry/internal/apperr"
	"moltregistry/internal/lookup"
	"moltregistry/internal/model"
)

const serviceName = "moltregistry.lookup.v1.LookupService"

type GetByDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

type GetByPublicKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

type ListByNullifierRequest struct {
	NullifierHash string `json:"nullifierHash"`
}

type Molt struct {
	ID                string     `json:"id"`
	DeviceID          string     `json:"deviceId"`
	PublicKey         string     `json:"publicKey"`
	NullifierHash     string     `json:"nullifierHash"`
	VerificationLevel string     `json:"verificationLevel"`
	Verified          bool       `json:"verified"`
	Active            bool       `json:"active"`
	RegisteredAt      time.Time  `json:"registeredAt"`
	DeactivatedAt     *time.Time `json:"deactivatedAt,omitempty"`
}

type ListByNullifierResponse struct {
	NullifierHash string `json:"nullifierHash"`
	Active        int    `json:"active"`
	Molts         []Molt `json:"molts"`
}

// LookupServer is implemented by LookupService.
type LookupServer interface {
	GetByDevice(ctx context.Context, req *GetByDeviceRequest) (*Molt, error)
	GetByPublicKey(ctx context.Context, req *GetByPublicKeyRequest) (*Molt, error)
	ListByNullifier(ctx context.Context, req *ListByNullifierRequest) (*ListByNullifierResponse, error)
}

type LookupService struct {
	lookup *lookup.Service
}

func NewLookupService(svc *lookup.Service) *LookupService {
	return &LookupService{lookup: svc}
}

func (s *LookupService) GetByDevice(ctx context.Context, req *GetByDeviceRequest) (*Molt, error) {
	ident, err := s.lookup.ByDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, toStatus(err)
	}
	molt := toMolt(ident)
	return &molt, nil
}

func (s *LookupService) GetByPublicKey(ctx context.Context, req *GetByPublicKeyRequest) (*Molt, error) {
	ident, err := s.lookup.ByPublicKey(ctx, req.PublicKey)
	if err != nil {
		return nil, toStatus(err)
	}
	molt := toMolt(ident)
	return &molt, nil
}

func (s *LookupService) ListByNullifier(ctx context.Context, req *ListByNullifierRequest) (*ListByNullifierResponse, error) {
	swarm, err := s.lookup.ByNullifier(ctx, req.NullifierHash)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListByNullifierResponse{
		NullifierHash: swarm.NullifierHash,
		Active:        swarm.Active,
		Molts:         make([]Molt, 0, len(swarm.Molts)),
	}
	for _, ident := range swarm.Molts {
		resp.Molts = append(resp.Molts, toMolt(ident))
	}
	return resp, nil
}

func toMolt(ident model.Identity) Molt {
	return Molt{
		ID:                ident.ID,
		DeviceID:          ident.DeviceID,
		PublicKey:         ident.PublicKey,
		NullifierHash:     ident.NullifierHash,
		VerificationLevel: string(ident.VerificationLevel),
		Verified:          ident.Verified,
		Active:            ident.Active,
		RegisteredAt:      ident.RegisteredAt,
		DeactivatedAt:     ident.DeactivatedAt,
	}
}

func toStatus(err error) error {
	appErr, ok := apperr.As(err)
	if !ok {
		return status.Error(codes.Internal, "server_error")
	}
	code := codes.Internal
	switch appErr.Category {
	case apperr.CategoryValidation:
		code = codes.InvalidArgument
	case apperr.CategoryAuthentication:
		code = codes.Unauthenticated
	case apperr.CategoryNotFound:
		code = codes.NotFound
	case apperr.CategoryConflict:
		code = codes.AlreadyExists
	case apperr.CategoryExpired:
		code = codes.FailedPrecondition
	case apperr.CategoryRateLimited:
		code = codes.ResourceExhausted
	case apperr.CategoryUpstream, apperr.CategoryStore:
		code = codes.Unavailable
	}
	return status.Error(code, appErr.Reason)
}

func RegisterLookupServer(s grpc.ServiceRegistrar, srv LookupServer) {
	s.RegisterService(&lookupServiceDesc, srv)
}

var lookupServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LookupServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetByDevice", Handler: getByDeviceHandler},
		{MethodName: "GetByPublicKey", Handler: getByPublicKeyHandler},
		{MethodName: "ListByNullifier", Handler: listByNullifierHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "moltregistry/lookup/v1/lookup",
}

func getByDeviceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetByDeviceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LookupServer).GetByDevice(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetByDevice"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LookupServer).GetByDevice(ctx, req.(*GetByDeviceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getByPublicKeyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetByPublicKeyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LookupServer).GetByPublicKey(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetByPublicKey"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LookupServer).GetByPublicKey(ctx, req.(*GetByPublicKeyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listByNullifierHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListByNullifierRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LookupServer).ListByNullifier(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListByNullifier"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LookupServer).ListByNullifier(ctx, req.(*ListByNullifierRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// LookupClient calls LookupService over any connection using the JSON codec.
type LookupClient struct {
	cc grpc.ClientConnInterface
}

func NewLookupClient(cc grpc.ClientConnInterface) *LookupClient {
	return &LookupClient{cc: cc}
}

func (c *LookupClient) GetByDevice(ctx context.Context, deviceID string, opts ...grpc.CallOption) (*Molt, error) {
	out := new(Molt)
	if err := c.invoke(ctx, "GetByDevice", &GetByDeviceRequest{DeviceID: deviceID}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LookupClient) GetByPublicKey(ctx context.Context, publicKey string, opts ...grpc.CallOption) (*Molt, error) {
	out := new(Molt)
	if err := c.invoke(ctx, "GetByPublicKey", &GetByPublicKeyRequest{PublicKey: publicKey}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LookupClient) ListByNullifier(ctx context.Context, nullifierHash string, opts ...grpc.CallOption) (*ListByNullifierResponse, error) {
	out := new(ListByNullifierResponse)
	if err := c.invoke(ctx, "ListByNullifier", &ListByNullifierRequest{NullifierHash: nullifierHash}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LookupClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}
