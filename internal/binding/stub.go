package binding

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Stub invokes the unary methods of one service over a connection.
type Stub struct {
	conn    grpc.ClientConnInterface
	service protoreflect.ServiceDescriptor
	catalog *Catalog
}

// NewStub builds the stub for stub identifier id on conn.
func (c *Catalog) NewStub(id string, conn grpc.ClientConnInterface) (*Stub, error) {
	sd, err := c.Service(id)
	if err != nil {
		return nil, err
	}
	return &Stub{conn: conn, service: sd, catalog: c}, nil
}

// ServiceName returns the full proto name of the stub's service.
func (s *Stub) ServiceName() string {
	return string(s.service.FullName())
}

// FullMethod returns the "/pkg.Service/Method" path of a method.
func (s *Stub) FullMethod(method string) string {
	return "/" + string(s.service.FullName()) + "/" + method
}

// Method returns the descriptor of a unary method.
func (s *Stub) Method(name string) (protoreflect.MethodDescriptor, error) {
	md := s.service.Methods().ByName(protoreflect.Name(name))
	if md == nil || md.IsStreamingClient() || md.IsStreamingServer() {
		return nil, util.NewStubResolutionError(KindMethod, s.ServiceName()+"."+name)
	}
	return md, nil
}

// NewResponse returns an empty response message for a method.
func (s *Stub) NewResponse(method string) (proto.Message, error) {
	md, err := s.Method(method)
	if err != nil {
		return nil, err
	}
	return s.catalog.newMessageFor(md.Output()), nil
}

// Invoke calls method with req and returns the decoded response.
func (s *Stub) Invoke(ctx context.Context, method string, req proto.Message, opts ...grpc.CallOption) (proto.Message, error) {
	resp, err := s.NewResponse(method)
	if err != nil {
		return nil, err
	}
	if err := s.conn.Invoke(ctx, s.FullMethod(method), req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
