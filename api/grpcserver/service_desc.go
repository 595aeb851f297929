package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bourse.v1.Exchange"

// ExchangeServer is the server API for the exchange service. Every message
// is a google.protobuf.Struct; field names are documented on Server.
type ExchangeServer interface {
	SubmitOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrderBook(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUserOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMarketStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListReconciliation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryCompensation(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ExchangeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExchangeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ExchangeServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Exchange_ServiceDesc describes bourse.v1.Exchange for grpc.Server.
var Exchange_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrder", ExchangeServer.SubmitOrder),
		unary("CancelOrder", ExchangeServer.CancelOrder),
		unary("GetOrder", ExchangeServer.GetOrder),
		unary("GetOrderBook", ExchangeServer.GetOrderBook),
		unary("GetUserOrders", ExchangeServer.GetUserOrders),
		unary("GetMarketStats", ExchangeServer.GetMarketStats),
		unary("ListReconciliation", ExchangeServer.ListReconciliation),
		unary("RetryCompensation", ExchangeServer.RetryCompensation),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bourse/v1/exchange.proto",
}

func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&Exchange_ServiceDesc, srv)
}

// Client calls bourse.v1.Exchange methods by name.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
