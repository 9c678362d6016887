package server

import (
	"context"

	"Percolator/internal/ingestion"
	"Percolator/internal/query"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "percolator.v1.Percolator"

type GetMarketRequest struct{}

type GetAccountRequest struct {
	Index uint16 `json:"index"`
}

type ListAccountsRequest struct {
	Owner string `json:"owner,omitempty"` // base58; empty lists every account
}

type ListAccountsResponse struct {
	Accounts []query.AccountView `json:"accounts"`
}

type GetReceiptsRequest struct {
	Limit          int   `json:"limit,omitempty"`
	BeforeSequence int64 `json:"before_sequence,omitempty"`
}

type GetReceiptsResponse struct {
	Receipts []query.ReceiptView `json:"receipts"`
}

// PercolatorServer is the server API of the Percolator service.
type PercolatorServer interface {
	Submit(context.Context, *ingestion.RequestJSON) (*ingestion.ReceiptJSON, error)
	GetMarket(context.Context, *GetMarketRequest) (*query.MarketView, error)
	GetAccount(context.Context, *GetAccountRequest) (*query.AccountView, error)
	ListAccounts(context.Context, *ListAccountsRequest) (*ListAccountsResponse, error)
	GetReceipts(context.Context, *GetReceiptsRequest) (*GetReceiptsResponse, error)
}

// PercolatorServiceDesc is declared by hand; messages travel with the JSON
// codec instead of protobuf.
var PercolatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PercolatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", PercolatorServer.Submit),
		unary("GetMarket", PercolatorServer.GetMarket),
		unary("GetAccount", PercolatorServer.GetAccount),
		unary("ListAccounts", PercolatorServer.ListAccounts),
		unary("GetReceipts", PercolatorServer.GetReceipts),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "percolator/v1/percolator.json",
}

func RegisterPercolatorServer(s grpc.ServiceRegistrar, srv PercolatorServer) {
	s.RegisterService(&PercolatorServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(PercolatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PercolatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PercolatorServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client calls the Percolator service over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Submit(ctx context.Context, in *ingestion.RequestJSON, opts ...grpc.CallOption) (*ingestion.ReceiptJSON, error) {
	out := new(ingestion.ReceiptJSON)
	if err := c.invoke(ctx, "Submit", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetMarket(ctx context.Context, in *GetMarketRequest, opts ...grpc.CallOption) (*query.MarketView, error) {
	out := new(query.MarketView)
	if err := c.invoke(ctx, "GetMarket", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAccount(ctx context.Context, in *GetAccountRequest, opts ...grpc.CallOption) (*query.AccountView, error) {
	out := new(query.AccountView)
	if err := c.invoke(ctx, "GetAccount", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListAccounts(ctx context.Context, in *ListAccountsRequest, opts ...grpc.CallOption) (*ListAccountsResponse, error) {
	out := new(ListAccountsResponse)
	if err := c.invoke(ctx, "ListAccounts", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetReceipts(ctx context.Context, in *GetReceiptsRequest, opts ...grpc.CallOption) (*GetReceiptsResponse, error) {
	out := new(GetReceiptsResponse)
	if err := c.invoke(ctx, "GetReceipts", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}
