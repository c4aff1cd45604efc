package transport

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "meshfs.replication.v1.Replication"

const (
	methodSummary      = "/" + ServiceName + "/Summary"
	methodEntryIDs     = "/" + ServiceName + "/EntryIDs"
	methodFetchEntries = "/" + ServiceName + "/FetchEntries"
	methodPushEntries  = "/" + ServiceName + "/PushEntries"
	methodFetchObject  = "/" + ServiceName + "/FetchObject"
)

// ReplicationServer is implemented by the side answering sync requests.
type ReplicationServer interface {
	Summary(context.Context, *SummaryRequest) (*SummaryResponse, error)
	EntryIDs(context.Context, *EntryIDsRequest) (*EntryIDsResponse, error)
	FetchEntries(context.Context, *FetchEntriesRequest) (*FetchEntriesResponse, error)
	PushEntries(context.Context, *PushEntriesRequest) (*PushEntriesResponse, error)
	FetchObject(context.Context, *FetchObjectRequest) (*FetchObjectResponse, error)
}

// RegisterReplicationServer attaches srv to s.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&ReplicationServiceDesc, srv)
}

// unary builds a method handler that decodes Req, runs it through the
// server's interceptor chain and dispatches to call.
func unary[Req any, Resp any](method string, call func(ReplicationServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReplicationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ReplicationServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Summary", Handler: unary(methodSummary, ReplicationServer.Summary)},
		{MethodName: "EntryIDs", Handler: unary(methodEntryIDs, ReplicationServer.EntryIDs)},
		{MethodName: "FetchEntries", Handler: unary(methodFetchEntries, ReplicationServer.FetchEntries)},
		{MethodName: "PushEntries", Handler: unary(methodPushEntries, ReplicationServer.PushEntries)},
		{MethodName: "FetchObject", Handler: unary(methodFetchObject, ReplicationServer.FetchObject)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meshfs/replication.proto",
}

// ReplicationClient is the calling side of the replication service.
type ReplicationClient interface {
	Summary(ctx context.Context, in *SummaryRequest, opts ...grpc.CallOption) (*SummaryResponse, error)
	EntryIDs(ctx context.Context, in *EntryIDsRequest, opts ...grpc.CallOption) (*EntryIDsResponse, error)
	FetchEntries(ctx context.Context, in *FetchEntriesRequest, opts ...grpc.CallOption) (*FetchEntriesResponse, error)
	PushEntries(ctx context.Context, in *PushEntriesRequest, opts ...grpc.CallOption) (*PushEntriesResponse, error)
	FetchObject(ctx context.Context, in *FetchObjectRequest, opts ...grpc.CallOption) (*FetchObjectResponse, error)
}

type replicationClient struct {
	cc grpc.ClientConnInterface
}

func NewReplicationClient(cc grpc.ClientConnInterface) ReplicationClient {
	return &replicationClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, FromStatus(err)
	}
	return out, nil
}

func (c *replicationClient) Summary(ctx context.Context, in *SummaryRequest, opts ...grpc.CallOption) (*SummaryResponse, error) {
	return invoke[SummaryResponse](ctx, c.cc, methodSummary, in, opts)
}

func (c *replicationClient) EntryIDs(ctx context.Context, in *EntryIDsRequest, opts ...grpc.CallOption) (*EntryIDsResponse, error) {
	return invoke[EntryIDsResponse](ctx, c.cc, methodEntryIDs, in, opts)
}

func (c *replicationClient) FetchEntries(ctx context.Context, in *FetchEntriesRequest, opts ...grpc.CallOption) (*FetchEntriesResponse, error) {
	return invoke[FetchEntriesResponse](ctx, c.cc, methodFetchEntries, in, opts)
}

func (c *replicationClient) PushEntries(ctx context.Context, in *PushEntriesRequest, opts ...grpc.CallOption) (*PushEntriesResponse, error) {
	return invoke[PushEntriesResponse](ctx, c.cc, methodPushEntries, in, opts)
}

func (c *replicationClient) FetchObject(ctx context.Context, in *FetchObjectRequest, opts ...grpc.CallOption) (*FetchObjectResponse, error) {
	return invoke[FetchObjectResponse](ctx, c.cc, methodFetchObject, in, opts)
}
