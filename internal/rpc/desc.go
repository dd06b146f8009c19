package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Sync"

// SyncServer is the server API of the command service.
type SyncServer interface {
	Send(context.Context, *SendRequest) (*SendResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	Focus(context.Context, *FocusRequest) (*FocusResponse, error)
	SetTyping(context.Context, *SetTypingRequest) (*Empty, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	Discard(context.Context, *DiscardRequest) (*Empty, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	WatchEvents(*WatchEventsRequest, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

// Registrar is satisfied by *grpc.Server and the daemon's health server.
type Registrar interface {
	RegisterService(desc *grpc.ServiceDesc, impl any)
}

// Register adds srv to r.
func Register(r Registrar, srv SyncServer) {
	r.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Send", SyncServer.Send),
		unary("MarkRead", SyncServer.MarkRead),
		unary("Focus", SyncServer.Focus),
		unary("SetTyping", SyncServer.SetTyping),
		unary("ListMessages", SyncServer.ListMessages),
		unary("Discard", SyncServer.Discard),
		unary("Status", SyncServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/sync",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(SyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(*Req))
			})
		},
	}
}

type eventServerStream struct {
	grpc.ServerStream
}

func (s eventServerStream) Send(e *Event) error {
	return s.ServerStream.SendMsg(e)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).WatchEvents(in, eventServerStream{stream})
}

// Client calls the command service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, in *SendRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c.cc, "Send", in)
}

func (c *Client) MarkRead(ctx context.Context, in *MarkReadRequest) (*MarkReadResponse, error) {
	return invoke[MarkReadResponse](ctx, c.cc, "MarkRead", in)
}

func (c *Client) Focus(ctx context.Context, in *FocusRequest) (*FocusResponse, error) {
	return invoke[FocusResponse](ctx, c.cc, "Focus", in)
}

func (c *Client) SetTyping(ctx context.Context, in *SetTypingRequest) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "SetTyping", in)
}

func (c *Client) ListMessages(ctx context.Context, in *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c.cc, "ListMessages", in)
}

func (c *Client) Discard(ctx context.Context, in *DiscardRequest) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "Discard", in)
}

func (c *Client) Status(ctx context.Context, in *StatusRequest) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, "Status", in)
}

// EventReceiver is the client side of WatchEvents.
type EventReceiver struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (r *EventReceiver) Recv() (*Event, error) {
	e := new(Event)
	if err := r.stream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// WatchEvents opens an event stream; cancel ctx to end it.
func (c *Client) WatchEvents(ctx context.Context, in *WatchEventsRequest) (*EventReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("WatchEvents"), grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventReceiver{stream: stream}, nil
}
