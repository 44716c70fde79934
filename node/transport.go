package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/isekhub/isekreg/util/callcontext"
	utilerrors "github.com/isekhub/isekreg/util/errors"
	"github.com/isekhub/isekreg/util/logger"
	"github.com/isekhub/isekreg/util/protohelper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire names of the node service. Requests and replies are structpb.Struct
// values, so no generated code is needed on either side.
const (
	ServiceName    = "isek.node.IsekNodeService"
	callMethodName = "Call"
	callMethod     = "/" + ServiceName + "/" + callMethodName
)

// Struct fields of a call.
const (
	fieldMessageID = "message_id"
	fieldSender    = "sender"
	fieldReceiver  = "receiver"
	fieldMessage   = "message"
	fieldReply     = "reply"
)

// CallRequest is one message from sender to receiver.
type CallRequest struct {
	MessageID string
	Sender    string
	Receiver  string
	Message   string
}

func (r CallRequest) toStruct() *structpb.Struct {
	return protohelper.StringsToStruct(map[string]string{
		fieldMessageID: r.MessageID,
		fieldSender:    r.Sender,
		fieldReceiver:  r.Receiver,
		fieldMessage:   r.Message,
	})
}

func callRequestFromStruct(s *structpb.Struct) (CallRequest, error) {
	var req CallRequest
	var errs []error
	get := func(key string, dst *string) {
		v, err := protohelper.StringField(s, key)
		*dst = v
		errs = append(errs, err)
	}
	get(fieldMessageID, &req.MessageID)
	get(fieldSender, &req.Sender)
	get(fieldReceiver, &req.Receiver)
	get(fieldMessage, &req.Message)
	return req, errors.Join(errs...)
}

// MessageHandler answers a message from another node. The sender id is also
// available from ctx through callcontext.SenderID.
type MessageHandler func(ctx context.Context, sender, message string) (string, error)

// Transport delivers a call to the node listening at address.
type Transport interface {
	Call(ctx context.Context, address string, req CallRequest) (string, error)
	Close() error
}

// addressForgetter is implemented by transports that cache per-address state.
type addressForgetter interface {
	Forget(address string)
}

// GRPCTransport calls peers over gRPC and keeps one connection per address.
type GRPCTransport struct {
	logger *logger.Logger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

// NewGRPCTransport creates a transport with no open connections.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{
		logger: logger.NewLogger("GRPCTransport"),
		conns:  make(map[string]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) conn(address string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, status.Error(codes.Canceled, "transport closed")
	}
	if c, ok := t.conns[address]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "connect %s: %v", address, err)
	}
	t.conns[address] = c
	t.logger.Debugf("Opened connection to %s", address)
	return c, nil
}

// Call sends req to address and returns the reply text. A call that runs out
// of time fails with a *utilerrors.TimeoutError.
func (t *GRPCTransport) Call(ctx context.Context, address string, req CallRequest) (string, error) {
	c, err := t.conn(address)
	if err != nil {
		return "", err
	}
	resp := &structpb.Struct{}
	if err := c.Invoke(ctx, callMethod, req.toStruct(), resp); err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", utilerrors.NewTimeoutError("Call "+address, req.Receiver, err)
		}
		return "", err
	}
	reply, err := protohelper.StringField(resp, fieldReply)
	if err != nil {
		return "", status.Errorf(codes.Internal, "malformed reply from %s: %v", address, err)
	}
	return reply, nil
}

// Forget closes the connection to address, if any. Nodes call it when a peer
// leaves their directory.
func (t *GRPCTransport) Forget(address string) {
	t.mu.Lock()
	c, ok := t.conns[address]
	delete(t.conns, address)
	t.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close closes every connection. Calls made afterwards fail.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*grpc.ClientConn)
	t.closed = true
	t.mu.Unlock()

	var errs []error
	for addr, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// callService is the server side of the node service.
type callService interface {
	handleCall(ctx context.Context, req CallRequest) (string, error)
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		call, err := callRequestFromStruct(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "malformed call: %v", err)
		}
		reply, err := srv.(callService).handleCall(callcontext.WithSenderID(ctx, call.Sender), call)
		if err != nil {
			return nil, err
		}
		return protohelper.StringsToStruct(map[string]string{fieldReply: reply}), nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	return interceptor(ctx, in, info, handle)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*callService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: callMethodName, Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "isek/node/node.proto",
}
