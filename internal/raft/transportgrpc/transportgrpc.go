// Package transportgrpc carries RequestVote and AppendEntries over gRPC.
//
// Messages are the JSON-tagged DTOs of package transport encoded with a JSON
// codec, so no generated protobuf code is involved.
package transportgrpc

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

const (
	serviceName         = "consensus.Raft"
	methodRequestVote   = "/" + serviceName + "/RequestVote"
	methodAppendEntries = "/" + serviceName + "/AppendEntries"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

// --- Server ---

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
	},
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(transport.Handler).HandleRequestVote(ctx, *req.(*transport.RequestVoteRequest))
		if err != nil {
			return nil, err
		}
		return &resp, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestVote}, call)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(transport.Handler).HandleAppendEntries(ctx, *req.(*transport.AppendEntriesRequest))
		if err != nil {
			return nil, err
		}
		return &resp, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAppendEntries}, call)
}

// Server serves a node's RPC handler over gRPC.
type Server struct {
	srv *grpc.Server
}

func NewServer(handler transport.Handler, opts ...grpc.ServerOption) *Server {
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&serviceDesc, handler)
	return &Server{srv: srv}
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

func (s *Server) Stop() {
	s.srv.GracefulStop()
}

// --- Client ---

// GRPCTransport implements transport.Transport, keeping one connection per peer.
type GRPCTransport struct {
	resolver *transport.PeerResolver
	opts     []grpc.DialOption

	mu    sync.Mutex
	conns map[types.NodeID]*grpc.ClientConn
}

func NewGRPCTransport(resolver *transport.PeerResolver, opts ...grpc.DialOption) *GRPCTransport {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, opts...)
	return &GRPCTransport{
		resolver: resolver,
		opts:     opts,
		conns:    make(map[types.NodeID]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) conn(to types.NodeID) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cc, ok := t.conns[to]; ok {
		return cc, nil
	}
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return nil, err
	}
	cc, err := grpc.NewClient(addr, t.opts...)
	if err != nil {
		return nil, err
	}
	t.conns[to] = cc
	return cc, nil
}

func (t *GRPCTransport) RequestVote(ctx context.Context, to types.NodeID, req transport.RequestVoteRequest) (transport.RequestVoteResponse, error) {
	var resp transport.RequestVoteResponse
	cc, err := t.conn(to)
	if err != nil {
		return resp, err
	}
	err = cc.Invoke(ctx, methodRequestVote, &req, &resp)
	return resp, err
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, to types.NodeID, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	var resp transport.AppendEntriesResponse
	cc, err := t.conn(to)
	if err != nil {
		return resp, err
	}
	err = cc.Invoke(ctx, methodAppendEntries, &req, &resp)
	return resp, err
}

// Close tears down every cached peer connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for id, cc := range t.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, id)
	}
	return firstErr
}
