package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

const (
	codecName     = "json"
	deliverMethod = "/p2pnet.v1.Mesh/Deliver"
)

// jsonCodec lets envelopes travel over gRPC without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type DeliverReply struct {
	Accepted bool `json:"accepted"`
}

type meshServer interface {
	Deliver(ctx context.Context, env *p2papi.Envelope) (*DeliverReply, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(p2papi.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(meshServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(meshServer).Deliver(ctx, req.(*p2papi.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var meshServiceDesc = grpc.ServiceDesc{
	ServiceName: "p2pnet.v1.Mesh",
	HandlerType: (*meshServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "p2pnet/v1/mesh",
}

// GRPC carries envelopes between processes. Nodes registered locally are
// served by this process; every other destination is looked up in the peer
// address book.
type GRPC struct {
	mu     sync.RWMutex
	local  map[string]*mailbox
	peers  map[string]string
	conns  map[string]*grpc.ClientConn
	server *grpc.Server
}

func NewGRPC() *GRPC {
	g := &GRPC{
		local: make(map[string]*mailbox),
		peers: make(map[string]string),
		conns: make(map[string]*grpc.ClientConn),
	}
	g.server = grpc.NewServer()
	g.server.RegisterService(&meshServiceDesc, g)
	return g
}

func (g *GRPC) Register(nodeID string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.local[nodeID]; ok {
		old.close()
	}
	g.local[nodeID] = newMailbox(nodeID, h)
}

// AddPeer records the listen address of a remote node.
func (g *GRPC) AddPeer(nodeID, addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[nodeID] = addr
}

func (g *GRPC) Peers() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.peers))
	for k, v := range g.peers {
		out[k] = v
	}
	return out
}

// Serve blocks serving inbound deliveries on lis.
func (g *GRPC) Serve(lis net.Listener) error {
	log.Info().Str("component", "transport").Str("addr", lis.Addr().String()).Msg("grpc transport listening")
	return g.server.Serve(lis)
}

func (g *GRPC) Deliver(ctx context.Context, env *p2papi.Envelope) (*DeliverReply, error) {
	g.mu.RLock()
	box, ok := g.local[env.DstNode]
	g.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "node %s is not served here", env.DstNode)
	}
	if err := box.put(ctx, *env); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &DeliverReply{Accepted: true}, nil
}

func (g *GRPC) Send(ctx context.Context, dst string, env p2papi.Envelope) error {
	g.mu.RLock()
	box, isLocal := g.local[dst]
	addr, isPeer := g.peers[dst]
	g.mu.RUnlock()
	if isLocal {
		if err := box.put(ctx, env); err != nil {
			dropped(env, dst, err)
			return err
		}
		return nil
	}
	if !isPeer {
		dropped(env, dst, ErrUnreachable)
		return ErrUnreachable
	}
	conn, err := g.conn(addr)
	if err != nil {
		dropped(env, dst, err)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var reply DeliverReply
	if err := conn.Invoke(ctx, deliverMethod, &env, &reply, grpc.CallContentSubtype(codecName)); err != nil {
		dropped(env, dst, err)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	observability.Default.IncCounter("transport_sent_total", map[string]string{"msg_type": string(env.MsgType)}, 1)
	return nil
}

func (g *GRPC) conn(addr string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	g.conns[addr] = c
	return c, nil
}

func (g *GRPC) Close() {
	g.server.GracefulStop()
	g.mu.Lock()
	defer g.mu.Unlock()
	for addr, c := range g.conns {
		_ = c.Close()
		delete(g.conns, addr)
	}
	for id, box := range g.local {
		box.close()
		delete(g.local, id)
	}
}
