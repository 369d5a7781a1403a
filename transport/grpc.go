package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

const (
	codecName     = "cluster-json"
	serviceName   = "cluster.Consensus"
	deliverMethod = "/" + serviceName + "/Deliver"

	// DefaultOutboxSize is the per-peer outbound queue length.
	DefaultOutboxSize = 4096
	// DefaultCallTimeout bounds a single delivery call.
	DefaultCallTimeout = 2 * time.Second
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type deliverAck struct{}

type consensusServer interface {
	Deliver(ctx context.Context, msg *protocol.Message) (*deliverAck, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(protocol.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(consensusServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(consensusServer).Deliver(ctx, req.(*protocol.Message))
	}
	return interceptor(ctx, in, info, handler)
}

var consensusServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*consensusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "consensus",
}

type inbound struct {
	t *GRPCTransport
}

func (s inbound) Deliver(_ context.Context, msg *protocol.Message) (*deliverAck, error) {
	if s.t.isClosed() {
		return nil, status.Error(codes.Unavailable, "transport closed")
	}
	select {
	case s.t.inbox <- msg:
		return &deliverAck{}, nil
	default:
		return nil, status.Error(codes.ResourceExhausted, "inbox full")
	}
}

// GRPCTransport carries consensus messages between nodes over gRPC. Each
// peer has an ordered outbound queue drained by its own goroutine.
type GRPCTransport struct {
	id          int32
	server      *grpc.Server
	listener    net.Listener
	inbox       chan *protocol.Message
	callTimeout time.Duration

	mu     sync.Mutex
	peers  map[int32]*peer
	closed bool
}

type peer struct {
	id     int32
	addr   string
	conn   *grpc.ClientConn
	outbox chan *protocol.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGRPCTransport listens on listenAddr and starts serving.
func NewGRPCTransport(id int32, listenAddr string) (*GRPCTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	t := &GRPCTransport{
		id:          id,
		server:      grpc.NewServer(),
		listener:    ln,
		inbox:       make(chan *protocol.Message, DefaultInboxSize),
		callTimeout: DefaultCallTimeout,
		peers:       make(map[int32]*peer),
	}
	t.server.RegisterService(&consensusServiceDesc, inbound{t: t})

	go func() {
		log.Infof("member %d consensus transport listening on %s", id, ln.Addr())
		if err := t.server.Serve(ln); err != nil {
			log.Errorf("member %d consensus transport stopped: %v", id, err)
		}
	}()

	return t, nil
}

// Addr is the bound listen address.
func (t *GRPCTransport) Addr() string {
	return t.listener.Addr().String()
}

func (t *GRPCTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// UpdateMembers connects to every active member and drops the rest.
func (t *GRPCTransport) UpdateMembers(members []clustercfg.Member) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	wanted := make(map[int32]string)
	for _, m := range members {
		if m.ID != t.id && m.Active {
			wanted[m.ID] = m.Endpoints.Consensus
		}
	}

	for id, p := range t.peers {
		if addr, ok := wanted[id]; !ok || addr != p.addr {
			p.stop()
			delete(t.peers, id)
			log.Infof("member %d dropped peer %d at %s", t.id, id, p.addr)
		}
	}

	for id, addr := range wanted {
		if _, ok := t.peers[id]; ok {
			continue
		}
		p, err := t.dial(id, addr)
		if err != nil {
			log.Errorf("member %d failed to create client for peer %d at %s: %v", t.id, id, addr, err)
			continue
		}
		t.peers[id] = p
		log.Infof("member %d connected peer %d at %s", t.id, id, addr)
	}
}

func (t *GRPCTransport) dial(id int32, addr string) (*peer, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		id:     id,
		addr:   addr,
		conn:   conn,
		outbox: make(chan *protocol.Message, DefaultOutboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.run(t.id, t.callTimeout)
	return p, nil
}

func (p *peer) run(self int32, callTimeout time.Duration) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.outbox:
			ctx, cancel := context.WithTimeout(p.ctx, callTimeout)
			var ack deliverAck
			err := p.conn.Invoke(ctx, deliverMethod, msg, &ack)
			cancel()
			if err != nil {
				log.Debugf("member %d failed to deliver %s to %d: %v", self, msg.Type, p.id, err)
			}
		}
	}
}

func (p *peer) stop() {
	p.cancel()
	p.wg.Wait()
	p.conn.Close()
}

// Send queues msg for member to without blocking.
func (t *GRPCTransport) Send(to int32, msg *protocol.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	p, ok := t.peers[to]
	t.mu.Unlock()

	if !ok {
		return ErrUnknownMember
	}

	select {
	case p.outbox <- msg:
		return nil
	default:
		return ErrWouldBlock
	}
}

// Poll hands up to limit received messages to handler.
func (t *GRPCTransport) Poll(handler func(*protocol.Message), limit int) int {
	for i := 0; i < limit; i++ {
		select {
		case msg := <-t.inbox:
			handler(msg)
		default:
			return i
		}
	}
	return limit
}

// Close stops the server and every peer connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[int32]*peer)
	t.mu.Unlock()

	for _, p := range peers {
		p.stop()
	}
	t.server.Stop()
	return nil
}
