package transport

import (
	"errors"
	"sync"

	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("transport")

var (
	ErrClosed        = errors.New("transport: closed")
	ErrWouldBlock    = errors.New("transport: would block")
	ErrUnreachable   = errors.New("transport: member unreachable")
	ErrUnknownMember = errors.New("transport: unknown member")
)

// DefaultInboxSize is the inbound queue length of a transport.
const DefaultInboxSize = 8192

// MemoryNetwork connects MemoryTransports inside one process.
type MemoryNetwork struct {
	mu         sync.RWMutex
	transports map[int32]*MemoryTransport
	cut        map[[2]int32]bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		transports: make(map[int32]*MemoryTransport),
		cut:        make(map[[2]int32]bool),
	}
}

// Transport registers a transport for member id, replacing and closing any
// earlier transport of the same member.
func (n *MemoryNetwork) Transport(id int32) *MemoryTransport {
	t := &MemoryTransport{
		id:      id,
		network: n,
		inbox:   make(chan *protocol.Message, DefaultInboxSize),
	}

	n.mu.Lock()
	prev := n.transports[id]
	n.transports[id] = t
	n.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return t
}

// Disconnect drops traffic between a and b in both directions.
func (n *MemoryNetwork) Disconnect(a, b int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]int32{a, b}] = true
	n.cut[[2]int32{b, a}] = true
}

// Reconnect restores traffic between a and b.
func (n *MemoryNetwork) Reconnect(a, b int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]int32{a, b})
	delete(n.cut, [2]int32{b, a})
}

// Isolate disconnects id from every registered member.
func (n *MemoryNetwork) Isolate(id int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.transports {
		if other != id {
			n.cut[[2]int32{id, other}] = true
			n.cut[[2]int32{other, id}] = true
		}
	}
}

// Heal removes every disconnection.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[[2]int32]bool)
}

func (n *MemoryNetwork) route(from, to int32) (*MemoryTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.cut[[2]int32{from, to}] {
		return nil, ErrUnreachable
	}
	t, ok := n.transports[to]
	if !ok {
		return nil, ErrUnreachable
	}
	return t, nil
}

// MemoryTransport delivers messages through a MemoryNetwork.
type MemoryTransport struct {
	id      int32
	network *MemoryNetwork
	inbox   chan *protocol.Message

	mu     sync.RWMutex
	closed bool
}

func (t *MemoryTransport) ID() int32 {
	return t.id
}

// Send queues msg on the destination without blocking.
func (t *MemoryTransport) Send(to int32, msg *protocol.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	dst, err := t.network.route(t.id, to)
	if err != nil {
		return err
	}

	dst.mu.RLock()
	defer dst.mu.RUnlock()
	if dst.closed {
		return ErrUnreachable
	}

	select {
	case dst.inbox <- msg:
		return nil
	default:
		return ErrWouldBlock
	}
}

// Poll hands up to limit queued messages to handler.
func (t *MemoryTransport) Poll(handler func(*protocol.Message), limit int) int {
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

// UpdateMembers is a no-op: routing is by member id.
func (t *MemoryTransport) UpdateMembers([]clustercfg.Member) {}

func (t *MemoryTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
