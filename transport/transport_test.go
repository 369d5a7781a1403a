package transport

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/encoding"

	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

func pollOne(t *testing.T, poll func(func(*protocol.Message), int) int, timeout time.Duration) *protocol.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got *protocol.Message
	for time.Now().Before(deadline) {
		poll(func(m *protocol.Message) { got = m }, 1)
		if got != nil {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message received within %v", timeout)
	return nil
}

func TestMemoryTransportSendPoll(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.Transport(0)
	b := network.Transport(1)

	for i := int64(1); i <= 3; i++ {
		if err := a.Send(1, &protocol.Message{Type: protocol.MsgCanvassPosition, From: 0, TermID: i}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	var terms []int64
	n := b.Poll(func(m *protocol.Message) { terms = append(terms, m.TermID) }, 10)
	if n != 3 {
		t.Fatalf("Poll = %d, want 3", n)
	}
	for i, term := range terms {
		if term != int64(i+1) {
			t.Errorf("message %d term = %d, want %d (order)", i, term, i+1)
		}
	}

	if n := b.Poll(func(*protocol.Message) {}, 10); n != 0 {
		t.Errorf("Poll on empty inbox = %d", n)
	}
}

func TestMemoryTransportFailures(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.Transport(0)
	b := network.Transport(1)
	msg := &protocol.Message{Type: protocol.MsgVote, From: 0}

	if err := a.Send(7, msg); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send to unknown member error = %v, want ErrUnreachable", err)
	}

	network.Disconnect(0, 1)
	if err := a.Send(1, msg); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send across cut error = %v, want ErrUnreachable", err)
	}
	network.Reconnect(0, 1)
	if err := a.Send(1, msg); err != nil {
		t.Errorf("Send after reconnect failed: %v", err)
	}

	network.Isolate(1)
	if err := b.Send(0, msg); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send from isolated member error = %v, want ErrUnreachable", err)
	}
	network.Heal()

	for i := 0; i < DefaultInboxSize-1; i++ {
		if err := a.Send(1, msg); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if err := a.Send(1, msg); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Send to full inbox error = %v, want ErrWouldBlock", err)
	}

	restarted := network.Transport(1)
	if err := b.Send(0, msg); !errors.Is(err, ErrClosed) {
		t.Errorf("Send on replaced transport error = %v, want ErrClosed", err)
	}
	if err := a.Send(1, msg); err != nil {
		t.Errorf("Send to restarted member failed: %v", err)
	}
	if restarted.Poll(func(*protocol.Message) {}, 10) != 1 {
		t.Error("restarted transport should only see new messages")
	}
}

func TestGRPCTransportDelivers(t *testing.T) {
	a, err := NewGRPCTransport(0, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewGRPCTransport failed: %v", err)
	}
	defer a.Close()

	b, err := NewGRPCTransport(1, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewGRPCTransport failed: %v", err)
	}
	defer b.Close()

	members := []clustercfg.Member{
		{ID: 0, Active: true, Endpoints: clustercfg.Endpoints{Ingress: "127.0.0.1:1", Consensus: a.Addr()}},
		{ID: 1, Active: true, Endpoints: clustercfg.Endpoints{Ingress: "127.0.0.1:2", Consensus: b.Addr()}},
	}
	a.UpdateMembers(members)
	b.UpdateMembers(members)

	if err := a.Send(0, &protocol.Message{}); !errors.Is(err, ErrUnknownMember) {
		t.Errorf("Send to self error = %v, want ErrUnknownMember", err)
	}

	sent := &protocol.Message{
		Type:           protocol.MsgAppendRequest,
		From:           0,
		LeaderID:       0,
		TermID:         3,
		PrevPosition:   128,
		CommitPosition: 64,
		Entries:        [][]byte{[]byte("entry-one"), []byte("entry-two")},
	}
	if err := a.Send(1, sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := pollOne(t, b.Poll, 5*time.Second)
	if got.Type != sent.Type || got.TermID != 3 || got.PrevPosition != 128 || got.CommitPosition != 64 {
		t.Errorf("received %+v", got)
	}
	if len(got.Entries) != 2 || string(got.Entries[1]) != "entry-two" {
		t.Errorf("received entries %q", got.Entries)
	}

	a.UpdateMembers(members[:1])
	if err := a.Send(1, sent); !errors.Is(err, ErrUnknownMember) {
		t.Errorf("Send to dropped peer error = %v, want ErrUnknownMember", err)
	}

	a.Close()
	if err := a.Send(1, sent); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close error = %v, want ErrClosed", err)
	}
}

func TestGRPCCodecRegistration(t *testing.T) {
	if codecName != "cluster-json" {
		t.Errorf("codec name = %q", codecName)
	}
	if _, ok := encoding.GetCodec(codecName).(jsonCodec); !ok {
		t.Errorf("codec %q is not registered", codecName)
	}
	if _, ok := encoding.GetCodec("json").(jsonCodec); ok {
		t.Error("codec registered under the shared name json")
	}
}
