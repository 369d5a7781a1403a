package raft

import (
	"context"
	"fmt"

	"github.com/arbha1erao/cluster/archive"
	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

type requestKind int

const (
	requestOffer requestKind = iota
	requestAddMember
	requestRemoveMember
	requestListMembers
	requestSnapshot
	requestShutdown
	requestAbort
)

type request struct {
	kind      requestKind
	sessionID int64
	payload   []byte
	memberID  int32
	endpoints string
	passive   bool
	reply     chan response
}

type response struct {
	position   int64
	membership clustercfg.Membership
	err        error
}

const maxRequestsPerCycle = 64

func (n *Node) processRequests(now int64) int {
	for i := 0; i < maxRequestsPerCycle; i++ {
		select {
		case req := <-n.requests:
			req.reply <- n.handleRequest(req, now)
		default:
			return i
		}
	}
	return maxRequestsPerCycle
}

func (n *Node) handleRequest(req *request, now int64) response {
	if n.terminated.Load() {
		return response{err: ErrNodeStopped}
	}

	switch req.kind {
	case requestOffer:
		if !n.isSteadyLeader() {
			return response{err: ErrNotLeader}
		}
		if n.termination.inProgress() {
			return response{err: ErrTerminationInProgress}
		}
		position, err := n.appendEntry(&protocol.Entry{
			TermID:    n.termID,
			Type:      protocol.EntryCommand,
			Timestamp: n.wallMs(),
			SessionID: req.sessionID,
			Payload:   req.payload,
		})
		return response{position: position, err: err}

	case requestAddMember:
		return response{err: n.membership.addMember(req.memberID, req.endpoints, now)}

	case requestRemoveMember:
		return response{err: n.membership.removeMember(req.memberID, req.passive, now)}

	case requestListMembers:
		return response{membership: n.membership.listMembers()}

	case requestSnapshot:
		position, err := n.snapshotter.requestSnapshot()
		return response{position: position, err: err}

	case requestShutdown:
		return response{err: n.termination.request(protocol.ActionShutdown, now)}

	case requestAbort:
		return response{err: n.termination.request(protocol.ActionAbort, now)}
	}
	return response{err: fmt.Errorf("unknown request kind %d", req.kind)}
}

func (n *Node) drainRequests() {
	for {
		select {
		case req := <-n.requests:
			req.reply <- response{err: ErrNodeStopped}
		default:
			return
		}
	}
}

// call queues req for the driver and waits for its reply.
func (n *Node) call(ctx context.Context, req *request, blocking bool) (response, error) {
	if !n.started.Load() {
		return response{}, ErrNodeStopped
	}
	req.reply = make(chan response, 1)

	if blocking {
		select {
		case n.requests <- req:
		case <-ctx.Done():
			return response{}, ctx.Err()
		case <-n.done:
			return response{}, ErrNodeStopped
		}
	} else {
		select {
		case n.requests <- req:
		case <-n.done:
			return response{}, ErrNodeStopped
		default:
			return response{}, ErrBackPressured
		}
	}

	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-n.done:
		select {
		case resp := <-req.reply:
			return resp, resp.err
		default:
			return response{}, ErrNodeStopped
		}
	}
}

// Offer appends a command to the log of the leader and returns the log
// position after it. The command is applied once that position commits.
func (n *Node) Offer(ctx context.Context, sessionID int64, payload []byte) (int64, error) {
	if len(payload) > archive.MaxFrameLength-protocol.EntryHeaderLength {
		return 0, fmt.Errorf("%w: payload of %d bytes", archive.ErrFrameTooLarge, len(payload))
	}
	resp, err := n.call(ctx, &request{kind: requestOffer, sessionID: sessionID, payload: payload}, false)
	return resp.position, err
}

// AddMember proposes adding member id with "ingress,consensus" endpoints.
func (n *Node) AddMember(ctx context.Context, id int32, endpoints string) error {
	_, err := n.call(ctx, &request{kind: requestAddMember, memberID: id, endpoints: endpoints}, true)
	return err
}

// RemoveMember proposes removing member id. A passive removal stops
// replicating to the member immediately.
func (n *Node) RemoveMember(ctx context.Context, id int32, passive bool) error {
	_, err := n.call(ctx, &request{kind: requestRemoveMember, memberID: id, passive: passive}, true)
	return err
}

func (n *Node) ListMembers(ctx context.Context) (clustercfg.Membership, error) {
	resp, err := n.call(ctx, &request{kind: requestListMembers}, true)
	return resp.membership, err
}

// RequestSnapshot appends a snapshot marker; every member snapshots when it
// applies the marker.
func (n *Node) RequestSnapshot(ctx context.Context) error {
	_, err := n.call(ctx, &request{kind: requestSnapshot}, true)
	return err
}

// Shutdown snapshots and terminates the whole cluster. Leader only.
func (n *Node) Shutdown(ctx context.Context) error {
	_, err := n.call(ctx, &request{kind: requestShutdown}, true)
	return err
}

// Abort terminates the whole cluster without a snapshot. On a follower it
// terminates only this node.
func (n *Node) Abort(ctx context.Context) error {
	_, err := n.call(ctx, &request{kind: requestAbort}, true)
	return err
}

var _ clustercfg.Controller = (*Node)(nil)
