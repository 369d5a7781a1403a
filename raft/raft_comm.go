package raft

import (
	"errors"

	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

// send hands msg to the transport. Delivery is best effort; every protocol
// exchange is retried by the sender's own timers.
func (n *Node) send(to int32, msg *protocol.Message) {
	out := *msg
	out.From = n.id
	if err := n.transport.Send(to, &out); err != nil {
		log.Debugf("member %d failed to send %s to %d: %v", n.id, msg.Type, to, err)
	}
}

// broadcast sends msg to every active member except this node.
func (n *Node) broadcast(msg *protocol.Message) {
	msg.From = n.id
	for _, m := range n.registry.peers() {
		if err := n.transport.Send(m.ID, msg); err != nil {
			log.Debugf("member %d failed to send %s to %d: %v", n.id, msg.Type, m.ID, err)
		}
	}
}

// updateTransport gives the transport every member it must reach,
// including a member whose addition is not yet committed.
func (n *Node) updateTransport() {
	members := n.registry.toConfig()
	if change, ok := n.membership.pendingAdd(); ok {
		endpoints, err := clustercfg.ParseEndpoints(change.Endpoints)
		if err == nil {
			members = append(members, clustercfg.Member{ID: change.MemberID, Endpoints: endpoints, Active: true})
		}
	}
	n.transport.UpdateMembers(members)
}

func (n *Node) knownSender(id int32) bool {
	if _, ok := n.registry.member(id); ok {
		return true
	}
	change, ok := n.membership.pendingAdd()
	return ok && change.MemberID == id
}

func (n *Node) onMessage(msg *protocol.Message, now int64) {
	if err := msg.Validate(); err != nil {
		n.protocolError(err)
		return
	}
	if msg.From == n.id {
		return
	}
	if !n.knownSender(msg.From) {
		log.Debugf("member %d dropped %s from unknown member %d", n.id, msg.Type, msg.From)
		return
	}

	switch msg.Type {
	case protocol.MsgCanvassPosition:
		n.onCanvassPosition(msg, now)
	case protocol.MsgRequestVote:
		n.onRequestVote(msg, now)
	case protocol.MsgVote:
		n.onVote(msg, now)
	case protocol.MsgNewLeadershipTerm:
		n.onNewLeadershipTerm(msg, now)
	case protocol.MsgAppendRequest:
		n.replication.onAppendRequest(msg, now)
	case protocol.MsgAppendPosition:
		n.onAppendPosition(msg, now)
	case protocol.MsgCatchupRequest:
		n.onCatchupRequest(msg, now)
	case protocol.MsgInstallSnapshot:
		n.snapshotter.onInstallSnapshot(msg, now)
	case protocol.MsgTerminationAck:
		n.termination.onTerminationAck(msg)
	}
}

var errProtocol = errors.New("raft: protocol error")

// protocolError counts a message no correct peer sends. The message is
// dropped and the node keeps running.
func (n *Node) protocolError(err error) {
	n.errorCounter.Increment()
	log.Warnf("member %d %v: %v", n.id, errProtocol, err)
}
