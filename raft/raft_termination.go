package raft

import (
	"github.com/arbha1erao/cluster/protocol"
	"github.com/arbha1erao/cluster/utils"
)

type terminationState int

const (
	terminationNone terminationState = iota
	terminationRequested
	terminationAwaitingAcks
)

// terminationCoordinator drives a cluster-wide shutdown or abort. The
// leader appends the action, every member terminates once it is applied,
// and the leader waits for the followers' acks before terminating itself.
type terminationCoordinator struct {
	n          *Node
	state      terminationState
	action     protocol.ClusterAction
	position   int64
	deadlineMs int64
	awaiting   []int32
}

func newTerminationCoordinator(n *Node) *terminationCoordinator {
	return &terminationCoordinator{n: n}
}

func (t *terminationCoordinator) inProgress() bool {
	return t.state != terminationNone
}

func (t *terminationCoordinator) request(action protocol.ClusterAction, now int64) error {
	n := t.n
	if !n.isSteadyLeader() {
		if action == protocol.ActionAbort {
			t.terminate(now, "local abort without leadership")
			return nil
		}
		return ErrNotLeader
	}
	if t.inProgress() {
		return ErrTerminationInProgress
	}

	position, err := n.appendEntry(protocol.ClusterActionEntry(n.termID, action, n.wallMs()))
	if err != nil {
		return err
	}
	t.state = terminationRequested
	t.action = action
	t.position = position
	t.deadlineMs = now + ms(n.cfg.TerminationTimeout)
	log.Infof("member %d requested cluster %s at log position %d", n.id, action, position)
	return nil
}

// onCommitted runs when a shutdown or abort entry is applied. A shutdown's
// snapshot has already been taken.
func (t *terminationCoordinator) onCommitted(action protocol.ClusterAction, position int64, now int64) {
	n := t.n
	if n.role != RoleLeader {
		if n.leaderID >= 0 {
			n.send(n.leaderID, &protocol.Message{
				Type:        protocol.MsgTerminationAck,
				TermID:      n.termID,
				LogPosition: position,
			})
		}
		t.terminate(now, action.String())
		return
	}

	if t.state == terminationNone {
		t.deadlineMs = now + ms(n.cfg.TerminationTimeout)
	}
	t.state = terminationAwaitingAcks
	t.action = action
	t.position = position
	t.awaiting = t.awaiting[:0]
	for _, m := range n.registry.peers() {
		t.awaiting = append(t.awaiting, m.ID)
	}
	log.Infof("member %d applied %s at %d, awaiting %d members", n.id, action, position, len(t.awaiting))
}

func (t *terminationCoordinator) onTerminationAck(msg *protocol.Message) {
	if t.state != terminationAwaitingAcks || msg.LogPosition != t.position {
		return
	}
	utils.RemoveSliceElementInPlace(&t.awaiting, msg.From)
}

func (t *terminationCoordinator) doWork(now int64) int {
	n := t.n
	switch t.state {
	case terminationRequested:
		if now >= t.deadlineMs {
			log.Warnf("member %d %s at %d not committed within %v, aborting",
				n.id, t.action, t.position, n.cfg.TerminationTimeout)
			t.terminate(now, "termination timeout")
			return 1
		}
	case terminationAwaitingAcks:
		if len(t.awaiting) == 0 {
			t.terminate(now, t.action.String())
			return 1
		}
		if now >= t.deadlineMs {
			log.Warnf("member %d termination timeout: members %v did not acknowledge %s at %d, aborting",
				n.id, t.awaiting, t.action, t.position)
			t.terminate(now, "termination timeout")
			return 1
		}
	}
	return 0
}

// terminate stops the node. The driver loop exits after the current cycle.
func (t *terminationCoordinator) terminate(now int64, reason string) {
	n := t.n
	if n.terminated.Load() {
		return
	}
	log.Infof("member %d terminating: %s", n.id, reason)
	n.terminated.Store(true)
}
