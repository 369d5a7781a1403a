package raft

import (
	"fmt"

	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

type pendingChange struct {
	change   *protocol.MembershipChange
	position int64
}

// membershipCoordinator admits one membership change at a time. A change
// takes effect on every node when its entry is applied.
type membershipCoordinator struct {
	n       *Node
	pending *pendingChange

	// removedAt is the position of an applied removal of this node, or -1.
	// The node terminates only if it is still inactive once it has applied
	// everything the leader had committed, since a later entry may add it
	// back.
	removedAt int64
}

func newMembershipCoordinator(n *Node) *membershipCoordinator {
	return &membershipCoordinator{n: n, removedAt: -1}
}

func (m *membershipCoordinator) reset() {
	m.pending = nil
}

func (m *membershipCoordinator) pendingAdd() (*protocol.MembershipChange, bool) {
	if m.pending == nil || m.pending.change.Kind != protocol.ChangeAdd {
		return nil, false
	}
	return m.pending.change, true
}

func (m *membershipCoordinator) checkRequest() error {
	n := m.n
	if !n.isSteadyLeader() {
		return ErrNotLeader
	}
	if m.pending != nil {
		return fmt.Errorf("%w: %s of member %d at %d",
			ErrMembershipChangeInFlight, m.pending.change.Kind, m.pending.change.MemberID, m.pending.position)
	}
	if n.termination.inProgress() {
		return ErrTerminationInProgress
	}
	return nil
}

func (m *membershipCoordinator) addMember(id int32, endpoints string, now int64) error {
	if err := m.checkRequest(); err != nil {
		return err
	}
	n := m.n

	if id < 0 {
		return fmt.Errorf("%w: member id %d", ErrUnknownMember, id)
	}
	parsed, err := clustercfg.ParseEndpoints(endpoints)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoints, err)
	}
	if n.registry.isActive(id) {
		return fmt.Errorf("%w: %d", ErrMemberExists, id)
	}

	change := &protocol.MembershipChange{
		Kind:                protocol.ChangeAdd,
		MemberID:            id,
		Endpoints:           parsed.String(),
		RequestedAtPosition: n.appendPosition(),
	}
	if err := m.append(change); err != nil {
		return err
	}

	n.updateTransport()
	n.replication.addView(id, n.commitPosition, now)
	return nil
}

func (m *membershipCoordinator) removeMember(id int32, passive bool, now int64) error {
	if err := m.checkRequest(); err != nil {
		return err
	}
	n := m.n

	if !n.registry.isActive(id) {
		return fmt.Errorf("%w: %d", ErrUnknownMember, id)
	}
	if id == n.id {
		return ErrCannotRemoveLeader
	}

	change := &protocol.MembershipChange{
		Kind:                protocol.ChangeRemove,
		MemberID:            id,
		Passive:             passive,
		RequestedAtPosition: n.appendPosition(),
	}
	if err := m.append(change); err != nil {
		return err
	}

	if passive {
		n.replication.removeView(id)
	}
	return nil
}

func (m *membershipCoordinator) append(change *protocol.MembershipChange) error {
	n := m.n
	position, err := n.appendEntry(protocol.MembershipChangeEntry(n.termID, change, n.wallMs()))
	if err != nil {
		return err
	}
	m.pending = &pendingChange{change: change, position: position}
	log.Infof("member %d appended %s of member %d at %d", n.id, change.Kind, change.MemberID, position)
	return nil
}

// recoverPending finds a change appended by an earlier leader that is not
// yet committed, so a new leader does not admit a second one.
func (m *membershipCoordinator) recoverPending(now int64) {
	n := m.n
	m.pending = nil

	_, err := n.recording.Replay(n.commitPosition, n.appendPosition(), func(position int64, data []byte) bool {
		e, err := protocol.DecodeEntry(data)
		if err != nil || e.Type != protocol.EntryMembershipChange {
			return true
		}
		change, err := protocol.DecodeMembershipChange(e.Payload)
		if err != nil {
			return true
		}
		m.pending = &pendingChange{change: change, position: position}
		return true
	})
	if err != nil {
		log.Warnf("member %d failed to scan uncommitted log for membership changes: %v", n.id, err)
		return
	}

	if m.pending != nil {
		change := m.pending.change
		log.Infof("member %d resuming %s of member %d at %d", n.id, change.Kind, change.MemberID, m.pending.position)
		switch {
		case change.Kind == protocol.ChangeAdd:
			n.replication.addView(change.MemberID, n.commitPosition, now)
		case change.Passive:
			n.replication.removeView(change.MemberID)
		}
	}
}

// onCommitted applies a committed change to the registry.
func (m *membershipCoordinator) onCommitted(change *protocol.MembershipChange, position int64, now int64, replaying bool) {
	n := m.n
	if err := n.registry.apply(change); err != nil {
		n.protocolError(fmt.Errorf("membership change at %d: %w", position, err))
		return
	}
	if m.pending != nil && m.pending.position == position {
		m.pending = nil
	}

	log.Infof("member %d applied %s of member %d at %d, active members: %s",
		n.id, change.Kind, change.MemberID, position, n.registry.membersString(true))

	if n.role == RoleLeader {
		switch change.Kind {
		case protocol.ChangeAdd:
			n.replication.addView(change.MemberID, n.commitPosition, now)
		case protocol.ChangeRemove:
			n.replication.releaseView(change.MemberID, now)
		}
	}

	if replaying {
		return
	}
	n.persistRegistry()
	n.updateTransport()

	if change.MemberID == n.id {
		if change.Kind == protocol.ChangeRemove {
			m.removedAt = position
		} else {
			m.removedAt = -1
		}
	}
}

// checkRemoval terminates a removed node once it has applied the leader's
// commit position and no later change made it active again. A leader that
// went silent after the removal counts as caught up.
func (m *membershipCoordinator) checkRemoval(now int64) int {
	n := m.n
	if m.removedAt < 0 || n.appliedPosition < n.commitPosition {
		return 0
	}
	caughtUp := n.commitPosition >= n.replication.leaderCommit
	leaderLost := now-n.leaderContactMs > ms(n.cfg.LeaderHeartbeatTimeout)
	if !caughtUp && !leaderLost {
		return 0
	}

	removedAt := m.removedAt
	m.removedAt = -1
	if n.registry.isActive(n.id) {
		return 0
	}
	log.Infof("member %d removed at %d, applied up to %d", n.id, removedAt, n.appliedPosition)
	n.termination.terminate(now, "removed from cluster")
	return 1
}

func (m *membershipCoordinator) listMembers() clustercfg.Membership {
	n := m.n
	return clustercfg.Membership{
		MemberID:       n.id,
		LeaderID:       n.leaderID,
		ActiveMembers:  n.registry.membersString(true),
		PassiveMembers: n.registry.membersString(false),
		Members:        n.registry.toConfig(),
	}
}
