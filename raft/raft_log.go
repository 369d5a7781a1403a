package raft

import (
	"fmt"
	"sort"

	"github.com/arbha1erao/cluster/archive"
	"github.com/arbha1erao/cluster/protocol"
)

// termHistory maps log positions to terms. Positions at or before base
// belong to baseTermID.
type termHistory struct {
	basePosition int64
	baseTermID   int64
	terms        []LeadershipTerm
}

func (h *termHistory) reset(basePosition, baseTermID int64) {
	h.basePosition = basePosition
	h.baseTermID = baseTermID
	h.terms = nil
}

func (h *termHistory) append(t LeadershipTerm) {
	h.truncate(t.LogPositionAtStart)
	h.terms = append(h.terms, t)
}

// termAt returns the term of the entry ending at position.
func (h *termHistory) termAt(position int64) int64 {
	i := sort.Search(len(h.terms), func(i int) bool { return h.terms[i].LogPositionAtStart >= position })
	if i == 0 {
		return h.baseTermID
	}
	return h.terms[i-1].TermID
}

// termStart returns where the term of the entry ending at position began.
func (h *termHistory) termStart(position int64) int64 {
	i := sort.Search(len(h.terms), func(i int) bool { return h.terms[i].LogPositionAtStart >= position })
	if i == 0 {
		return h.basePosition
	}
	return h.terms[i-1].LogPositionAtStart
}

// truncate drops every term starting at or after position.
func (h *termHistory) truncate(position int64) {
	i := sort.Search(len(h.terms), func(i int) bool { return h.terms[i].LogPositionAtStart >= position })
	h.terms = h.terms[:i]
}

func (h *termHistory) last() (LeadershipTerm, bool) {
	if len(h.terms) == 0 {
		return LeadershipTerm{}, false
	}
	return h.terms[len(h.terms)-1], true
}

func (h *termHistory) lastTermID() int64 {
	if t, ok := h.last(); ok {
		return t.TermID
	}
	return h.baseTermID
}

func (n *Node) appendPosition() int64 {
	return n.recording.StopPosition()
}

func (n *Node) lastLogTermID() int64 {
	return n.terms.termAt(n.recording.StopPosition())
}

// appendEntry encodes and appends e to the local log.
func (n *Node) appendEntry(e *protocol.Entry) (int64, error) {
	return n.appendFrame(e.Encode(), e)
}

func (n *Node) appendFrame(data []byte, e *protocol.Entry) (int64, error) {
	start := n.recording.StopPosition()
	position, err := n.recording.Append(data)
	if err != nil {
		return 0, fmt.Errorf("failed to append %s entry at %d: %w", e.Type, start, err)
	}
	if e.Type == protocol.EntryNewLeadershipTerm {
		leaderID, _ := e.LeaderID()
		n.terms.append(LeadershipTerm{TermID: e.TermID, LeaderID: leaderID, LogPositionAtStart: start})
	}
	return position, nil
}

// truncateLog discards the uncommitted tail after position.
func (n *Node) truncateLog(position int64) error {
	if position < n.commitPosition {
		return fmt.Errorf("refusing to truncate log to %d below commit position %d", position, n.commitPosition)
	}
	if err := n.recording.Truncate(position); err != nil {
		return err
	}
	n.terms.truncate(position)
	if n.replication.verifiedPosition > position {
		n.replication.verifiedPosition = position
	}
	return nil
}

// rebuildTermHistory scans the log for leadership term entries.
func (n *Node) rebuildTermHistory() error {
	start := n.recording.StartPosition()
	n.terms.reset(start, n.recording.StartTermID())

	var decodeErr error
	_, err := n.recording.Replay(start, n.recording.StopPosition(), func(position int64, data []byte) bool {
		e, err := protocol.DecodeEntry(data)
		if err != nil {
			decodeErr = fmt.Errorf("entry ending at %d: %w", position, err)
			return false
		}
		if e.Type == protocol.EntryNewLeadershipTerm {
			leaderID, _ := e.LeaderID()
			n.terms.append(LeadershipTerm{
				TermID:             e.TermID,
				LeaderID:           leaderID,
				LogPositionAtStart: position - archive.FrameLength(len(data)),
			})
		}
		return true
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// applyCommitted delivers committed entries to the services, at most
// ApplyLimit per call.
func (n *Node) applyCommitted(now int64) int {
	if n.appliedPosition >= n.commitPosition || n.terminated.Load() {
		return 0
	}
	return n.applyRange(n.appliedPosition, n.commitPosition, now, false, n.cfg.ApplyLimit)
}

func (n *Node) applyRange(from, to int64, now int64, replaying bool, limit int) int {
	applied := 0
	var decodeErr error
	_, err := n.recording.Replay(from, to, func(position int64, data []byte) bool {
		e, err := protocol.DecodeEntry(data)
		if err != nil {
			decodeErr = fmt.Errorf("entry ending at %d: %w", position, err)
			return false
		}
		n.appliedPosition = position
		n.applyEntry(e, position, now, replaying)
		applied++
		return (limit <= 0 || applied < limit) && !n.terminated.Load()
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		n.fail(fmt.Errorf("failed to apply log [%d, %d): %w", from, to, err))
	}
	return applied
}

func (n *Node) applyEntry(e *protocol.Entry, position int64, now int64, replaying bool) {
	switch e.Type {
	case protocol.EntryCommand:
		for _, svc := range n.services {
			svc.OnCommand(e.SessionID, e.Timestamp, e.Payload)
		}

	case protocol.EntryNewLeadershipTerm:
		leaderID, _ := e.LeaderID()
		log.Debugf("member %d applied leadership term %d of leader %d at %d", n.id, e.TermID, leaderID, position)

	case protocol.EntryMembershipChange:
		change, err := protocol.DecodeMembershipChange(e.Payload)
		if err != nil {
			n.fail(fmt.Errorf("membership change ending at %d: %w", position, err))
			return
		}
		n.membership.onCommitted(change, position, now, replaying)

	case protocol.EntryClusterAction:
		action, err := e.Action()
		if err != nil {
			n.fail(fmt.Errorf("cluster action ending at %d: %w", position, err))
			return
		}
		// A shutdown or abort from an earlier term already ended that
		// cluster. Members catching up past it keep running.
		live := !replaying && e.TermID == n.termID
		switch action {
		case protocol.ActionSnapshot:
			n.snapshotter.onMarker(position, e.TermID)
		case protocol.ActionShutdown:
			n.snapshotter.onMarker(position, e.TermID)
			if live {
				n.termination.onCommitted(action, position, now)
			}
		case protocol.ActionAbort:
			if live {
				n.termination.onCommitted(action, position, now)
			}
		}
	}
}
