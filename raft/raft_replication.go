package raft

import (
	"fmt"
	"sort"

	"github.com/arbha1erao/cluster/archive"
	"github.com/arbha1erao/cluster/protocol"
)

// followerView is the leader's record of one follower.
type followerView struct {
	memberID       int32
	nextPosition   int64
	basePosition   int64
	matchPosition  int64
	sentCommit     int64
	lastAckMs      int64
	lastSendMs     int64
	snapshotSentMs int64
	catchup        bool
}

// inflightBase is the position below which the follower is known to agree.
func (v *followerView) inflightBase() int64 {
	if v.matchPosition > v.basePosition {
		return v.matchPosition
	}
	return v.basePosition
}

// logReplication streams the log from the leader and appends it on
// followers.
type logReplication struct {
	n *Node

	// leader side
	views             map[int32]*followerView
	termBasePosition  int64
	termEntryPosition int64

	// follower side
	verifiedPosition int64
	verifiedTerm     int64
	leaderCommit     int64
	lastAckPosition  int64
	lastAckMs        int64
	lastRejectHint   int64
	lastRejectMs     int64
}

func newLogReplication(n *Node) *logReplication {
	return &logReplication{
		n:              n,
		views:          make(map[int32]*followerView),
		lastRejectHint: -1,
	}
}

func (r *logReplication) resetLeaderState() {
	r.views = make(map[int32]*followerView)
	r.termBasePosition = 0
	r.termEntryPosition = 0
}

func (r *logReplication) resetFollowerState() {
	n := r.n
	r.verifiedPosition = n.commitPosition
	r.verifiedTerm = -1
	r.lastAckPosition = -1
	r.lastAckMs = 0
	r.lastRejectHint = -1
}

func (r *logReplication) addView(memberID int32, position int64, now int64) {
	if memberID == r.n.id {
		return
	}
	if _, ok := r.views[memberID]; ok {
		return
	}
	r.views[memberID] = &followerView{
		memberID:     memberID,
		nextPosition: position,
		basePosition: position,
		lastAckMs:    now,
	}
}

func (r *logReplication) removeView(memberID int32) {
	delete(r.views, memberID)
}

// releaseView stops replicating to a removed member after sending it the
// commit position that covers its removal.
func (r *logReplication) releaseView(memberID int32, now int64) {
	if v, ok := r.views[memberID]; ok {
		r.sendTo(v, now)
		if v.sentCommit < r.n.commitPosition {
			r.sendAppend(v, nil, now)
		}
	}
	r.removeView(memberID)
}

// becomeLeader appends the new term entry and announces the term.
func (r *logReplication) becomeLeader(now int64) error {
	n := r.n
	r.resetLeaderState()

	base := n.appendPosition()
	position, err := n.appendEntry(protocol.NewLeadershipTermEntry(n.termID, n.id, n.wallMs()))
	if err != nil {
		return err
	}
	r.termBasePosition = base
	r.termEntryPosition = position

	for _, m := range n.registry.peers() {
		r.addView(m.ID, base, now)
	}
	n.membership.recoverPending(now)
	n.updateTransport()

	r.announceTerm(now, true)
	return nil
}

func (r *logReplication) newLeadershipTermMessage() *protocol.Message {
	n := r.n
	return &protocol.Message{
		Type:             protocol.MsgNewLeadershipTerm,
		TermID:           n.termID,
		LeaderID:         n.id,
		LogTermID:        n.terms.termAt(r.termBasePosition),
		TermBasePosition: r.termBasePosition,
		LogPosition:      n.appendPosition(),
		CommitPosition:   n.commitPosition,
	}
}

// announceTerm sends NewLeadershipTerm to every follower, or only to those
// that have not acknowledged the term entry when all is false.
func (r *logReplication) announceTerm(now int64, all bool) {
	msg := r.newLeadershipTermMessage()
	for id, v := range r.views {
		if all || v.matchPosition < r.termEntryPosition {
			r.n.send(id, msg)
		}
	}
}

func (r *logReplication) announceTermTo(memberID int32, now int64) {
	n := r.n
	if !n.knownSender(memberID) {
		return
	}
	if n.registry.isActive(memberID) {
		r.addView(memberID, r.termBasePosition, now)
	}
	n.send(memberID, r.newLeadershipTermMessage())
}

// leaderWork streams the log to every follower.
func (r *logReplication) leaderWork(now int64) int {
	work := 0
	ids := make([]int32, 0, len(r.views))
	for id := range r.views {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		work += r.sendTo(r.views[id], now)
	}
	return work
}

func (r *logReplication) sendTo(v *followerView, now int64) int {
	n := r.n
	cfg := n.cfg
	start := n.recording.StartPosition()
	stop := n.recording.StopPosition()

	if v.nextPosition < start {
		if now-v.snapshotSentMs >= ms(cfg.ElectionTimeout) {
			r.sendInstallSnapshot(v, now)
			return 1
		}
		return 0
	}
	if v.nextPosition > stop {
		v.nextPosition = stop
	}

	if v.nextPosition < stop {
		behind := stop - v.nextPosition
		if !v.catchup && behind > cfg.CatchupThreshold {
			v.catchup = true
			log.Infof("member %d is %d bytes behind, replaying from %d", v.memberID, behind, v.nextPosition)
		} else if v.catchup && behind <= int64(cfg.MaxBatchBytes) {
			v.catchup = false
			log.Infof("member %d caught up at %d, switching to live replication", v.memberID, v.nextPosition)
		}

		limit, window := cfg.MaxBatchBytes, int64(4*cfg.MaxBatchBytes)
		if v.catchup {
			limit, window = cfg.CatchupBatchBytes, int64(2*cfg.CatchupBatchBytes)
		}
		if v.nextPosition-v.inflightBase() >= window {
			if now-v.lastSendMs < ms(cfg.LeaderHeartbeatInterval) {
				return 0
			}
			v.nextPosition = v.inflightBase()
		}

		entries, end, err := r.readBatch(v.nextPosition, stop, limit)
		if err != nil {
			n.fail(err)
			return 1
		}
		r.sendAppend(v, entries, now)
		v.nextPosition = end
		return 1
	}

	if now-v.lastSendMs >= ms(cfg.LeaderHeartbeatInterval) || v.sentCommit < n.commitPosition {
		r.sendAppend(v, nil, now)
		return 1
	}
	return 0
}

func (r *logReplication) sendAppend(v *followerView, entries [][]byte, now int64) {
	n := r.n
	n.send(v.memberID, &protocol.Message{
		Type:             protocol.MsgAppendRequest,
		TermID:           n.termID,
		LeaderID:         n.id,
		PrevPosition:     v.nextPosition,
		PrevTermID:       n.terms.termAt(v.nextPosition),
		TermBasePosition: r.termBasePosition,
		LogPosition:      n.appendPosition(),
		CommitPosition:   n.commitPosition,
		Entries:          entries,
	})
	v.lastSendMs = now
	v.sentCommit = n.commitPosition
}

// readBatch reads entries from position from until limit bytes are
// collected. At least one entry is returned when from < to.
func (r *logReplication) readBatch(from, to int64, limit int) ([][]byte, int64, error) {
	var entries [][]byte
	end := from
	size := 0
	_, err := r.n.recording.Replay(from, to, func(position int64, data []byte) bool {
		entries = append(entries, data)
		end = position
		size += len(data)
		return size < limit
	})
	if err != nil {
		return nil, from, fmt.Errorf("failed to read log from %d: %w", from, err)
	}
	return entries, end, nil
}

func (r *logReplication) sendInstallSnapshot(v *followerView, now int64) {
	n := r.n
	v.snapshotSentMs = now

	records, err := n.snapshots.Latest(n.serviceIDs)
	if err != nil || records == nil {
		n.errorCounter.Increment()
		log.Errorf("member %d cannot catch up member %d from %d: log starts at %d and no snapshot is usable: %v",
			n.id, v.memberID, v.nextPosition, n.recording.StartPosition(), err)
		return
	}

	position, termID := records[0].LogPosition, records[0].TermID
	log.Infof("member %d sending snapshot at %d to member %d", n.id, position, v.memberID)
	n.send(v.memberID, &protocol.Message{
		Type:             protocol.MsgInstallSnapshot,
		TermID:           n.termID,
		LeaderID:         n.id,
		LogPosition:      position,
		LogTermID:        termID,
		TermBasePosition: r.termBasePosition,
		CommitPosition:   n.commitPosition,
		Snapshots:        records,
	})
	v.nextPosition = position
	v.basePosition = position
}

func (r *logReplication) onAppendPosition(msg *protocol.Message, now int64) {
	n := r.n
	v, ok := r.views[msg.From]
	if !ok {
		return
	}
	v.lastAckMs = now

	if !msg.Success {
		hint := msg.LogPosition
		if stop := n.recording.StopPosition(); hint > stop {
			hint = stop
		}
		if hint >= n.recording.StartPosition() && !n.recording.IsBoundary(hint) {
			hint = n.recording.BoundaryAtOrBefore(hint)
		}
		log.Debugf("member %d rejected append, resending from %d", msg.From, hint)
		v.nextPosition = hint
		v.basePosition = hint
		if v.matchPosition > hint {
			v.matchPosition = hint
		}
		v.lastSendMs = 0
		return
	}

	if msg.LogPosition > v.matchPosition {
		v.matchPosition = msg.LogPosition
	}
	if v.nextPosition < v.matchPosition {
		v.nextPosition = v.matchPosition
	}
}

func (r *logReplication) onCatchupRequest(msg *protocol.Message, now int64) {
	n := r.n
	if !n.registry.isActive(msg.From) {
		if change, ok := n.membership.pendingAdd(); !ok || change.MemberID != msg.From {
			return
		}
	}
	r.addView(msg.From, msg.LogPosition, now)
	v := r.views[msg.From]
	v.lastAckMs = now

	position := msg.LogPosition
	if stop := n.recording.StopPosition(); position > stop {
		position = stop
	}
	if position >= n.recording.StartPosition() && !n.recording.IsBoundary(position) {
		position = n.recording.BoundaryAtOrBefore(position)
	}
	log.Infof("member %d requested catch up from %d", msg.From, position)
	v.nextPosition = position
	v.basePosition = position
	if v.matchPosition > position {
		v.matchPosition = position
	}
	v.lastSendMs = 0
}

// quorumPosition returns the highest position durable on a quorum of the
// active members.
func (r *logReplication) quorumPosition() int64 {
	n := r.n
	active := n.registry.active()
	positions := make([]int64, 0, len(active))
	for _, m := range active {
		switch v, ok := r.views[m.ID]; {
		case m.ID == n.id:
			positions = append(positions, n.recording.SyncedPosition())
		case ok:
			positions = append(positions, v.matchPosition)
		default:
			positions = append(positions, 0)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] > positions[j] })

	q := n.registry.quorum()
	if len(positions) < q {
		return 0
	}
	return positions[q-1]
}

// updateCommitPosition advances the leader's commit position. Only entries
// of the current term are committed by counting replicas.
func (r *logReplication) updateCommitPosition() int {
	n := r.n
	position := r.quorumPosition()
	if position > n.commitPosition && position >= r.termEntryPosition {
		n.setCommitPosition(position)
		return 1
	}
	return 0
}

// activeFollowers counts followers heard from within the heartbeat timeout.
func (r *logReplication) activeFollowers(now int64) int {
	n := r.n
	count := 0
	for _, m := range n.registry.peers() {
		if v, ok := r.views[m.ID]; ok && now-v.lastAckMs <= ms(n.cfg.LeaderHeartbeatTimeout) {
			count++
		}
	}
	return count
}

// onAppendRequest appends the leader's entries after a consistency check
// on the preceding position.
func (r *logReplication) onAppendRequest(msg *protocol.Message, now int64) {
	n := r.n
	if msg.TermID < n.termID {
		n.send(msg.From, &protocol.Message{
			Type:        protocol.MsgAppendPosition,
			TermID:      n.termID,
			LogPosition: n.appendPosition(),
		})
		return
	}
	if msg.TermID == n.termID && n.role == RoleLeader {
		n.protocolError(fmt.Errorf("member %d sent append for term %d led by %d", msg.From, msg.TermID, n.id))
		return
	}
	if msg.TermID > n.termID || n.leaderID != msg.LeaderID {
		n.followLeader(msg, now)
	}
	n.leaderContactMs = now
	r.followerAppend(msg, now)
}

func (r *logReplication) reject(leaderID int32, hint int64, now int64) {
	n := r.n
	if hint == r.lastRejectHint && now-r.lastRejectMs < ms(n.cfg.LeaderHeartbeatInterval) {
		return
	}
	r.lastRejectHint = hint
	r.lastRejectMs = now
	n.send(leaderID, &protocol.Message{
		Type:        protocol.MsgAppendPosition,
		TermID:      n.termID,
		LogPosition: hint,
	})
}

func (r *logReplication) followerAppend(msg *protocol.Message, now int64) {
	n := r.n
	rec := n.recording
	prev := msg.PrevPosition
	appendPosition := rec.StopPosition()

	switch {
	case prev > appendPosition || prev < rec.StartPosition():
		r.reject(msg.From, appendPosition, now)
		return
	case !rec.IsBoundary(prev):
		r.reject(msg.From, rec.BoundaryAtOrBefore(prev), now)
		return
	case n.terms.termAt(prev) != msg.PrevTermID:
		hint := n.terms.termStart(prev)
		if hint < n.commitPosition {
			hint = n.commitPosition
		}
		log.Infof("member %d log term %d at %d conflicts with leader term %d, resending from %d",
			n.id, n.terms.termAt(prev), prev, msg.PrevTermID, hint)
		r.reject(msg.From, hint, now)
		return
	}

	position := prev
	for _, data := range msg.Entries {
		e, err := protocol.DecodeEntry(data)
		if err != nil {
			n.protocolError(fmt.Errorf("append from %d at %d: %w", msg.From, position, err))
			break
		}
		end := position + archive.FrameLength(len(data))

		if end <= rec.StopPosition() {
			if rec.IsBoundary(end) && rec.BoundaryAtOrBefore(end-1) == position && n.terms.termAt(end) == e.TermID {
				position = end
				continue
			}
			if err := n.truncateLog(position); err != nil {
				n.protocolError(fmt.Errorf("append from %d: %w", msg.From, err))
				break
			}
		} else if position < rec.StopPosition() {
			if err := n.truncateLog(position); err != nil {
				n.protocolError(fmt.Errorf("append from %d: %w", msg.From, err))
				break
			}
		}

		if _, err := n.appendFrame(data, e); err != nil {
			n.fail(err)
			return
		}
		position = end
	}

	r.verifiedPosition = position
	r.verifiedTerm = msg.TermID
	r.leaderCommit = msg.CommitPosition
	r.lastRejectHint = -1

	commit := msg.CommitPosition
	if commit > position {
		commit = position
	}
	if commit > n.commitPosition {
		n.setCommitPosition(commit)
	}
}

// acknowledge reports the durable verified position to the leader after the
// log has been synced.
func (r *logReplication) acknowledge(now int64) int {
	n := r.n
	if n.role == RoleLeader || n.leaderID < 0 || r.verifiedTerm != n.termID {
		return 0
	}

	position := r.verifiedPosition
	if synced := n.recording.SyncedPosition(); synced < position {
		position = synced
	}
	if position == r.lastAckPosition && now-r.lastAckMs < ms(n.cfg.LeaderHeartbeatInterval) {
		return 0
	}

	n.send(n.leaderID, &protocol.Message{
		Type:        protocol.MsgAppendPosition,
		TermID:      n.termID,
		LogPosition: position,
		Success:     true,
	})
	r.lastAckPosition = position
	r.lastAckMs = now
	return 1
}
