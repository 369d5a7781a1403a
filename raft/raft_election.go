package raft

import (
	"fmt"
	"math/rand/v2"

	"github.com/arbha1erao/cluster/protocol"
)

type canvassPosition struct {
	termID      int64
	logTermID   int64
	logPosition int64
	receivedMs  int64
}

// election runs one leader election from INIT until it closes as leader or
// follower. A node has at most one election at a time.
type election struct {
	n             *Node
	current       ElectionState
	counter       *Counter
	stateChangeMs int64

	isStartup        bool
	deadlineMs       int64
	nextStatusMs     int64
	candidateTermID  int64
	canvass          map[int32]canvassPosition
	votes            map[int32]bool
	leaderID         int32
	termBasePosition int64
	progressPosition int64
	progressMs       int64
}

func newElection(n *Node, isStartup bool, now int64) *election {
	e := &election{
		n:         n,
		isStartup: isStartup,
		leaderID:  -1,
		canvass:   make(map[int32]canvassPosition),
		votes:     make(map[int32]bool),
		counter:   n.counters.Allocate(CounterElectionState, fmt.Sprintf("Election state: memberId=%d", n.id)),
	}
	e.current = ElectionClosed
	e.transition(ElectionInit, now)
	log.Infof("member %d started election: term %d, log position %d, startup %v",
		n.id, n.termID, n.appendPosition(), isStartup)
	return e
}

func (e *election) transition(state ElectionState, now int64) {
	if e.current != state {
		log.Debugf("member %d election %s -> %s, term %d", e.n.id, e.current, state, e.n.termID)
	}
	e.current = state
	e.counter.Set(int64(state))
	e.stateChangeMs = now
	if state == ElectionCanvass || state == ElectionInit {
		e.leaderID = -1
	}
}

func (e *election) isLeader() bool {
	return e.current == ElectionLeaderReplay || e.current == ElectionLeaderReady
}

func (e *election) close(now int64) {
	e.transition(ElectionClosed, now)
	e.counter.Close()
}

func (e *election) doWork(now int64) int {
	switch e.current {
	case ElectionInit:
		return e.init(now)
	case ElectionCanvass:
		return e.canvassWork(now)
	case ElectionNominate:
		return e.nominate(now)
	case ElectionCandidateBallot:
		return e.candidateBallot(now)
	case ElectionFollowerBallot:
		return e.followerBallot(now)
	case ElectionLeaderReplay:
		return e.leaderReplay(now)
	case ElectionLeaderReady:
		return e.leaderReady(now)
	case ElectionFollowerReplay:
		return e.followerReplay(now)
	case ElectionFollowerReady:
		return e.followerReady(now)
	}
	return 0
}

func (e *election) init(now int64) int {
	n := e.n
	if n.role == RoleLeader {
		n.setRole(RoleFollower)
	}
	n.setLeader(-1)

	timeout := n.cfg.ElectionTimeout
	if e.isStartup {
		timeout = n.cfg.StartupCanvassTimeout
	}
	e.restartCanvass(now, ms(timeout))
	return 1
}

func (e *election) restartCanvass(now int64, timeoutMs int64) {
	e.canvass = make(map[int32]canvassPosition)
	e.votes = make(map[int32]bool)
	e.deadlineMs = now + timeoutMs
	e.nextStatusMs = now
	e.transition(ElectionCanvass, now)
}

func (e *election) canvassWork(now int64) int {
	n := e.n
	work := 0

	if now >= e.nextStatusMs {
		n.broadcast(&protocol.Message{
			Type:        protocol.MsgCanvassPosition,
			TermID:      n.termID,
			LogTermID:   n.lastLogTermID(),
			LogPosition: n.appendPosition(),
		})
		e.nextStatusMs = now + ms(n.cfg.ElectionStatusInterval)
		work++
	}

	if e.isPassedCanvass(now) {
		e.deadlineMs = now + rand.Int64N(ms(n.cfg.ElectionTimeout)/2+1)
		e.transition(ElectionNominate, now)
		work++
	}
	return work
}

// isPassedCanvass reports whether this node has the best log among the
// members that answered, and whether enough of them answered.
func (e *election) isPassedCanvass(now int64) bool {
	n := e.n
	if !n.registry.isActive(n.id) {
		return false
	}

	logTermID, logPosition := n.lastLogTermID(), n.appendPosition()
	responded := 1
	unanimous := true
	for _, m := range n.registry.peers() {
		c, ok := e.canvass[m.ID]
		if !ok || now-c.receivedMs > ms(n.cfg.ElectionTimeout) {
			unanimous = false
			continue
		}
		responded++
		switch cmp := compareLog(c.logTermID, c.logPosition, logTermID, logPosition); {
		case cmp > 0:
			return false
		case cmp == 0 && m.ID < n.id:
			return false
		}
	}

	if unanimous {
		return true
	}
	return now >= e.deadlineMs && responded >= n.registry.quorum()
}

func (e *election) onCanvassPosition(msg *protocol.Message, now int64) {
	e.canvass[msg.From] = canvassPosition{
		termID:      msg.TermID,
		logTermID:   msg.LogTermID,
		logPosition: msg.LogPosition,
		receivedMs:  now,
	}
}

func (e *election) nominate(now int64) int {
	if now < e.deadlineMs {
		return 0
	}
	n := e.n

	termID := n.termID
	for _, c := range e.canvass {
		if c.termID > termID {
			termID = c.termID
		}
	}
	e.candidateTermID = termID + 1

	n.setTerm(e.candidateTermID)
	n.votedFor = n.id
	n.setLeader(-1)
	n.saveRecoveryState()

	e.votes = map[int32]bool{n.id: true}
	e.requestVotes(now)
	e.deadlineMs = now + ms(n.cfg.ElectionTimeout)
	e.transition(ElectionCandidateBallot, now)

	log.Infof("member %d nominated itself for term %d at log position %d",
		n.id, e.candidateTermID, n.appendPosition())
	return 1
}

func (e *election) requestVotes(now int64) {
	n := e.n
	msg := &protocol.Message{
		Type:        protocol.MsgRequestVote,
		TermID:      e.candidateTermID,
		CandidateID: n.id,
		LogTermID:   n.lastLogTermID(),
		LogPosition: n.appendPosition(),
	}
	for _, m := range n.registry.peers() {
		if _, answered := e.votes[m.ID]; !answered {
			n.send(m.ID, msg)
		}
	}
	e.nextStatusMs = now + ms(n.cfg.ElectionStatusInterval)
}

func (e *election) onVote(msg *protocol.Message) {
	if e.current != ElectionCandidateBallot || msg.TermID != e.candidateTermID || msg.CandidateID != e.n.id {
		return
	}
	e.votes[msg.From] = msg.Granted
}

func (e *election) grantedVotes() int {
	granted := 0
	for _, m := range e.n.registry.active() {
		if e.votes[m.ID] {
			granted++
		}
	}
	return granted
}

func (e *election) candidateBallot(now int64) int {
	n := e.n

	if n.termID != e.candidateTermID {
		e.restartCanvass(now, ms(n.cfg.ElectionTimeout))
		return 1
	}
	if e.grantedVotes() >= n.registry.quorum() {
		e.transition(ElectionLeaderReplay, now)
		return 1
	}
	if now >= e.deadlineMs {
		log.Infof("member %d ballot for term %d timed out with %d of %d votes",
			n.id, e.candidateTermID, e.grantedVotes(), n.registry.quorum())
		e.restartCanvass(now, ms(n.cfg.ElectionTimeout))
		return 1
	}
	if now >= e.nextStatusMs {
		e.requestVotes(now)
		return 1
	}
	return 0
}

// votedFor moves a voter into FOLLOWER_BALLOT to wait for the candidate.
func (e *election) votedFor(now int64) {
	e.deadlineMs = now + ms(e.n.cfg.ElectionTimeout)
	e.transition(ElectionFollowerBallot, now)
}

func (e *election) followerBallot(now int64) int {
	if now >= e.deadlineMs {
		e.restartCanvass(now, ms(e.n.cfg.ElectionTimeout))
		return 1
	}
	return 0
}

func (e *election) leaderReplay(now int64) int {
	n := e.n
	if n.appliedPosition < n.commitPosition {
		return 0
	}

	n.setLeader(n.id)
	n.setRole(RoleLeader)
	if err := n.replication.becomeLeader(now); err != nil {
		n.fail(err)
		return 1
	}
	e.deadlineMs = now + ms(n.cfg.LeaderHeartbeatTimeout)
	e.nextStatusMs = now + ms(n.cfg.ElectionStatusInterval)
	e.transition(ElectionLeaderReady, now)

	log.Infof("member %d became leader of term %d at log position %d",
		n.id, n.termID, n.replication.termBasePosition)
	return 1
}

func (e *election) leaderReady(now int64) int {
	n := e.n
	if n.commitPosition >= n.replication.termEntryPosition {
		n.closeElection(now)
		return 1
	}
	if now >= e.deadlineMs {
		log.Warnf("member %d could not commit term %d within %v, stepping down",
			n.id, n.termID, n.cfg.LeaderHeartbeatTimeout)
		n.stepDown(now)
		return 1
	}
	if now >= e.nextStatusMs {
		n.replication.announceTerm(now, false)
		e.nextStatusMs = now + ms(n.cfg.ElectionStatusInterval)
		return 1
	}
	return 0
}

func (e *election) followLeader(leaderID int32, termBasePosition int64, now int64) {
	if e.current != ElectionFollowerBallot && e.current != ElectionFollowerReplay {
		e.transition(ElectionFollowerBallot, now)
	}
	e.leaderID = leaderID
	e.termBasePosition = termBasePosition
	e.progressPosition = -1
	e.progressMs = now
	e.nextStatusMs = now
	e.transition(ElectionFollowerReplay, now)
}

func (e *election) followerReplay(now int64) int {
	n := e.n
	r := n.replication

	if r.verifiedTerm == n.termID && r.verifiedPosition >= e.termBasePosition {
		e.transition(ElectionFollowerReady, now)
		return 1
	}
	if now-n.leaderContactMs > ms(n.cfg.LeaderHeartbeatTimeout) {
		log.Warnf("member %d lost leader %d while catching up to %d, canvassing",
			n.id, e.leaderID, e.termBasePosition)
		n.setLeader(-1)
		e.restartCanvass(now, ms(n.cfg.ElectionTimeout))
		return 1
	}

	if r.verifiedPosition != e.progressPosition {
		e.progressPosition = r.verifiedPosition
		e.progressMs = now
	}
	stalled := now-e.progressMs >= 2*ms(n.cfg.LeaderHeartbeatInterval)
	if now >= e.nextStatusMs || stalled {
		n.send(e.leaderID, &protocol.Message{
			Type:        protocol.MsgCatchupRequest,
			TermID:      n.termID,
			LogTermID:   n.lastLogTermID(),
			LogPosition: n.appendPosition(),
		})
		e.progressMs = now
		e.nextStatusMs = now + 10*ms(n.cfg.ElectionStatusInterval)
		return 1
	}
	return 0
}

func (e *election) followerReady(now int64) int {
	n := e.n
	if n.role == RoleLeader {
		n.setRole(RoleFollower)
	}
	n.closeElection(now)
	return 1
}

// compareLog orders logs by last term then position.
func compareLog(termA, positionA, termB, positionB int64) int {
	switch {
	case termA != termB:
		if termA > termB {
			return 1
		}
		return -1
	case positionA > positionB:
		return 1
	case positionA < positionB:
		return -1
	default:
		return 0
	}
}
