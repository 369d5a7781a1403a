package raft

import (
	"fmt"

	"github.com/arbha1erao/cluster/protocol"
)

// onHigherTerm adopts a term seen from another member. A leader steps
// down; a steady follower starts an election.
func (n *Node) onHigherTerm(termID int64, now int64) {
	log.Infof("member %d updating term from %d to %d", n.id, n.termID, termID)

	wasLeader := n.role == RoleLeader
	n.setTerm(termID)
	n.votedFor = -1
	n.setLeader(-1)
	n.saveRecoveryState()

	switch {
	case wasLeader:
		n.stepDown(now)
	case n.election == nil:
		n.startElection(now)
	case n.election.current == ElectionCandidateBallot || n.election.current == ElectionNominate:
		n.election.restartCanvass(now, ms(n.cfg.ElectionTimeout))
	}
}

func (n *Node) onCanvassPosition(msg *protocol.Message, now int64) {
	if msg.TermID > n.termID {
		n.onHigherTerm(msg.TermID, now)
	}

	switch {
	case n.election != nil:
		n.election.onCanvassPosition(msg, now)
	case n.role == RoleLeader:
		n.replication.announceTermTo(msg.From, now)
	}
}

func (n *Node) onRequestVote(msg *protocol.Message, now int64) {
	if msg.TermID < n.termID {
		n.sendVote(msg, false)
		return
	}
	if msg.TermID > n.termID {
		n.onHigherTerm(msg.TermID, now)
	}

	votedOther := n.votedFor >= 0 && n.votedFor != msg.CandidateID
	knownLeader := n.leaderID >= 0 && n.leaderID != msg.CandidateID
	upToDate := compareLog(msg.LogTermID, msg.LogPosition, n.lastLogTermID(), n.appendPosition()) >= 0

	if votedOther || knownLeader || !upToDate || n.role == RoleLeader {
		log.Infof("member %d rejecting vote for %d in term %d: voted for %d, leader %d, log up to date %v",
			n.id, msg.CandidateID, msg.TermID, n.votedFor, n.leaderID, upToDate)
		n.sendVote(msg, false)
		return
	}

	n.votedFor = msg.CandidateID
	n.saveRecoveryState()
	n.sendVote(msg, true)

	if n.election == nil {
		n.election = newElection(n, false, now)
	}
	n.election.votedFor(now)
	n.leaderContactMs = now
}

func (n *Node) sendVote(msg *protocol.Message, granted bool) {
	n.send(msg.From, &protocol.Message{
		Type:        protocol.MsgVote,
		TermID:      n.termID,
		CandidateID: msg.CandidateID,
		Granted:     granted,
		LogTermID:   n.lastLogTermID(),
		LogPosition: n.appendPosition(),
	})
}

func (n *Node) onVote(msg *protocol.Message, now int64) {
	if msg.TermID > n.termID {
		n.onHigherTerm(msg.TermID, now)
		return
	}
	if n.election != nil {
		n.election.onVote(msg)
	}
}

func (n *Node) onNewLeadershipTerm(msg *protocol.Message, now int64) {
	switch {
	case msg.TermID < n.termID:
		log.Debugf("member %d ignoring stale leadership term %d of %d", n.id, msg.TermID, msg.From)
		return
	case msg.TermID == n.termID && n.role == RoleLeader:
		n.protocolError(fmt.Errorf("member %d claims leadership of term %d held by %d", msg.From, msg.TermID, n.id))
		return
	case msg.TermID == n.termID && n.leaderID == msg.LeaderID:
		n.leaderContactMs = now
		return
	}
	n.followLeader(msg, now)
}

// followLeader accepts msg.From as the leader of msg.TermID and starts
// catching up to the leader's term base position.
func (n *Node) followLeader(msg *protocol.Message, now int64) {
	if msg.TermID > n.termID {
		n.setTerm(msg.TermID)
		n.votedFor = -1
	}
	n.setLeader(msg.LeaderID)
	n.saveRecoveryState()

	if n.role == RoleLeader {
		n.setRole(RoleFollower)
	}
	n.replication.resetLeaderState()
	n.replication.resetFollowerState()
	n.membership.reset()
	n.leaderContactMs = now

	if n.election == nil {
		n.election = newElection(n, false, now)
	}
	n.election.followLeader(msg.LeaderID, msg.TermBasePosition, now)

	log.Infof("member %d following leader %d in term %d from log position %d",
		n.id, msg.LeaderID, msg.TermID, msg.TermBasePosition)
}

func (n *Node) onAppendPosition(msg *protocol.Message, now int64) {
	if msg.TermID > n.termID {
		n.onHigherTerm(msg.TermID, now)
		return
	}
	if n.role == RoleLeader && msg.TermID == n.termID {
		n.replication.onAppendPosition(msg, now)
	}
}

func (n *Node) onCatchupRequest(msg *protocol.Message, now int64) {
	if msg.TermID > n.termID {
		n.onHigherTerm(msg.TermID, now)
		return
	}
	if n.role == RoleLeader {
		n.replication.onCatchupRequest(msg, now)
	}
}
