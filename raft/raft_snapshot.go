package raft

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/arbha1erao/cluster/protocol"
)

// snapshotCoordinator takes snapshots at committed markers and loads them
// on startup or when the leader installs one.
type snapshotCoordinator struct {
	n                *Node
	lastPosition     int64
	wasLoaded        bool
	loadedAtPosition int64
	loadedTermID     int64
}

func newSnapshotCoordinator(n *Node) *snapshotCoordinator {
	return &snapshotCoordinator{n: n, lastPosition: -1}
}

// requestSnapshot appends a snapshot marker. Leader only.
func (s *snapshotCoordinator) requestSnapshot() (int64, error) {
	n := s.n
	if !n.isSteadyLeader() {
		return 0, ErrNotLeader
	}
	if n.termination.inProgress() {
		return 0, ErrTerminationInProgress
	}

	position, err := n.appendEntry(protocol.ClusterActionEntry(n.termID, protocol.ActionSnapshot, n.wallMs()))
	if err != nil {
		return 0, err
	}
	log.Infof("member %d requested snapshot at log position %d", n.id, position)
	return position, nil
}

// onMarker takes a snapshot of every service at a committed marker unless a
// complete one already exists there.
func (s *snapshotCoordinator) onMarker(position, termID int64) {
	n := s.n
	if n.snapshots.Has(position, n.serviceIDs) {
		log.Debugf("member %d already has snapshot at %d", n.id, position)
		s.lastPosition = position
		return
	}

	log.Infof("member %d taking snapshot at log position %d, term %d", n.id, position, termID)

	records, err := s.capture(position, termID)
	if err == nil {
		for _, rec := range records {
			if err = n.snapshots.Save(rec); err != nil {
				break
			}
		}
	}
	if err != nil {
		n.errorCounter.Increment()
		log.Errorf("member %d snapshot at %d failed: %v", n.id, position, err)
		return
	}

	s.lastPosition = position
	n.snapshotCounter.Increment()
	log.Infof("member %d completed snapshot at log position %d", n.id, position)

	if err := n.snapshots.Prune(n.cfg.SnapshotRetention, n.serviceIDs); err != nil {
		log.Warnf("member %d failed to prune snapshots: %v", n.id, err)
	}
	if n.cfg.PurgeLogAfterSnapshot {
		s.purgeLog(position)
	}
}

func (s *snapshotCoordinator) capture(position, termID int64) ([]protocol.SnapshotRecord, error) {
	n := s.n
	ts := n.wallMs()

	records := make([]protocol.SnapshotRecord, 0, len(n.services)+1)
	for i, svc := range n.services {
		var buf bytes.Buffer
		if err := svc.OnTakeSnapshot(&buf); err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		records = append(records, protocol.SnapshotRecord{
			LogPosition: position,
			TermID:      termID,
			ServiceID:   int32(i),
			MemberID:    n.id,
			Timestamp:   ts,
			Data:        buf.Bytes(),
		})
	}

	data, err := json.Marshal(consensusState{
		Members:  n.registry.toConfig(),
		TermID:   n.termID,
		LeaderID: n.leaderID,
	})
	if err != nil {
		return nil, err
	}
	records = append(records, protocol.SnapshotRecord{
		LogPosition: position,
		TermID:      termID,
		ServiceID:   protocol.ConsensusModuleServiceID,
		MemberID:    n.id,
		Timestamp:   ts,
		Data:        data,
	})
	return records, nil
}

func (s *snapshotCoordinator) purgeLog(position int64) {
	n := s.n
	if position > n.commitPosition || position <= n.recording.StartPosition() {
		return
	}
	if err := n.recording.Purge(position, n.terms.termAt(position)); err != nil {
		n.errorCounter.Increment()
		log.Errorf("member %d failed to purge log to %d: %v", n.id, position, err)
		return
	}
	log.Infof("member %d purged log before snapshot at %d", n.id, position)
}

// load restores the services and the registry from a complete set of
// records.
func (s *snapshotCoordinator) load(records []protocol.SnapshotRecord) error {
	n := s.n
	for _, rec := range records {
		if rec.ServiceID == protocol.ConsensusModuleServiceID {
			var state consensusState
			if err := json.Unmarshal(rec.Data, &state); err != nil {
				return fmt.Errorf("%w: consensus state at %d: %v", ErrSnapshotLoad, rec.LogPosition, err)
			}
			n.registry.restore(state.Members)
			continue
		}
		if rec.ServiceID < 0 || int(rec.ServiceID) >= len(n.services) {
			return fmt.Errorf("%w: unknown service %d", ErrSnapshotLoad, rec.ServiceID)
		}
		if err := n.services[rec.ServiceID].OnLoadSnapshot(bytes.NewReader(rec.Data)); err != nil {
			return fmt.Errorf("%w: service %d at %d: %v", ErrSnapshotLoad, rec.ServiceID, rec.LogPosition, err)
		}
	}

	s.wasLoaded = true
	s.loadedAtPosition = records[0].LogPosition
	s.loadedTermID = records[0].TermID
	s.lastPosition = records[0].LogPosition
	return nil
}

// loadOnStart loads the latest local snapshot. It returns the position of
// the loaded snapshot, or ok false when the log is replayed from its start.
func (s *snapshotCoordinator) loadOnStart() (position int64, ok bool, err error) {
	n := s.n
	records, err := n.snapshots.Latest(n.serviceIDs)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrSnapshotLoad, err)
	}
	if records == nil {
		return 0, false, nil
	}

	position = records[0].LogPosition
	if n.cfg.PreferLogReplay && n.recording.StartPosition() == 0 && n.recording.StopPosition() >= position {
		log.Infof("member %d replaying full log instead of snapshot at %d", n.id, position)
		return 0, false, nil
	}

	if err := s.load(records); err != nil {
		return 0, false, err
	}
	log.Infof("member %d loaded snapshot at log position %d, term %d", n.id, position, records[0].TermID)
	return position, true, nil
}

// onInstallSnapshot replaces this follower's state with the leader's
// snapshot when the leader no longer holds the log it needs.
func (s *snapshotCoordinator) onInstallSnapshot(msg *protocol.Message, now int64) {
	n := s.n
	if msg.TermID < n.termID {
		return
	}
	if msg.TermID == n.termID && n.role == RoleLeader {
		n.protocolError(fmt.Errorf("member %d sent snapshot for term %d led by %d", msg.From, msg.TermID, n.id))
		return
	}
	if msg.TermID > n.termID || n.leaderID != msg.LeaderID {
		n.followLeader(msg, now)
	}
	n.leaderContactMs = now

	if msg.LogPosition <= n.commitPosition {
		n.replication.reject(msg.From, n.appendPosition(), now)
		return
	}

	present := make(map[int32]bool, len(msg.Snapshots))
	for _, rec := range msg.Snapshots {
		present[rec.ServiceID] = true
	}
	for _, id := range n.serviceIDs {
		if !present[id] {
			n.protocolError(fmt.Errorf("snapshot from %d at %d lacks service %d", msg.From, msg.LogPosition, id))
			return
		}
	}

	for _, rec := range msg.Snapshots {
		if err := n.snapshots.Save(rec); err != nil {
			n.fail(fmt.Errorf("failed to store installed snapshot at %d: %w", msg.LogPosition, err))
			return
		}
	}
	if err := s.load(msg.Snapshots); err != nil {
		n.fail(err)
		return
	}
	if err := n.recording.Reset(msg.LogPosition, msg.LogTermID); err != nil {
		n.fail(fmt.Errorf("failed to reset log to %d: %w", msg.LogPosition, err))
		return
	}

	n.terms.reset(msg.LogPosition, msg.LogTermID)
	n.appliedPosition = msg.LogPosition
	n.setCommitPosition(msg.LogPosition)
	n.persistRegistry()
	n.saveRecoveryState()
	n.updateTransport()

	r := n.replication
	r.verifiedPosition = msg.LogPosition
	r.verifiedTerm = msg.TermID
	r.lastAckPosition = -1

	log.Infof("member %d installed snapshot at %d from leader %d", n.id, msg.LogPosition, msg.From)
}
