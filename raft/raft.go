package raft

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/arbha1erao/cluster/archive"
	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

var log = logging.Logger("raft")

// Node is one member of a replicated state machine cluster. All consensus
// state is owned by a single driver goroutine; the public methods either
// read published atomics or queue a request for the driver.
type Node struct {
	id         int32
	cfg        Config
	services   []ClusteredService
	serviceIDs []int32

	transport  Transport
	recording  DurableLog
	snapshots  SnapshotStore
	clusterDir *clustercfg.Dir

	registry    *memberRegistry
	terms       *termHistory
	election    *election
	replication *logReplication
	snapshotter *snapshotCoordinator
	membership  *membershipCoordinator
	termination *terminationCoordinator
	idle        IdleStrategy

	counters        *CountersManager
	commitCounter   *Counter
	roleCounter     *Counter
	errorCounter    *Counter
	snapshotCounter *Counter

	role               Role
	termID             int64
	votedFor           int32
	leaderID           int32
	commitPosition     int64
	appliedPosition    int64
	leaderContactMs    int64
	savedCommit        int64
	lastRecoverySaveMs int64

	leaderView atomic.Int32
	termView   atomic.Int64
	started    atomic.Bool
	terminated atomic.Bool

	requests  chan *request
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewNode opens the node's cluster directory and durable log. The node
// does nothing until Start.
func NewNode(cfg Config, transport Transport, services ...ClusteredService) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: at least one service is required", ErrInvalidConfig)
	}

	idle, err := NewIdleStrategy(cfg.IdleStrategy)
	if err != nil {
		return nil, err
	}

	dir, err := clustercfg.OpenDir(cfg.ClusterDir)
	if err != nil {
		return nil, err
	}
	recording, err := archive.Open(dir.ArchiveDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	snapshots, err := archive.OpenSnapshotStore(dir.SnapshotDir())
	if err != nil {
		recording.Close()
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	n := &Node{
		id:         cfg.MemberID,
		cfg:        cfg,
		services:   services,
		transport:  transport,
		recording:  recording,
		snapshots:  snapshots,
		clusterDir: dir,
		registry:   newMemberRegistry(cfg.MemberID, cfg.members()),
		terms:      &termHistory{},
		idle:       idle,
		counters:   NewCountersManager(),
		votedFor:   -1,
		leaderID:   -1,
		requests:   make(chan *request, cfg.IngressQueueSize),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	n.serviceIDs = append(n.serviceIDs, protocol.ConsensusModuleServiceID)
	for i := range services {
		n.serviceIDs = append(n.serviceIDs, int32(i))
	}
	n.leaderView.Store(-1)

	n.replication = newLogReplication(n)
	n.snapshotter = newSnapshotCoordinator(n)
	n.membership = newMembershipCoordinator(n)
	n.termination = newTerminationCoordinator(n)

	n.commitCounter = n.counters.Allocate(CounterCommitPosition, fmt.Sprintf("Commit position: memberId=%d", n.id))
	n.roleCounter = n.counters.Allocate(CounterNodeRole, fmt.Sprintf("Node role: memberId=%d", n.id))
	n.errorCounter = n.counters.Allocate(CounterErrors, fmt.Sprintf("Errors: memberId=%d", n.id))
	n.snapshotCounter = n.counters.Allocate(CounterSnapshots, fmt.Sprintf("Snapshots: memberId=%d", n.id))

	return n, nil
}

// Start recovers local state and runs the driver goroutine.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrNodeStarted
	}

	if err := n.recover(); err != nil {
		n.closeResources(false)
		close(n.done)
		return err
	}

	now := n.nowMs()
	n.leaderContactMs = now
	n.updateTransport()
	n.election = newElection(n, true, now)

	go n.run()
	return nil
}

func (n *Node) recover() error {
	state, err := n.clusterDir.LoadRecoveryState()
	if err != nil {
		return err
	}
	n.setTerm(state.TermID)
	n.votedFor = state.VotedFor

	snapshotPosition, loaded, err := n.snapshotter.loadOnStart()
	if err != nil {
		return err
	}

	start := n.recording.StartPosition()
	switch {
	case !loaded && start > 0:
		return fmt.Errorf("%w: log starts at %d and no snapshot covers it", ErrLogGap, start)
	case loaded && snapshotPosition < start:
		return fmt.Errorf("%w: log starts at %d after snapshot at %d", ErrLogGap, start, snapshotPosition)
	case loaded && (snapshotPosition > n.recording.StopPosition() || !n.recording.IsBoundary(snapshotPosition)):
		log.Warnf("member %d log ends at %d before snapshot at %d, restarting log at the snapshot",
			n.id, n.recording.StopPosition(), snapshotPosition)
		if err := n.recording.Reset(snapshotPosition, n.snapshotter.loadedTermID); err != nil {
			return err
		}
	}

	if err := n.rebuildTermHistory(); err != nil {
		return fmt.Errorf("failed to scan log: %w", err)
	}
	if t := n.terms.lastTermID(); t > n.termID {
		n.setTerm(t)
	}

	n.appliedPosition = n.recording.StartPosition()
	if loaded {
		n.appliedPosition = snapshotPosition
	}
	for _, svc := range n.services {
		svc.OnStart(loaded)
	}

	target := state.CommitPosition
	if stop := n.recording.StopPosition(); target > stop {
		target = stop
	}
	if target > n.appliedPosition {
		if !n.recording.IsBoundary(target) {
			target = n.recording.BoundaryAtOrBefore(target)
		}
		n.applyRange(n.appliedPosition, target, n.nowMs(), true, 0)
		if n.terminated.Load() {
			return fmt.Errorf("failed to replay log to %d", target)
		}
	}

	n.commitPosition = n.appliedPosition
	n.commitCounter.Set(n.commitPosition)
	n.savedCommit = n.commitPosition
	n.replication.resetFollowerState()
	n.persistRegistry()

	log.Infof("member %d recovered: term %d, log [%d, %d), snapshot loaded %v, replayed to %d",
		n.id, n.termID, n.recording.StartPosition(), n.recording.StopPosition(), loaded, n.appliedPosition)
	return nil
}

func (n *Node) run() {
	defer n.finish()

	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		work := n.doWork(n.nowMs())
		if n.terminated.Load() {
			return
		}
		n.idle.Idle(work)
	}
}

// doWork runs one duty cycle.
func (n *Node) doWork(now int64) int {
	work := n.processRequests(now)
	work += n.transport.Poll(func(msg *protocol.Message) { n.onMessage(msg, now) }, n.cfg.PollLimit)
	work += n.membership.checkRemoval(now)
	if n.terminated.Load() {
		return work
	}

	if n.election != nil {
		work += n.election.doWork(now)
	} else if n.role != RoleLeader && now-n.leaderContactMs > ms(n.cfg.LeaderHeartbeatTimeout) {
		log.Warnf("member %d heard nothing from leader %d for %v, starting election",
			n.id, n.leaderID, n.cfg.LeaderHeartbeatTimeout)
		n.startElection(now)
		work++
	}

	if n.role == RoleLeader {
		work += n.replication.leaderWork(now)
		work += n.replication.updateCommitPosition()
		if n.election == nil {
			work += n.checkQuorum(now)
		}
	}

	work += n.applyCommitted(now)
	work += n.termination.doWork(now)
	work += n.flush(now)
	n.persistCommitPosition(now)
	return work
}

func (n *Node) checkQuorum(now int64) int {
	active := n.replication.activeFollowers(now) + 1
	if active >= n.registry.quorum() {
		return 0
	}
	log.Warnf("member %d lost quorum in term %d: %d of %d required members active, stepping down",
		n.id, n.termID, active, n.registry.quorum())
	n.stepDown(now)
	return 1
}

// flush makes appended entries durable, then acknowledges them.
func (n *Node) flush(now int64) int {
	work := 0
	if n.recording.SyncedPosition() < n.recording.StopPosition() {
		if err := n.recording.Sync(); err != nil {
			n.fail(fmt.Errorf("failed to sync log: %w", err))
			return 1
		}
		work++
	}
	return work + n.replication.acknowledge(now)
}

func (n *Node) startElection(now int64) {
	if n.election != nil {
		return
	}
	n.setLeader(-1)
	n.election = newElection(n, false, now)
}

func (n *Node) stepDown(now int64) {
	n.setRole(RoleFollower)
	n.setLeader(-1)
	n.replication.resetLeaderState()
	n.membership.reset()
	if n.election == nil {
		n.election = newElection(n, false, now)
	}
	n.election.votedFor(now)
}

func (n *Node) closeElection(now int64) {
	e := n.election
	n.election = nil
	e.close(now)
	n.leaderContactMs = now
	log.Infof("member %d election closed: role %s, leader %d, term %d, log position %d",
		n.id, n.role, n.leaderID, n.termID, n.appendPosition())
}

func (n *Node) isSteadyLeader() bool {
	return n.role == RoleLeader && n.election == nil
}

func (n *Node) setRole(role Role) {
	if n.role == role {
		return
	}
	log.Infof("member %d role %s -> %s in term %d", n.id, n.role, role, n.termID)
	n.role = role
	n.roleCounter.Set(int64(role))
	for _, svc := range n.services {
		svc.OnRoleChange(role)
	}
}

func (n *Node) setTerm(termID int64) {
	n.termID = termID
	n.termView.Store(termID)
}

func (n *Node) setLeader(id int32) {
	n.leaderID = id
	n.leaderView.Store(id)
}

func (n *Node) setCommitPosition(position int64) {
	n.commitPosition = position
	n.commitCounter.Set(position)
}

// fail handles an unrecoverable local error by terminating the node.
func (n *Node) fail(err error) {
	n.errorCounter.Increment()
	log.Errorf("member %d unrecoverable error: %v", n.id, err)
	n.termination.terminate(n.nowMs(), err.Error())
}

func (n *Node) saveRecoveryState() {
	state := clustercfg.RecoveryState{
		TermID:         n.termID,
		VotedFor:       n.votedFor,
		LeaderID:       n.leaderID,
		CommitPosition: n.commitPosition,
	}
	if err := n.clusterDir.SaveRecoveryState(state); err != nil {
		n.fail(fmt.Errorf("failed to save recovery state: %w", err))
		return
	}
	n.savedCommit = n.commitPosition
	n.lastRecoverySaveMs = n.nowMs()
}

func (n *Node) persistCommitPosition(now int64) {
	if n.savedCommit == n.commitPosition || now-n.lastRecoverySaveMs < ms(n.cfg.RecoveryStateInterval) {
		return
	}
	n.saveRecoveryState()
}

func (n *Node) persistRegistry() {
	if _, err := n.clusterDir.SaveRegistry(clustercfg.Registry{Members: n.registry.toConfig()}); err != nil {
		n.errorCounter.Increment()
		log.Errorf("member %d failed to save member registry: %v", n.id, err)
		return
	}
	n.saveRecoveryState()
}

func (n *Node) finish() {
	n.drainRequests()
	if n.terminated.Load() {
		if hook := n.cfg.TerminationHook; hook != nil {
			hook()
		}
	}
	n.closeErr = n.closeResources(true)
	close(n.done)
}

func (n *Node) closeResources(persist bool) error {
	var errs []error
	if persist {
		if err := n.recording.Sync(); err != nil && !errors.Is(err, archive.ErrClosed) {
			errs = append(errs, err)
		}
		if err := n.clusterDir.SaveRecoveryState(clustercfg.RecoveryState{
			TermID:         n.termID,
			VotedFor:       n.votedFor,
			LeaderID:       n.leaderID,
			CommitPosition: n.commitPosition,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if n.election != nil {
		n.election.counter.Close()
		n.election = nil
	}
	if err := n.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.recording.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close stops the node without coordinating with the cluster, as a crash
// would, and releases its resources.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.stopCh)
		if n.started.CompareAndSwap(false, true) {
			n.closeErr = n.closeResources(false)
			close(n.done)
		}
	})
	<-n.done
	return n.closeErr
}

// Done is closed once the node has stopped for any reason.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Terminated reports whether the node stopped through a committed shutdown,
// abort, removal, or an unrecoverable error.
func (n *Node) Terminated() bool {
	return n.terminated.Load()
}

func (n *Node) ID() int32 {
	return n.id
}

func (n *Node) Role() Role {
	return Role(n.roleCounter.Get())
}

func (n *Node) IsLeader() bool {
	return n.Role() == RoleLeader
}

func (n *Node) LeaderID() int32 {
	return n.leaderView.Load()
}

func (n *Node) TermID() int64 {
	return n.termView.Load()
}

func (n *Node) CommitPosition() int64 {
	return n.commitCounter.Get()
}

// ElectionState returns the state of the running election, or false when
// no election is in progress.
func (n *Node) ElectionState() (ElectionState, bool) {
	c, ok := n.counters.Find(CounterElectionState)
	if !ok {
		return ElectionClosed, false
	}
	return ElectionState(c.Get()), true
}

func (n *Node) Counters() *CountersManager {
	return n.counters
}

func (n *Node) Errors() int64 {
	return n.errorCounter.Get()
}

func (n *Node) Snapshots() int64 {
	return n.snapshotCounter.Get()
}

// Status is a snapshot of the published node state.
func (n *Node) Status() clustercfg.Status {
	status := clustercfg.Status{
		MemberID:       n.id,
		Role:           n.Role().String(),
		TermID:         n.TermID(),
		LeaderID:       n.LeaderID(),
		CommitPosition: n.CommitPosition(),
		Errors:         n.Errors(),
		Snapshots:      n.Snapshots(),
		Terminated:     n.Terminated(),
	}
	if state, ok := n.ElectionState(); ok {
		status.ElectionState = state.String()
	}
	return status
}

func (n *Node) nowMs() int64 {
	return time.Now().UnixMilli()
}

func (n *Node) wallMs() int64 {
	return time.Now().UnixMilli()
}
