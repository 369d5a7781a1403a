package raft

import (
	"io"

	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

// ClusteredService is the replicated state machine hosted by a node. Every
// callback runs on the node's driver goroutine.
type ClusteredService interface {
	// OnStart is called once before any command is delivered.
	OnStart(isRecoveringFromSnapshot bool)
	// OnCommand delivers a committed command in log order.
	OnCommand(sessionID int64, timestamp int64, payload []byte)
	OnTakeSnapshot(w io.Writer) error
	OnLoadSnapshot(r io.Reader) error
	OnRoleChange(role Role)
}

// Transport carries consensus messages between members. Send must not block.
type Transport interface {
	Send(to int32, msg *protocol.Message) error
	Poll(handler func(*protocol.Message), limit int) int
	UpdateMembers(members []clustercfg.Member)
	Close() error
}

// DurableLog is the position addressed log a node replicates.
type DurableLog interface {
	Append(data []byte) (int64, error)
	Sync() error
	Replay(from, to int64, handler func(position int64, data []byte) bool) (int, error)
	Truncate(position int64) error
	Purge(position int64, startTermID int64) error
	Reset(position int64, startTermID int64) error
	IsBoundary(position int64) bool
	BoundaryAtOrBefore(position int64) int64
	RecordingID() int64
	StartPosition() int64
	StartTermID() int64
	StopPosition() int64
	SyncedPosition() int64
	Close() error
}

// SnapshotStore keeps snapshot records by log position.
type SnapshotStore interface {
	Save(rec protocol.SnapshotRecord) error
	Latest(serviceIDs []int32) ([]protocol.SnapshotRecord, error)
	Has(position int64, serviceIDs []int32) bool
	Prune(keep int, serviceIDs []int32) error
}
