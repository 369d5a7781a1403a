// Package service holds ClusteredService implementations.
package service

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log"

	"github.com/arbha1erao/cluster/raft"
)

var log = logging.Logger("service")

// Counter counts the commands it applies and keeps the last payload per
// session. Its snapshot is the count followed by the session table.
type Counter struct {
	memberID int32

	messageCount           atomic.Int64
	role                   atomic.Int32
	wasSnapshotTaken       atomic.Bool
	wasSnapshotLoaded      atomic.Bool
	wasStartedFromSnapshot atomic.Bool
	snapshotsTaken         atomic.Int64

	mu       sync.Mutex
	sessions map[int64][]byte
	applied  []string
}

func NewCounter(memberID int32) *Counter {
	return &Counter{memberID: memberID, sessions: make(map[int64][]byte)}
}

func (c *Counter) OnStart(isRecoveringFromSnapshot bool) {
	c.wasStartedFromSnapshot.Store(isRecoveringFromSnapshot)
	log.Infof("member %d counter started, recovering from snapshot %v, count %d",
		c.memberID, isRecoveringFromSnapshot, c.messageCount.Load())
}

func (c *Counter) OnCommand(sessionID int64, timestamp int64, payload []byte) {
	c.mu.Lock()
	c.sessions[sessionID] = append([]byte(nil), payload...)
	c.applied = append(c.applied, string(payload))
	c.mu.Unlock()
	c.messageCount.Add(1)
}

func (c *Counter) OnTakeSnapshot(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := binary.Write(w, binary.BigEndian, c.messageCount.Load()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(c.sessions))); err != nil {
		return err
	}
	for id, payload := range c.sessions {
		if err := binary.Write(w, binary.BigEndian, id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, int32(len(payload))); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	c.wasSnapshotTaken.Store(true)
	c.snapshotsTaken.Add(1)
	return nil
}

func (c *Counter) OnLoadSnapshot(r io.Reader) error {
	var count int64
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("counter snapshot: %w", err)
	}
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return fmt.Errorf("counter snapshot: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("counter snapshot: %d sessions", n)
	}

	sessions := make(map[int64][]byte, n)
	for i := int32(0); i < n; i++ {
		var id int64
		var length int32
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return fmt.Errorf("counter snapshot: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return fmt.Errorf("counter snapshot: %w", err)
		}
		if length < 0 {
			return fmt.Errorf("counter snapshot: session %d payload of %d bytes", id, length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("counter snapshot: %w", err)
		}
		sessions[id] = payload
	}

	c.mu.Lock()
	c.sessions = sessions
	c.mu.Unlock()
	c.messageCount.Store(count)
	c.wasSnapshotLoaded.Store(true)
	return nil
}

func (c *Counter) OnRoleChange(role raft.Role) {
	c.role.Store(int32(role))
	log.Infof("member %d counter role changed to %s", c.memberID, role)
}

func (c *Counter) MessageCount() int64 {
	return c.messageCount.Load()
}

func (c *Counter) Role() raft.Role {
	return raft.Role(c.role.Load())
}

func (c *Counter) WasSnapshotTaken() bool {
	return c.wasSnapshotTaken.Load()
}

func (c *Counter) WasSnapshotLoaded() bool {
	return c.wasSnapshotLoaded.Load()
}

func (c *Counter) StartedFromSnapshot() bool {
	return c.wasStartedFromSnapshot.Load()
}

func (c *Counter) SnapshotsTaken() int64 {
	return c.snapshotsTaken.Load()
}

// LastPayload returns the last payload applied for sessionID.
func (c *Counter) LastPayload(sessionID int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.sessions[sessionID]
	return p, ok
}

// Applied returns every payload applied since the process started, in
// order.
func (c *Counter) Applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...)
}

var _ raft.ClusteredService = (*Counter)(nil)
