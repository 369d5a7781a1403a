package raft

import (
	"fmt"
	"time"

	"github.com/arbha1erao/cluster/clustercfg"
)

// Config is the immutable configuration of a Node. Build it with
// DefaultConfig and adjust the fields before calling NewNode.
type Config struct {
	MemberID       int32
	ClusterMembers string // "id,ingress,consensus|..."
	ClusterDir     string

	ElectionTimeout         time.Duration
	StartupCanvassTimeout   time.Duration
	ElectionStatusInterval  time.Duration
	LeaderHeartbeatInterval time.Duration
	LeaderHeartbeatTimeout  time.Duration
	TerminationTimeout      time.Duration
	RecoveryStateInterval   time.Duration

	// Replication batching in bytes.
	MaxBatchBytes     int
	CatchupBatchBytes int
	CatchupThreshold  int64

	PollLimit        int
	ApplyLimit       int
	IngressQueueSize int
	IdleStrategy     string

	SnapshotRetention     int
	PurgeLogAfterSnapshot bool
	PreferLogReplay       bool

	// TerminationHook runs once after a node terminates through a committed
	// shutdown, abort, or its own removal.
	TerminationHook func()
}

func DefaultConfig() Config {
	return Config{
		ElectionTimeout:         time.Second,
		StartupCanvassTimeout:   2 * time.Second,
		ElectionStatusInterval:  100 * time.Millisecond,
		LeaderHeartbeatInterval: 200 * time.Millisecond,
		LeaderHeartbeatTimeout:  2 * time.Second,
		TerminationTimeout:      10 * time.Second,
		RecoveryStateInterval:   100 * time.Millisecond,
		MaxBatchBytes:           64 << 10,
		CatchupBatchBytes:       1 << 20,
		CatchupThreshold:        4 << 20,
		PollLimit:               64,
		ApplyLimit:              256,
		IngressQueueSize:        1024,
		IdleStrategy:            IdleBackoff,
		SnapshotRetention:       3,
	}
}

// Validate checks the configuration for values a node cannot run with.
func (c Config) Validate() error {
	if c.MemberID < 0 {
		return fmt.Errorf("%w: member id %d", ErrInvalidConfig, c.MemberID)
	}
	if c.ClusterDir == "" {
		return fmt.Errorf("%w: cluster dir is required", ErrInvalidConfig)
	}

	members, err := clustercfg.ParseMembers(c.ClusterMembers)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	found := false
	for _, m := range members {
		if m.ID == c.MemberID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: member %d is not in the cluster members", ErrInvalidConfig, c.MemberID)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"election timeout", c.ElectionTimeout},
		{"startup canvass timeout", c.StartupCanvassTimeout},
		{"election status interval", c.ElectionStatusInterval},
		{"leader heartbeat interval", c.LeaderHeartbeatInterval},
		{"leader heartbeat timeout", c.LeaderHeartbeatTimeout},
		{"termination timeout", c.TerminationTimeout},
		{"recovery state interval", c.RecoveryStateInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, d.name, d.value)
		}
	}
	if c.LeaderHeartbeatInterval >= c.LeaderHeartbeatTimeout {
		return fmt.Errorf("%w: heartbeat interval %v must be below heartbeat timeout %v",
			ErrInvalidConfig, c.LeaderHeartbeatInterval, c.LeaderHeartbeatTimeout)
	}
	if c.ElectionStatusInterval >= c.ElectionTimeout {
		return fmt.Errorf("%w: election status interval %v must be below election timeout %v",
			ErrInvalidConfig, c.ElectionStatusInterval, c.ElectionTimeout)
	}

	if c.MaxBatchBytes <= 0 || c.CatchupBatchBytes <= 0 || c.CatchupThreshold < 0 {
		return fmt.Errorf("%w: batch sizes must be positive", ErrInvalidConfig)
	}
	if c.PollLimit <= 0 || c.ApplyLimit <= 0 || c.IngressQueueSize <= 0 {
		return fmt.Errorf("%w: poll, apply and ingress limits must be positive", ErrInvalidConfig)
	}
	if c.SnapshotRetention < 1 {
		return fmt.Errorf("%w: snapshot retention must be at least 1", ErrInvalidConfig)
	}
	if _, err := NewIdleStrategy(c.IdleStrategy); err != nil {
		return err
	}

	return nil
}

func (c Config) members() []clustercfg.Member {
	members, _ := clustercfg.ParseMembers(c.ClusterMembers)
	return members
}

func ms(d time.Duration) int64 {
	return d.Milliseconds()
}
