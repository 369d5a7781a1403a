package raft

import (
	"fmt"
	"time"

	"github.com/arbha1erao/cluster/clustercfg"
)

// Role is the node's part in the current term.
type Role int32

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleLeader:
		return "LEADER"
	default:
		return fmt.Sprintf("ROLE(%d)", int32(r))
	}
}

// ElectionState is the state of an in-progress election.
type ElectionState int32

const (
	ElectionInit ElectionState = iota
	ElectionCanvass
	ElectionNominate
	ElectionCandidateBallot
	ElectionFollowerBallot
	ElectionLeaderReplay
	ElectionLeaderReady
	ElectionFollowerReplay
	ElectionFollowerReady
	ElectionClosed
)

func (s ElectionState) String() string {
	switch s {
	case ElectionInit:
		return "INIT"
	case ElectionCanvass:
		return "CANVASS"
	case ElectionNominate:
		return "NOMINATE"
	case ElectionCandidateBallot:
		return "CANDIDATE_BALLOT"
	case ElectionFollowerBallot:
		return "FOLLOWER_BALLOT"
	case ElectionLeaderReplay:
		return "LEADER_REPLAY"
	case ElectionLeaderReady:
		return "LEADER_READY"
	case ElectionFollowerReplay:
		return "FOLLOWER_REPLAY"
	case ElectionFollowerReady:
		return "FOLLOWER_READY"
	case ElectionClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ELECTION_STATE(%d)", int32(s))
	}
}

// ClusterMember is a member of the registry.
type ClusterMember struct {
	ID        int32
	Endpoints clustercfg.Endpoints
	IsActive  bool
}

// LeadershipTerm records where a term begins in the log.
type LeadershipTerm struct {
	TermID             int64
	LeaderID           int32
	LogPositionAtStart int64
}

// ClusterConfig is the TOML cluster file shared by every node.
type ClusterConfig struct {
	ClusterDir              string        `toml:"cluster_dir"`
	LogLevel                string        `toml:"log_level"`
	IdleStrategy            string        `toml:"idle_strategy"`
	ElectionTimeout         time.Duration `toml:"election_timeout"`
	StartupCanvassTimeout   time.Duration `toml:"startup_canvass_timeout"`
	LeaderHeartbeatInterval time.Duration `toml:"leader_heartbeat_interval"`
	LeaderHeartbeatTimeout  time.Duration `toml:"leader_heartbeat_timeout"`
	TerminationTimeout      time.Duration `toml:"termination_timeout"`
	SnapshotRetention       int           `toml:"snapshot_retention"`
	PurgeLogAfterSnapshot   bool          `toml:"purge_log_after_snapshot"`
	Nodes                   []NodeConfig  `toml:"nodes"`
}

// NodeConfig is one [[nodes]] entry of the cluster file.
type NodeConfig struct {
	ID        int32  `toml:"id"`
	Ingress   string `toml:"ingress"`
	Consensus string `toml:"consensus"`
}

// MembersString renders the nodes as a static members string.
func (c ClusterConfig) MembersString() string {
	members := make([]clustercfg.Member, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		members = append(members, clustercfg.Member{
			ID:        n.ID,
			Endpoints: clustercfg.Endpoints{Ingress: n.Ingress, Consensus: n.Consensus},
			Active:    true,
		})
	}
	return clustercfg.FormatMembers(members)
}

// Node returns the entry of memberID.
func (c ClusterConfig) Node(memberID int32) (NodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.ID == memberID {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// Config builds the node configuration of memberID, using defaults for
// every unset value. clusterDir overrides the file's cluster_dir when set.
func (c ClusterConfig) Config(memberID int32, clusterDir string) (Config, error) {
	if _, ok := c.Node(memberID); !ok {
		return Config{}, fmt.Errorf("%w: member %d not found in cluster file", ErrInvalidConfig, memberID)
	}

	cfg := DefaultConfig()
	cfg.MemberID = memberID
	cfg.ClusterMembers = c.MembersString()
	cfg.ClusterDir = c.ClusterDir
	if clusterDir != "" {
		cfg.ClusterDir = clusterDir
	}
	if c.IdleStrategy != "" {
		cfg.IdleStrategy = c.IdleStrategy
	}
	if c.ElectionTimeout > 0 {
		cfg.ElectionTimeout = c.ElectionTimeout
	}
	if c.StartupCanvassTimeout > 0 {
		cfg.StartupCanvassTimeout = c.StartupCanvassTimeout
	}
	if c.LeaderHeartbeatInterval > 0 {
		cfg.LeaderHeartbeatInterval = c.LeaderHeartbeatInterval
	}
	if c.LeaderHeartbeatTimeout > 0 {
		cfg.LeaderHeartbeatTimeout = c.LeaderHeartbeatTimeout
	}
	if c.TerminationTimeout > 0 {
		cfg.TerminationTimeout = c.TerminationTimeout
	}
	if c.SnapshotRetention > 0 {
		cfg.SnapshotRetention = c.SnapshotRetention
	}
	cfg.PurgeLogAfterSnapshot = c.PurgeLogAfterSnapshot

	return cfg, cfg.Validate()
}
