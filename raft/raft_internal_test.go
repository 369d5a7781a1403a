package raft

import (
	"errors"
	"testing"
	"time"

	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

func TestTermHistory(t *testing.T) {
	h := &termHistory{}
	h.reset(100, 2)
	h.append(LeadershipTerm{TermID: 3, LeaderID: 1, LogPositionAtStart: 100})
	h.append(LeadershipTerm{TermID: 5, LeaderID: 0, LogPositionAtStart: 300})

	tests := []struct {
		position  int64
		wantTerm  int64
		wantStart int64
	}{
		{100, 2, 100},
		{150, 3, 100},
		{300, 3, 100},
		{301, 5, 300},
		{900, 5, 300},
	}
	for _, tt := range tests {
		if got := h.termAt(tt.position); got != tt.wantTerm {
			t.Errorf("termAt(%d) = %d, want %d", tt.position, got, tt.wantTerm)
		}
		if got := h.termStart(tt.position); got != tt.wantStart {
			t.Errorf("termStart(%d) = %d, want %d", tt.position, got, tt.wantStart)
		}
	}

	h.truncate(300)
	if got := h.lastTermID(); got != 3 {
		t.Errorf("lastTermID after truncate = %d, want 3", got)
	}
	h.append(LeadershipTerm{TermID: 4, LeaderID: 2, LogPositionAtStart: 200})
	if got := h.termAt(250); got != 4 {
		t.Errorf("termAt(250) after replacing tail = %d, want 4", got)
	}
	if len(h.terms) != 2 {
		t.Errorf("terms = %+v", h.terms)
	}
}

func TestCompareLog(t *testing.T) {
	tests := []struct {
		name             string
		termA, positionA int64
		termB, positionB int64
		want             int
	}{
		{"equal", 2, 100, 2, 100, 0},
		{"higher term wins over position", 3, 10, 2, 500, 1},
		{"lower term", 1, 900, 2, 100, -1},
		{"same term longer", 2, 200, 2, 100, 1},
		{"same term shorter", 2, 50, 2, 100, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := compareLog(tt.termA, tt.positionA, tt.termB, tt.positionB); got != tt.want {
				t.Errorf("compareLog = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCountersManager(t *testing.T) {
	m := NewCountersManager()
	commit := m.Allocate(CounterCommitPosition, "commit")
	election := m.Allocate(CounterElectionState, "election")

	commit.Set(640)
	if commit.Increment() != 641 {
		t.Errorf("Increment = %d", commit.Get())
	}
	if m.CountOf(CounterCommitPosition) != 1 {
		t.Errorf("CountOf(commit) = %d", m.CountOf(CounterCommitPosition))
	}

	found, ok := m.Find(CounterElectionState)
	if !ok || found.ID() != election.ID() {
		t.Fatalf("Find(election) = %v, %v", found, ok)
	}

	election.Close()
	election.Close()
	if _, ok := m.Find(CounterElectionState); ok {
		t.Error("closed counter still allocated")
	}
	if !election.IsClosed() {
		t.Error("IsClosed = false after Close")
	}

	var labels []string
	m.ForEach(func(_ int32, _ CounterType, label string, _ int64) {
		labels = append(labels, label)
	})
	if len(labels) != 1 || labels[0] != "commit" {
		t.Errorf("ForEach labels = %v", labels)
	}
}

func TestIdleStrategies(t *testing.T) {
	for _, name := range []string{IdleSleeping, IdleYielding, IdleBusySpin, IdleBackoff} {
		s, err := NewIdleStrategy(name)
		if err != nil {
			t.Fatalf("NewIdleStrategy(%q) failed: %v", name, err)
		}
		s.Idle(1)
		s.Idle(0)
		s.Reset()
	}

	if _, err := NewIdleStrategy("nap"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown strategy error = %v", err)
	}
}

func TestBackoffIdleStrategyParks(t *testing.T) {
	s := NewBackoffIdleStrategy(1, 1, time.Millisecond, 4*time.Millisecond)
	for i := 0; i < 8; i++ {
		s.Idle(0)
	}
	if s.state != backoffParking || s.park != 4*time.Millisecond {
		t.Errorf("state = %d, park = %v", s.state, s.park)
	}
	s.Idle(1)
	if s.state != backoffNotIdle || s.park != time.Millisecond {
		t.Errorf("after work: state = %d, park = %v", s.state, s.park)
	}
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.MemberID = 0
	cfg.ClusterMembers = "0,localhost:8000,localhost:9000|1,localhost:8001,localhost:9001|2,localhost:8002,localhost:9002"
	cfg.ClusterDir = dir
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative member", func(c *Config) { c.MemberID = -1 }},
		{"no dir", func(c *Config) { c.ClusterDir = "" }},
		{"bad members", func(c *Config) { c.ClusterMembers = "0" }},
		{"member not listed", func(c *Config) { c.MemberID = 5 }},
		{"zero election timeout", func(c *Config) { c.ElectionTimeout = 0 }},
		{"heartbeat interval above timeout", func(c *Config) { c.LeaderHeartbeatInterval = 3 * time.Second }},
		{"status interval above election timeout", func(c *Config) { c.ElectionStatusInterval = 2 * time.Second }},
		{"zero batch", func(c *Config) { c.MaxBatchBytes = 0 }},
		{"zero poll limit", func(c *Config) { c.PollLimit = 0 }},
		{"no retention", func(c *Config) { c.SnapshotRetention = 0 }},
		{"unknown idle", func(c *Config) { c.IdleStrategy = "nap" }},
	}

	if err := testConfig(t.TempDir()).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			tt.modify(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestClusterConfigToNodeConfig(t *testing.T) {
	cc := ClusterConfig{
		ClusterDir:      "/var/lib/cluster",
		ElectionTimeout: 3 * time.Second,
		Nodes: []NodeConfig{
			{ID: 0, Ingress: "localhost:8000", Consensus: "localhost:9000"},
			{ID: 1, Ingress: "localhost:8001", Consensus: "localhost:9001"},
		},
	}

	cfg, err := cc.Config(1, "/tmp/node-1")
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	if cfg.MemberID != 1 || cfg.ClusterDir != "/tmp/node-1" || cfg.ElectionTimeout != 3*time.Second {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.LeaderHeartbeatTimeout != DefaultConfig().LeaderHeartbeatTimeout {
		t.Errorf("unset heartbeat timeout = %v, want default", cfg.LeaderHeartbeatTimeout)
	}
	if cfg.ClusterMembers != "0,localhost:8000,localhost:9000|1,localhost:8001,localhost:9001" {
		t.Errorf("members = %q", cfg.ClusterMembers)
	}

	if _, err := cc.Config(7, ""); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown member error = %v", err)
	}
}

func TestMemberRegistry(t *testing.T) {
	members, err := clustercfg.ParseMembers("0,h:1,h:2|1,h:3,h:4|2,h:5,h:6")
	if err != nil {
		t.Fatalf("ParseMembers failed: %v", err)
	}
	r := newMemberRegistry(0, members)

	if r.quorum() != 2 || len(r.peers()) != 2 {
		t.Fatalf("quorum = %d, peers = %d", r.quorum(), len(r.peers()))
	}

	add := &protocol.MembershipChange{Kind: protocol.ChangeAdd, MemberID: 3, Endpoints: "h:7,h:8"}
	if err := r.apply(add); err != nil {
		t.Fatalf("apply add failed: %v", err)
	}
	if err := r.apply(add); err != nil {
		t.Fatalf("second apply add failed: %v", err)
	}
	if r.quorum() != 3 || !r.isActive(3) {
		t.Errorf("after add: quorum = %d, active(3) = %v", r.quorum(), r.isActive(3))
	}

	if err := r.apply(&protocol.MembershipChange{Kind: protocol.ChangeRemove, MemberID: 1}); err != nil {
		t.Fatalf("apply remove failed: %v", err)
	}
	if r.isActive(1) || r.membersString(false) != "1,h:3,h:4" {
		t.Errorf("passive members = %q", r.membersString(false))
	}
	if r.quorum() != 2 {
		t.Errorf("quorum after remove = %d", r.quorum())
	}

	if err := r.apply(&protocol.MembershipChange{Kind: protocol.ChangeRemove, MemberID: 9}); !errors.Is(err, ErrUnknownMember) {
		t.Errorf("remove unknown error = %v", err)
	}
	if err := r.apply(&protocol.MembershipChange{Kind: protocol.ChangeAdd, MemberID: 4, Endpoints: "bad"}); !errors.Is(err, ErrInvalidEndpoints) {
		t.Errorf("add with bad endpoints error = %v", err)
	}
}
