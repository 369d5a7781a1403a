package service

import (
	"bytes"
	"testing"

	"github.com/arbha1erao/cluster/raft"
)

func TestCounterAppliesCommands(t *testing.T) {
	c := NewCounter(0)
	c.OnStart(false)

	payloads := []string{"a", "b", "c"}
	for i, p := range payloads {
		c.OnCommand(int64(i%2), int64(i), []byte(p))
	}

	if got := c.MessageCount(); got != 3 {
		t.Errorf("MessageCount = %d, want 3", got)
	}
	if p, ok := c.LastPayload(0); !ok || string(p) != "c" {
		t.Errorf("LastPayload(0) = %q, %v", p, ok)
	}
	applied := c.Applied()
	for i, p := range payloads {
		if applied[i] != p {
			t.Errorf("applied[%d] = %q, want %q", i, applied[i], p)
		}
	}
	if c.StartedFromSnapshot() {
		t.Error("StartedFromSnapshot should be false")
	}
}

func TestCounterSnapshot(t *testing.T) {
	c := NewCounter(1)
	c.OnCommand(7, 0, []byte("seven"))
	c.OnCommand(9, 1, []byte("nine"))

	var buf bytes.Buffer
	if err := c.OnTakeSnapshot(&buf); err != nil {
		t.Fatalf("OnTakeSnapshot failed: %v", err)
	}
	if !c.WasSnapshotTaken() || c.SnapshotsTaken() != 1 {
		t.Error("snapshot not recorded as taken")
	}

	restored := NewCounter(2)
	if err := restored.OnLoadSnapshot(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("OnLoadSnapshot failed: %v", err)
	}
	restored.OnStart(true)

	if restored.MessageCount() != 2 || !restored.WasSnapshotLoaded() || !restored.StartedFromSnapshot() {
		t.Errorf("restored count %d, loaded %v", restored.MessageCount(), restored.WasSnapshotLoaded())
	}
	if p, ok := restored.LastPayload(9); !ok || string(p) != "nine" {
		t.Errorf("LastPayload(9) = %q, %v", p, ok)
	}
}

func TestCounterRejectsTruncatedSnapshot(t *testing.T) {
	c := NewCounter(0)
	c.OnCommand(1, 0, []byte("payload"))

	var buf bytes.Buffer
	if err := c.OnTakeSnapshot(&buf); err != nil {
		t.Fatalf("OnTakeSnapshot failed: %v", err)
	}
	data := buf.Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"count only", data[:8]},
		{"cut payload", data[:len(data)-2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewCounter(0).OnLoadSnapshot(bytes.NewReader(tt.data)); err == nil {
				t.Error("OnLoadSnapshot should fail")
			}
		})
	}
}

func TestCounterRole(t *testing.T) {
	c := NewCounter(0)
	if c.Role() != raft.RoleFollower {
		t.Errorf("initial role = %s", c.Role())
	}
	c.OnRoleChange(raft.RoleLeader)
	if c.Role() != raft.RoleLeader {
		t.Errorf("role = %s, want LEADER", c.Role())
	}
}
