package clustercfg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestParseMembers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantIDs []int32
		wantErr bool
	}{
		{"three members", "0,localhost:8000,localhost:9000|1,localhost:8001,localhost:9001|2,localhost:8002,localhost:9002", []int32{0, 1, 2}, false},
		{"unsorted", "2,h:1,h:2|0,h:3,h:4", []int32{0, 2}, false},
		{"empty", "", nil, true},
		{"missing endpoints", "0", nil, true},
		{"bad id", "x,h:1,h:2", nil, true},
		{"negative id", "-1,h:1,h:2", nil, true},
		{"duplicate id", "0,h:1,h:2|0,h:3,h:4", nil, true},
		{"one endpoint", "0,h:1", nil, true},
		{"bad address", "0,h,h:2", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			members, err := ParseMembers(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMembers() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMembers) {
					t.Errorf("error = %v, want ErrInvalidMembers", err)
				}
				return
			}
			if len(members) != len(tt.wantIDs) {
				t.Fatalf("got %d members, want %d", len(members), len(tt.wantIDs))
			}
			for i, m := range members {
				if m.ID != tt.wantIDs[i] || !m.Active {
					t.Errorf("member %d = %+v, want id %d active", i, m, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestFormatMembers(t *testing.T) {
	s := "0,localhost:8000,localhost:9000|1,localhost:8001,localhost:9001"
	members, err := ParseMembers(s)
	if err != nil {
		t.Fatalf("ParseMembers failed: %v", err)
	}
	if got := FormatMembers(members); got != s {
		t.Errorf("FormatMembers = %q, want %q", got, s)
	}
}

func TestDirRegistryAndRecoveryState(t *testing.T) {
	dir, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDir failed: %v", err)
	}

	if _, found, err := dir.LoadRegistry(); err != nil || found {
		t.Fatalf("LoadRegistry on empty dir = %v, %v", found, err)
	}

	state, err := dir.LoadRecoveryState()
	if err != nil {
		t.Fatalf("LoadRecoveryState failed: %v", err)
	}
	if state.VotedFor != -1 || state.LeaderID != -1 || state.TermID != 0 {
		t.Errorf("fresh recovery state = %+v", state)
	}

	members, _ := ParseMembers("0,h:1,h:2|1,h:3,h:4")
	saved, err := dir.SaveRegistry(Registry{Members: members})
	if err != nil {
		t.Fatalf("SaveRegistry failed: %v", err)
	}
	if saved.Version != 1 {
		t.Errorf("version = %d, want 1", saved.Version)
	}

	reg, found, err := dir.LoadRegistry()
	if err != nil || !found {
		t.Fatalf("LoadRegistry = %v, %v", found, err)
	}
	if len(reg.Members) != 2 || reg.Members[1].Endpoints.Consensus != "h:4" {
		t.Errorf("loaded registry = %+v", reg)
	}

	if err := dir.SaveRecoveryState(RecoveryState{TermID: 4, VotedFor: 1, LeaderID: 1, CommitPosition: 640}); err != nil {
		t.Fatalf("SaveRecoveryState failed: %v", err)
	}
	state, err = dir.LoadRecoveryState()
	if err != nil {
		t.Fatalf("LoadRecoveryState failed: %v", err)
	}
	if state.TermID != 4 || state.VotedFor != 1 || state.CommitPosition != 640 {
		t.Errorf("recovery state = %+v", state)
	}
}

type fakeController struct {
	mu      sync.Mutex
	added   map[int32]string
	removed map[int32]bool
	offered [][]byte
	block   bool
}

func newFakeController() *fakeController {
	return &fakeController{added: make(map[int32]string), removed: make(map[int32]bool)}
}

func (f *fakeController) ListMembers(ctx context.Context) (Membership, error) {
	if f.block {
		<-ctx.Done()
		return Membership{}, ctx.Err()
	}
	return Membership{MemberID: 0, LeaderID: 0, ActiveMembers: "0,h:1,h:2"}, nil
}

func (f *fakeController) AddMember(_ context.Context, id int32, endpoints string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.added[id]; ok {
		return errors.New("membership change in flight")
	}
	f.added[id] = endpoints
	return nil
}

func (f *fakeController) RemoveMember(_ context.Context, id int32, passive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[id] = passive
	return nil
}

func (f *fakeController) RequestSnapshot(context.Context) error { return nil }
func (f *fakeController) Shutdown(context.Context) error        { return errors.New("not leader") }
func (f *fakeController) Abort(context.Context) error           { return nil }

func (f *fakeController) Offer(_ context.Context, _ int64, payload []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offered = append(f.offered, payload)
	return int64(len(f.offered) * 64), nil
}

func (f *fakeController) Status() Status {
	return Status{MemberID: 0, Role: "LEADER", LeaderID: 0, TermID: 2}
}

func startServer(t *testing.T, ctrl Controller, timeout time.Duration) *Client {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", ctrl, timeout)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return NewClient(srv.Addr())
}

func TestAdminServerRoundTrip(t *testing.T) {
	ctrl := newFakeController()
	client := startServer(t, ctrl, time.Second)
	ctx := context.Background()

	membership, err := client.ListMembers(ctx)
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if membership.ActiveMembers != "0,h:1,h:2" {
		t.Errorf("ActiveMembers = %q", membership.ActiveMembers)
	}

	if err := client.AddMember(ctx, 3, "localhost:8003,localhost:9003"); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if err := client.AddMember(ctx, 3, "localhost:8003,localhost:9003"); !errors.Is(err, ErrRejected) {
		t.Errorf("second AddMember error = %v, want ErrRejected", err)
	}
	if err := client.AddMember(ctx, 4, "not-an-endpoint"); err == nil {
		t.Error("AddMember with bad endpoints should fail")
	}

	if err := client.RemoveMember(ctx, 1, true); err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}
	ctrl.mu.Lock()
	passive, ok := ctrl.removed[1]
	ctrl.mu.Unlock()
	if !ok || !passive {
		t.Errorf("member 1 removed = %v, passive = %v", ok, passive)
	}

	if err := client.Shutdown(ctx); !errors.Is(err, ErrRejected) {
		t.Errorf("Shutdown error = %v, want ErrRejected", err)
	}
	if err := client.RequestSnapshot(ctx); err != nil {
		t.Errorf("RequestSnapshot failed: %v", err)
	}

	position, err := client.Offer(ctx, 7, []byte("hello"))
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	ctrl.mu.Lock()
	first := string(ctrl.offered[0])
	ctrl.mu.Unlock()
	if position != 64 || first != "hello" {
		t.Errorf("Offer = %d, %q", position, first)
	}

	status, err := client.WaitForLeader(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForLeader failed: %v", err)
	}
	if status.Role != "LEADER" {
		t.Errorf("status = %+v", status)
	}
}

func TestAdminServerTimeout(t *testing.T) {
	ctrl := newFakeController()
	ctrl.block = true
	client := startServer(t, ctrl, 50*time.Millisecond)

	if _, err := client.ListMembers(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("ListMembers error = %v, want ErrTimeout", err)
	}
}
