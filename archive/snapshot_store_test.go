package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/arbha1erao/cluster/protocol"
)

var storeServices = []int32{protocol.ConsensusModuleServiceID, 0}

func saveRound(t *testing.T, s *SnapshotStore, position, termID int64) {
	t.Helper()
	for _, id := range storeServices {
		rec := protocol.SnapshotRecord{LogPosition: position, TermID: termID, ServiceID: id, MemberID: 1, Data: []byte{byte(id + 1), byte(position)}}
		if err := s.Save(rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
}

func TestSnapshotStoreLatest(t *testing.T) {
	s, err := OpenSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSnapshotStore failed: %v", err)
	}

	if recs, err := s.Latest(storeServices); err != nil || recs != nil {
		t.Fatalf("empty store Latest = %v, %v; want nil, nil", recs, err)
	}

	saveRound(t, s, 100, 1)
	saveRound(t, s, 200, 2)
	// incomplete round
	if err := s.Save(protocol.SnapshotRecord{LogPosition: 300, TermID: 2, ServiceID: 0}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	recs, err := s.Latest(storeServices)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Latest returned %d records, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.LogPosition != 200 || rec.TermID != 2 || rec.MemberID != 1 {
			t.Errorf("record = %+v, want position 200 term 2", rec)
		}
	}
	if recs[1].Data[0] != 1 {
		t.Errorf("service 0 data = %v", recs[1].Data)
	}

	if !s.Has(100, storeServices) || s.Has(300, storeServices) {
		t.Error("Has reported wrong completeness")
	}
}

func TestSnapshotStoreDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSnapshotStore(dir)
	if err != nil {
		t.Fatalf("OpenSnapshotStore failed: %v", err)
	}
	saveRound(t, s, 64, 1)

	path := filepath.Join(dir, snapshotFileName(64, 0))
	data, _ := os.ReadFile(path)
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := s.Latest(storeServices); !errors.Is(err, ErrSnapshotCorrupted) {
		t.Errorf("Latest error = %v, want ErrSnapshotCorrupted", err)
	}
}

func TestSnapshotStorePrune(t *testing.T) {
	s, err := OpenSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSnapshotStore failed: %v", err)
	}
	for i, position := range []int64{10, 20, 30, 40} {
		saveRound(t, s, position, int64(i+1))
	}

	if err := s.Prune(2, storeServices); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	positions, err := s.Positions(storeServices)
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}
	if len(positions) != 2 || positions[0] != 40 || positions[1] != 30 {
		t.Errorf("positions after prune = %v, want [40 30]", positions)
	}
}

func TestParseSnapshotFileName(t *testing.T) {
	tests := []struct {
		name     string
		position int64
		service  int32
		ok       bool
	}{
		{snapshotFileName(128, 0), 128, 0, true},
		{snapshotFileName(128, 3), 128, 3, true},
		{snapshotFileName(256, protocol.ConsensusModuleServiceID), 256, protocol.ConsensusModuleServiceID, true},
		{"snapshot-128-svc0.snap.tmp", 0, 0, false},
		{"recording.json", 0, 0, false},
		{"snapshot-x-svc0.snap", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			position, service, ok := parseSnapshotFileName(tt.name)
			if ok != tt.ok || position != tt.position || service != tt.service {
				t.Errorf("parse = %d, %d, %v; want %d, %d, %v", position, service, ok, tt.position, tt.service, tt.ok)
			}
		})
	}
}
