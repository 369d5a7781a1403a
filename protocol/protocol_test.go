package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEntryEncodeDecode(t *testing.T) {
	e := &Entry{TermID: 7, Type: EntryCommand, Timestamp: 1234, SessionID: 42, Payload: []byte("hello")}

	got, err := DecodeEntry(e.Encode())
	if err != nil {
		t.Fatalf("DecodeEntry failed: %v", err)
	}
	if got.TermID != 7 || got.Type != EntryCommand || got.Timestamp != 1234 || got.SessionID != 42 {
		t.Errorf("decoded header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, []byte("hello")) {
		t.Errorf("payload = %q, want %q", got.Payload, "hello")
	}
}

func TestDecodeEntryRejectsMalformed(t *testing.T) {
	valid := (&Entry{TermID: 1, Type: EntryCommand, Payload: []byte("x")}).Encode()

	badType := append([]byte(nil), valid...)
	badType[8] = 99

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:10]},
		{"truncated payload", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
		{"unknown type", badType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEntry(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("DecodeEntry() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestLeadershipTermEntry(t *testing.T) {
	e := NewLeadershipTermEntry(3, 2, 99)
	decoded, err := DecodeEntry(e.Encode())
	if err != nil {
		t.Fatalf("DecodeEntry failed: %v", err)
	}

	leaderID, err := decoded.LeaderID()
	if err != nil {
		t.Fatalf("LeaderID failed: %v", err)
	}
	if leaderID != 2 {
		t.Errorf("LeaderID = %d, want 2", leaderID)
	}

	if _, err := decoded.Action(); err == nil {
		t.Error("Action on a leadership term entry should fail")
	}
}

func TestClusterActionEntry(t *testing.T) {
	for _, action := range []ClusterAction{ActionSnapshot, ActionShutdown, ActionAbort} {
		t.Run(action.String(), func(t *testing.T) {
			decoded, err := DecodeEntry(ClusterActionEntry(1, action, 0).Encode())
			if err != nil {
				t.Fatalf("DecodeEntry failed: %v", err)
			}
			got, err := decoded.Action()
			if err != nil {
				t.Fatalf("Action failed: %v", err)
			}
			if got != action {
				t.Errorf("Action = %v, want %v", got, action)
			}
		})
	}
}

func TestMembershipChange(t *testing.T) {
	change := &MembershipChange{
		Kind:                ChangeAdd,
		MemberID:            4,
		Endpoints:           "localhost:8004,localhost:9004",
		Passive:             true,
		RequestedAtPosition: 512,
	}

	got, err := DecodeMembershipChange(change.Encode())
	if err != nil {
		t.Fatalf("DecodeMembershipChange failed: %v", err)
	}
	if *got != *change {
		t.Errorf("decoded change = %+v, want %+v", got, change)
	}

	if _, err := DecodeMembershipChange([]byte{1, 2, 3}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short change error = %v, want ErrMalformed", err)
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"canvass", Message{Type: MsgCanvassPosition, From: 1, TermID: 2, LogPosition: 10}, false},
		{"unknown type", Message{Type: 0, From: 1}, true},
		{"negative sender", Message{Type: MsgVote, From: -1}, true},
		{"negative position", Message{Type: MsgAppendPosition, From: 1, LogPosition: -5}, true},
		{"vote request for other candidate", Message{Type: MsgRequestVote, From: 1, CandidateID: 2}, true},
		{"append from non leader", Message{Type: MsgAppendRequest, From: 1, LeaderID: 2}, true},
		{"append term base beyond log", Message{Type: MsgAppendRequest, From: 1, LeaderID: 1, TermBasePosition: 10, LogPosition: 5}, true},
		{"append short entry", Message{Type: MsgAppendRequest, From: 1, LeaderID: 1, Entries: [][]byte{{1}}}, true},
		{"install without records", Message{Type: MsgInstallSnapshot, From: 0, LeaderID: 0}, true},
		{
			"install with mismatched record",
			Message{Type: MsgInstallSnapshot, LogPosition: 10, LogTermID: 1, Snapshots: []SnapshotRecord{{LogPosition: 11, TermID: 1}}},
			true,
		},
		{
			"install",
			Message{Type: MsgInstallSnapshot, LogPosition: 10, LogTermID: 1, Snapshots: []SnapshotRecord{{LogPosition: 10, TermID: 1}}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
