package protocol

import (
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("protocol: malformed message")

// MessageType identifies a consensus message.
type MessageType uint8

const (
	MsgCanvassPosition MessageType = iota + 1
	MsgRequestVote
	MsgVote
	MsgNewLeadershipTerm
	MsgAppendRequest
	MsgAppendPosition
	MsgCatchupRequest
	MsgInstallSnapshot
	MsgTerminationAck
)

func (t MessageType) String() string {
	switch t {
	case MsgCanvassPosition:
		return "CanvassPosition"
	case MsgRequestVote:
		return "RequestVote"
	case MsgVote:
		return "Vote"
	case MsgNewLeadershipTerm:
		return "NewLeadershipTerm"
	case MsgAppendRequest:
		return "AppendRequest"
	case MsgAppendPosition:
		return "AppendPosition"
	case MsgCatchupRequest:
		return "CatchupRequest"
	case MsgInstallSnapshot:
		return "InstallSnapshot"
	case MsgTerminationAck:
		return "TerminationAck"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Message is the single envelope exchanged between consensus modules.
// Field meaning depends on Type:
//
//	CanvassPosition   TermID, LogTermID, LogPosition
//	RequestVote       TermID (candidate term), CandidateID, LogTermID, LogPosition
//	Vote              TermID, CandidateID, Granted, LogTermID, LogPosition
//	NewLeadershipTerm TermID, LeaderID, TermBasePosition, PrevTermID, LogPosition, CommitPosition
//	AppendRequest     TermID, LeaderID, PrevPosition, PrevTermID, Entries, CommitPosition, TermBasePosition, LogPosition
//	AppendPosition    TermID, LogPosition, Success
//	CatchupRequest    TermID, LogPosition, LogTermID
//	InstallSnapshot   TermID, LeaderID, LogPosition, LogTermID, Snapshots, CommitPosition
//	TerminationAck    TermID, LogPosition
//
// A message is immutable once handed to a transport.
type Message struct {
	Type             MessageType      `json:"type"`
	From             int32            `json:"from"`
	TermID           int64            `json:"termId"`
	LogTermID        int64            `json:"logTermId,omitempty"`
	LogPosition      int64            `json:"logPosition,omitempty"`
	CandidateID      int32            `json:"candidateId,omitempty"`
	LeaderID         int32            `json:"leaderId,omitempty"`
	Granted          bool             `json:"granted,omitempty"`
	Success          bool             `json:"success,omitempty"`
	PrevPosition     int64            `json:"prevPosition,omitempty"`
	PrevTermID       int64            `json:"prevTermId,omitempty"`
	TermBasePosition int64            `json:"termBasePosition,omitempty"`
	CommitPosition   int64            `json:"commitPosition,omitempty"`
	Entries          [][]byte         `json:"entries,omitempty"`
	Snapshots        []SnapshotRecord `json:"snapshots,omitempty"`
}

// Validate rejects messages no correct peer can send.
func (m *Message) Validate() error {
	if m.Type < MsgCanvassPosition || m.Type > MsgTerminationAck {
		return fmt.Errorf("%w: unknown type %d", ErrMalformed, uint8(m.Type))
	}
	if m.From < 0 {
		return fmt.Errorf("%w: %s from member %d", ErrMalformed, m.Type, m.From)
	}
	if m.TermID < 0 || m.LogTermID < 0 || m.PrevTermID < 0 {
		return fmt.Errorf("%w: %s with negative term", ErrMalformed, m.Type)
	}
	if m.LogPosition < 0 || m.PrevPosition < 0 || m.CommitPosition < 0 || m.TermBasePosition < 0 {
		return fmt.Errorf("%w: %s with negative position", ErrMalformed, m.Type)
	}

	switch m.Type {
	case MsgRequestVote:
		if m.CandidateID != m.From {
			return fmt.Errorf("%w: vote request for %d sent by %d", ErrMalformed, m.CandidateID, m.From)
		}
	case MsgNewLeadershipTerm, MsgAppendRequest, MsgInstallSnapshot:
		if m.LeaderID != m.From {
			return fmt.Errorf("%w: %s for leader %d sent by %d", ErrMalformed, m.Type, m.LeaderID, m.From)
		}
	}

	switch m.Type {
	case MsgAppendRequest:
		if m.TermBasePosition > m.LogPosition {
			return fmt.Errorf("%w: term base %d beyond log position %d", ErrMalformed, m.TermBasePosition, m.LogPosition)
		}
		for i, e := range m.Entries {
			if len(e) < EntryHeaderLength {
				return fmt.Errorf("%w: append entry %d of %d bytes", ErrMalformed, i, len(e))
			}
		}
	case MsgInstallSnapshot:
		if len(m.Snapshots) == 0 {
			return fmt.Errorf("%w: install snapshot without records", ErrMalformed)
		}
		for _, s := range m.Snapshots {
			if s.LogPosition != m.LogPosition || s.TermID != m.LogTermID {
				return fmt.Errorf("%w: snapshot record at %d/%d, expected %d/%d",
					ErrMalformed, s.LogPosition, s.TermID, m.LogPosition, m.LogTermID)
			}
		}
	}

	return nil
}

// SnapshotRecord is one service's state at a log position.
type SnapshotRecord struct {
	LogPosition int64  `json:"logPosition"`
	TermID      int64  `json:"termId"`
	ServiceID   int32  `json:"serviceId"`
	MemberID    int32  `json:"memberId"`
	Timestamp   int64  `json:"timestamp"`
	Data        []byte `json:"data"`
}

// ConsensusModuleServiceID is the service id of the record holding the
// consensus module's own state.
const ConsensusModuleServiceID int32 = -1
