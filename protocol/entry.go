package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EntryType identifies what a log entry carries.
type EntryType uint8

const (
	EntryCommand           EntryType = iota + 1 // client command for the services
	EntryNewLeadershipTerm                      // first entry of every term
	EntryMembershipChange                       // add or remove a member
	EntryClusterAction                          // snapshot, shutdown or abort marker
)

func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "COMMAND"
	case EntryNewLeadershipTerm:
		return "NEW_LEADERSHIP_TERM"
	case EntryMembershipChange:
		return "MEMBERSHIP_CHANGE"
	case EntryClusterAction:
		return "CLUSTER_ACTION"
	default:
		return fmt.Sprintf("ENTRY_TYPE(%d)", uint8(t))
	}
}

// ClusterAction is the payload of an EntryClusterAction entry.
type ClusterAction uint8

const (
	ActionSnapshot ClusterAction = iota + 1
	ActionShutdown
	ActionAbort
)

func (a ClusterAction) String() string {
	switch a {
	case ActionSnapshot:
		return "SNAPSHOT"
	case ActionShutdown:
		return "SHUTDOWN"
	case ActionAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("ACTION(%d)", uint8(a))
	}
}

// Entry is a single record of the replicated log.
type Entry struct {
	TermID    int64
	Type      EntryType
	Timestamp int64 // leader wall clock, ms
	SessionID int64
	Payload   []byte
}

const EntryHeaderLength = 8 + 1 + 8 + 8 + 4

// Encode serializes the entry.
// Format: [TermID:8][Type:1][Timestamp:8][SessionID:8][PayloadLen:4][Payload:N]
func (e *Entry) Encode() []byte {
	buf := make([]byte, EntryHeaderLength+len(e.Payload))

	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.TermID))
	buf[8] = byte(e.Type)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(e.Timestamp))
	binary.LittleEndian.PutUint64(buf[17:25], uint64(e.SessionID))
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(e.Payload)))
	copy(buf[29:], e.Payload)

	return buf
}

// DecodeEntry decodes an entry produced by Encode. The payload aliases data.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderLength {
		return nil, fmt.Errorf("%w: entry of %d bytes", ErrMalformed, len(data))
	}

	payloadLen := int(binary.LittleEndian.Uint32(data[25:29]))
	if len(data) != EntryHeaderLength+payloadLen {
		return nil, fmt.Errorf("%w: entry payload length %d, have %d", ErrMalformed, payloadLen, len(data)-EntryHeaderLength)
	}

	e := &Entry{
		TermID:    int64(binary.LittleEndian.Uint64(data[0:8])),
		Type:      EntryType(data[8]),
		Timestamp: int64(binary.LittleEndian.Uint64(data[9:17])),
		SessionID: int64(binary.LittleEndian.Uint64(data[17:25])),
		Payload:   data[29:],
	}
	if e.Type < EntryCommand || e.Type > EntryClusterAction {
		return nil, fmt.Errorf("%w: unknown entry type %d", ErrMalformed, data[8])
	}
	if e.TermID < 0 {
		return nil, fmt.Errorf("%w: negative term %d", ErrMalformed, e.TermID)
	}

	return e, nil
}

// NewLeadershipTermEntry builds the entry a leader appends when its term begins.
func NewLeadershipTermEntry(termID int64, leaderID int32, timestamp int64) *Entry {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(leaderID))
	return &Entry{TermID: termID, Type: EntryNewLeadershipTerm, Timestamp: timestamp, Payload: payload}
}

// LeaderID returns the leader recorded in a new leadership term entry.
func (e *Entry) LeaderID() (int32, error) {
	if e.Type != EntryNewLeadershipTerm || len(e.Payload) != 4 {
		return 0, fmt.Errorf("%w: not a leadership term entry", ErrMalformed)
	}
	return int32(binary.LittleEndian.Uint32(e.Payload)), nil
}

// ClusterActionEntry builds a snapshot, shutdown or abort marker.
func ClusterActionEntry(termID int64, action ClusterAction, timestamp int64) *Entry {
	return &Entry{TermID: termID, Type: EntryClusterAction, Timestamp: timestamp, Payload: []byte{byte(action)}}
}

// Action returns the action of a cluster action entry.
func (e *Entry) Action() (ClusterAction, error) {
	if e.Type != EntryClusterAction || len(e.Payload) != 1 {
		return 0, fmt.Errorf("%w: not a cluster action entry", ErrMalformed)
	}
	a := ClusterAction(e.Payload[0])
	if a < ActionSnapshot || a > ActionAbort {
		return 0, fmt.Errorf("%w: unknown cluster action %d", ErrMalformed, e.Payload[0])
	}
	return a, nil
}

// ChangeKind is the kind of a membership change.
type ChangeKind uint8

const (
	ChangeAdd ChangeKind = iota + 1
	ChangeRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "ADD"
	case ChangeRemove:
		return "REMOVE"
	default:
		return fmt.Sprintf("CHANGE(%d)", uint8(k))
	}
}

// MembershipChange is the payload of an EntryMembershipChange entry.
type MembershipChange struct {
	Kind                ChangeKind
	MemberID            int32
	Endpoints           string
	Passive             bool
	RequestedAtPosition int64
}

// Encode serializes the change.
// Format: [Kind:1][MemberID:4][Passive:1][RequestedAt:8][EndpointsLen:2][Endpoints:N]
func (c *MembershipChange) Encode() []byte {
	var buf bytes.Buffer

	buf.WriteByte(byte(c.Kind))
	_ = binary.Write(&buf, binary.LittleEndian, c.MemberID)
	if c.Passive {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	_ = binary.Write(&buf, binary.LittleEndian, c.RequestedAtPosition)
	_ = writeString(&buf, c.Endpoints)

	return buf.Bytes()
}

// DecodeMembershipChange decodes a change produced by Encode.
func DecodeMembershipChange(data []byte) (*MembershipChange, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: membership change of %d bytes", ErrMalformed, len(data))
	}

	c := &MembershipChange{
		Kind:                ChangeKind(data[0]),
		MemberID:            int32(binary.LittleEndian.Uint32(data[1:5])),
		Passive:             data[5] == 1,
		RequestedAtPosition: int64(binary.LittleEndian.Uint64(data[6:14])),
	}
	if c.Kind != ChangeAdd && c.Kind != ChangeRemove {
		return nil, fmt.Errorf("%w: unknown change kind %d", ErrMalformed, data[0])
	}

	endpoints, err := readString(bytes.NewReader(data[14:]))
	if err != nil {
		return nil, fmt.Errorf("%w: membership change endpoints: %v", ErrMalformed, err)
	}
	c.Endpoints = endpoints

	return c, nil
}

// MembershipChangeEntry wraps a change into a log entry.
func MembershipChangeEntry(termID int64, change *MembershipChange, timestamp int64) *Entry {
	return &Entry{TermID: termID, Type: EntryMembershipChange, Timestamp: timestamp, Payload: change.Encode()}
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string of %d bytes too long", len(s))
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds %d remaining bytes", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", err
	}
	return string(b), nil
}
