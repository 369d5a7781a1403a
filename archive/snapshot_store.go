package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/arbha1erao/cluster/protocol"
)

var ErrSnapshotCorrupted = errors.New("archive: snapshot corrupted")

// Snapshot file header.
// Format: [LogPosition:8][TermID:8][ServiceID:4][MemberID:4][Timestamp:8][DataLen:4][CRC32:4]
const snapshotHeaderLength = 40

// SnapshotStore keeps snapshot records as one file per (logPosition, serviceId).
type SnapshotStore struct {
	mu  sync.RWMutex
	dir string
}

// OpenSnapshotStore opens or creates the store in dir.
func OpenSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SnapshotStore{dir: dir}, nil
}

func snapshotFileName(position int64, serviceID int32) string {
	if serviceID == protocol.ConsensusModuleServiceID {
		return fmt.Sprintf("snapshot-%d-cm.snap", position)
	}
	return fmt.Sprintf("snapshot-%d-svc%d.snap", position, serviceID)
}

func parseSnapshotFileName(name string) (int64, int32, bool) {
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".snap") {
		return 0, 0, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".snap")
	pos, svc, ok := strings.Cut(body, "-")
	if !ok {
		return 0, 0, false
	}

	position, err := strconv.ParseInt(pos, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if svc == "cm" {
		return position, protocol.ConsensusModuleServiceID, true
	}
	if !strings.HasPrefix(svc, "svc") {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(svc, "svc"), 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return position, int32(id), true
}

// Save writes a record atomically.
func (s *SnapshotStore) Save(rec protocol.SnapshotRecord) error {
	buf := make([]byte, snapshotHeaderLength+len(rec.Data))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.LogPosition))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.TermID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(rec.ServiceID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(rec.MemberID))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(rec.Timestamp))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(rec.Data)))
	binary.LittleEndian.PutUint32(buf[36:40], crc32.ChecksumIEEE(rec.Data))
	copy(buf[snapshotHeaderLength:], rec.Data)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, snapshotFileName(rec.LogPosition, rec.ServiceID))
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *SnapshotStore) load(position int64, serviceID int32) (protocol.SnapshotRecord, error) {
	path := filepath.Join(s.dir, snapshotFileName(position, serviceID))
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.SnapshotRecord{}, err
	}
	if len(data) < snapshotHeaderLength {
		return protocol.SnapshotRecord{}, fmt.Errorf("%w: %s is %d bytes", ErrSnapshotCorrupted, path, len(data))
	}

	rec := protocol.SnapshotRecord{
		LogPosition: int64(binary.LittleEndian.Uint64(data[0:8])),
		TermID:      int64(binary.LittleEndian.Uint64(data[8:16])),
		ServiceID:   int32(binary.LittleEndian.Uint32(data[16:20])),
		MemberID:    int32(binary.LittleEndian.Uint32(data[20:24])),
		Timestamp:   int64(binary.LittleEndian.Uint64(data[24:32])),
	}
	length := int(binary.LittleEndian.Uint32(data[32:36]))
	if len(data) != snapshotHeaderLength+length {
		return protocol.SnapshotRecord{}, fmt.Errorf("%w: %s length %d, have %d",
			ErrSnapshotCorrupted, path, length, len(data)-snapshotHeaderLength)
	}
	rec.Data = data[snapshotHeaderLength:]
	if crc32.ChecksumIEEE(rec.Data) != binary.LittleEndian.Uint32(data[36:40]) {
		return protocol.SnapshotRecord{}, fmt.Errorf("%w: %s checksum mismatch", ErrSnapshotCorrupted, path)
	}
	if rec.LogPosition != position || rec.ServiceID != serviceID {
		return protocol.SnapshotRecord{}, fmt.Errorf("%w: %s holds position %d service %d",
			ErrSnapshotCorrupted, path, rec.LogPosition, rec.ServiceID)
	}
	return rec, nil
}

func (s *SnapshotStore) index() (map[int64]map[int32]bool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	idx := make(map[int64]map[int32]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		position, serviceID, ok := parseSnapshotFileName(e.Name())
		if !ok {
			continue
		}
		if idx[position] == nil {
			idx[position] = make(map[int32]bool)
		}
		idx[position][serviceID] = true
	}
	return idx, nil
}

func complete(services map[int32]bool, serviceIDs []int32) bool {
	for _, id := range serviceIDs {
		if !services[id] {
			return false
		}
	}
	return true
}

// Positions returns the positions holding a record for every id in
// serviceIDs, newest first.
func (s *SnapshotStore) Positions(serviceIDs []int32) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.index()
	if err != nil {
		return nil, err
	}

	var positions []int64
	for position, services := range idx {
		if complete(services, serviceIDs) {
			positions = append(positions, position)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] > positions[j] })
	return positions, nil
}

// Has reports whether a complete set of records exists at position.
func (s *SnapshotStore) Has(position int64, serviceIDs []int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range serviceIDs {
		if _, err := os.Stat(filepath.Join(s.dir, snapshotFileName(position, id))); err != nil {
			return false
		}
	}
	return true
}

// Latest loads the newest complete set of records. It returns nil when the
// store holds no complete set. A record failing verification is an error.
func (s *SnapshotStore) Latest(serviceIDs []int32) ([]protocol.SnapshotRecord, error) {
	positions, err := s.Positions(serviceIDs)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	position := positions[0]
	records := make([]protocol.SnapshotRecord, 0, len(serviceIDs))
	for _, id := range serviceIDs {
		rec, err := s.load(position, id)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 && rec.TermID != records[0].TermID {
			return nil, fmt.Errorf("%w: records at %d disagree on term (%d, %d)",
				ErrSnapshotCorrupted, position, records[0].TermID, rec.TermID)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Prune removes every snapshot file except the newest keep complete sets.
func (s *SnapshotStore) Prune(keep int, serviceIDs []int32) error {
	if keep < 1 {
		keep = 1
	}
	positions, err := s.Positions(serviceIDs)
	if err != nil {
		return err
	}
	if len(positions) <= keep {
		return nil
	}
	oldestKept := positions[keep-1]

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.index()
	if err != nil {
		return err
	}
	for position, services := range idx {
		if position >= oldestKept {
			continue
		}
		for id := range services {
			path := filepath.Join(s.dir, snapshotFileName(position, id))
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		log.Debugf("pruned snapshot at position %d", position)
	}
	return nil
}
