package archive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("archive")

var (
	ErrPositionOutOfRange = errors.New("archive: position out of range")
	ErrNotBoundary        = errors.New("archive: position is not a frame boundary")
	ErrCorrupted          = errors.New("archive: recording corrupted")
	ErrClosed             = errors.New("archive: recording closed")
	ErrFrameTooLarge      = errors.New("archive: frame too large")
)

// HeaderLength is the size of the frame header preceding every entry.
// Frame: [Length:4][CRC32:4][Data:Length]
const HeaderLength = 8

// MaxFrameLength bounds a single entry.
const MaxFrameLength = 16 << 20

const metaFile = "recording.json"

// FrameLength returns the log space an entry of n bytes occupies.
func FrameLength(n int) int64 {
	return int64(HeaderLength + n)
}

type recordingMeta struct {
	RecordingID   int64 `json:"recordingId"`
	StartPosition int64 `json:"startPosition"`
	StartTermID   int64 `json:"startTermId"`
}

// Recording is an append-only, position addressed log stored in a single
// file. Positions count frame headers, so the position returned by Append is
// the byte offset at which the next frame starts.
type Recording struct {
	mu             sync.RWMutex
	dir            string
	meta           recordingMeta
	file           *os.File
	ends           []int64
	stopPosition   int64
	syncedPosition int64
	closed         bool
}

// Open opens or creates the recording in dir. A torn or corrupt tail left
// by a crash is truncated.
func Open(dir string) (*Recording, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	r := &Recording{dir: dir}
	if err := r.loadMeta(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(r.path(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	r.file = f

	if err := r.scan(); err != nil {
		f.Close()
		return nil, err
	}

	log.Infof("opened recording %d in %s: positions [%d, %d), %d frames",
		r.meta.RecordingID, dir, r.meta.StartPosition, r.stopPosition, len(r.ends))
	return r, nil
}

func (r *Recording) path() string {
	return filepath.Join(r.dir, fmt.Sprintf("recording-%d.log", r.meta.RecordingID))
}

func (r *Recording) loadMeta() error {
	data, err := os.ReadFile(filepath.Join(r.dir, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		r.meta = recordingMeta{RecordingID: 1}
		return r.saveMeta()
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &r.meta); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, metaFile, err)
	}
	return nil
}

func (r *Recording) saveMeta() error {
	data, err := json.MarshalIndent(r.meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.dir, metaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (r *Recording) scan() error {
	info, err := r.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	var offset int64
	header := make([]byte, HeaderLength)
	for offset+HeaderLength <= size {
		if _, err := r.file.ReadAt(header, offset); err != nil {
			return err
		}
		length := int64(binary.LittleEndian.Uint32(header[0:4]))
		checksum := binary.LittleEndian.Uint32(header[4:8])
		if length > MaxFrameLength || offset+HeaderLength+length > size {
			break
		}

		data := make([]byte, length)
		if _, err := r.file.ReadAt(data, offset+HeaderLength); err != nil {
			return err
		}
		if crc32.ChecksumIEEE(data) != checksum {
			break
		}

		offset += HeaderLength + length
		r.ends = append(r.ends, r.meta.StartPosition+offset)
	}

	if offset < size {
		log.Warnf("truncating recording %d tail: %d bytes after position %d failed verification",
			r.meta.RecordingID, size-offset, r.meta.StartPosition+offset)
		if err := r.file.Truncate(offset); err != nil {
			return err
		}
		if err := r.file.Sync(); err != nil {
			return err
		}
	}

	r.stopPosition = r.meta.StartPosition + offset
	r.syncedPosition = r.stopPosition
	return nil
}

// Append writes one frame and returns the position after it. The frame is
// durable only after Sync.
func (r *Recording) Append(data []byte) (int64, error) {
	if len(data) > MaxFrameLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	buf := make([]byte, HeaderLength+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(data))
	copy(buf[HeaderLength:], data)

	if _, err := r.file.WriteAt(buf, r.stopPosition-r.meta.StartPosition); err != nil {
		return 0, err
	}

	r.stopPosition += int64(len(buf))
	r.ends = append(r.ends, r.stopPosition)
	return r.stopPosition, nil
}

// Sync makes every appended frame durable.
func (r *Recording) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.syncedPosition == r.stopPosition {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		return err
	}
	r.syncedPosition = r.stopPosition
	return nil
}

// Replay reads frames in [from, to) in order and passes each with the
// position after it to handler until handler returns false. from and to must
// be frame boundaries. It returns the number of frames delivered.
func (r *Recording) Replay(from, to int64, handler func(position int64, data []byte) bool) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return 0, ErrClosed
	}
	if from < r.meta.StartPosition || to > r.stopPosition || from > to {
		return 0, fmt.Errorf("%w: replay [%d, %d) of [%d, %d)",
			ErrPositionOutOfRange, from, to, r.meta.StartPosition, r.stopPosition)
	}
	if !r.isBoundary(from) {
		return 0, fmt.Errorf("%w: replay from %d", ErrNotBoundary, from)
	}

	header := make([]byte, HeaderLength)
	position := from
	count := 0
	for position < to {
		offset := position - r.meta.StartPosition
		if _, err := r.file.ReadAt(header, offset); err != nil {
			return count, fmt.Errorf("%w: header at %d: %v", ErrCorrupted, position, err)
		}
		length := int64(binary.LittleEndian.Uint32(header[0:4]))
		if position+HeaderLength+length > to {
			return count, fmt.Errorf("%w: replay to %d", ErrNotBoundary, to)
		}

		data := make([]byte, length)
		if _, err := r.file.ReadAt(data, offset+HeaderLength); err != nil && !errors.Is(err, io.EOF) {
			return count, fmt.Errorf("%w: frame at %d: %v", ErrCorrupted, position, err)
		}
		if crc32.ChecksumIEEE(data) != binary.LittleEndian.Uint32(header[4:8]) {
			return count, fmt.Errorf("%w: checksum mismatch at %d", ErrCorrupted, position)
		}

		position += HeaderLength + length
		count++
		if !handler(position, data) {
			break
		}
	}

	return count, nil
}

// Truncate discards every frame after position.
func (r *Recording) Truncate(position int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if position < r.meta.StartPosition || position > r.stopPosition {
		return fmt.Errorf("%w: truncate to %d of [%d, %d)",
			ErrPositionOutOfRange, position, r.meta.StartPosition, r.stopPosition)
	}
	if !r.isBoundary(position) {
		return fmt.Errorf("%w: truncate to %d", ErrNotBoundary, position)
	}
	if position == r.stopPosition {
		return nil
	}

	if err := r.file.Truncate(position - r.meta.StartPosition); err != nil {
		return err
	}
	if err := r.file.Sync(); err != nil {
		return err
	}

	i := sort.Search(len(r.ends), func(i int) bool { return r.ends[i] > position })
	r.ends = r.ends[:i]
	log.Infof("truncated recording %d from %d to %d", r.meta.RecordingID, r.stopPosition, position)
	r.stopPosition = position
	if r.syncedPosition > position {
		r.syncedPosition = position
	}
	return nil
}

// Purge drops every frame before position by rewriting the retained frames
// into a new recording. startTermID is kept as the term of the log prefix.
func (r *Recording) Purge(position int64, startTermID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if position < r.meta.StartPosition || position > r.stopPosition {
		return fmt.Errorf("%w: purge to %d of [%d, %d)",
			ErrPositionOutOfRange, position, r.meta.StartPosition, r.stopPosition)
	}
	if !r.isBoundary(position) {
		return fmt.Errorf("%w: purge to %d", ErrNotBoundary, position)
	}
	if position == r.meta.StartPosition {
		return nil
	}

	src := io.NewSectionReader(r.file, position-r.meta.StartPosition, r.stopPosition-position)
	if err := r.replaceFile(position, startTermID, src); err != nil {
		return err
	}

	i := sort.Search(len(r.ends), func(i int) bool { return r.ends[i] > position })
	r.ends = append([]int64(nil), r.ends[i:]...)
	r.syncedPosition = r.stopPosition
	return nil
}

// Reset discards the whole recording and restarts it empty at position.
func (r *Recording) Reset(position int64, startTermID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if err := r.replaceFile(position, startTermID, nil); err != nil {
		return err
	}

	r.ends = nil
	r.stopPosition = position
	r.syncedPosition = position
	return nil
}

func (r *Recording) replaceFile(start, startTermID int64, src io.Reader) error {
	oldPath := r.path()
	next := recordingMeta{RecordingID: r.meta.RecordingID + 1, StartPosition: start, StartTermID: startTermID}
	newPath := filepath.Join(r.dir, fmt.Sprintf("recording-%d.log", next.RecordingID))

	f, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if src != nil {
		if _, err := io.Copy(f, src); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	prev := r.meta
	r.meta = next
	if err := r.saveMeta(); err != nil {
		r.meta = prev
		f.Close()
		return err
	}

	r.file.Close()
	r.file = f
	if err := os.Remove(oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("failed to remove recording file %s: %v", oldPath, err)
	}

	log.Infof("recording %d replaced by %d starting at %d", prev.RecordingID, next.RecordingID, start)
	return nil
}

func (r *Recording) isBoundary(position int64) bool {
	if position == r.meta.StartPosition {
		return true
	}
	i := sort.Search(len(r.ends), func(i int) bool { return r.ends[i] >= position })
	return i < len(r.ends) && r.ends[i] == position
}

// IsBoundary reports whether a frame starts or ends at position.
func (r *Recording) IsBoundary(position int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isBoundary(position)
}

// BoundaryAtOrBefore returns the highest frame boundary not after position.
func (r *Recording) BoundaryAtOrBefore(position int64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.ends), func(i int) bool { return r.ends[i] > position })
	if i == 0 {
		return r.meta.StartPosition
	}
	return r.ends[i-1]
}

func (r *Recording) RecordingID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.RecordingID
}

func (r *Recording) StartPosition() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.StartPosition
}

// StartTermID is the term of the last frame before StartPosition.
func (r *Recording) StartTermID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.StartTermID
}

func (r *Recording) StopPosition() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopPosition
}

func (r *Recording) SyncedPosition() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.syncedPosition
}

// Close syncs and closes the recording.
func (r *Recording) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	syncErr := r.file.Sync()
	closeErr := r.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
