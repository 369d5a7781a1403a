package archive

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func appendFrames(t *testing.T, r *Recording, n int) []int64 {
	t.Helper()
	var positions []int64
	for i := 0; i < n; i++ {
		pos, err := r.Append([]byte(fmt.Sprintf("frame-%d", i)))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		positions = append(positions, pos)
	}
	if err := r.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	return positions
}

func TestRecordingAppendReplay(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	positions := appendFrames(t, r, 5)
	if want := FrameLength(len("frame-0")); positions[0] != want {
		t.Errorf("first position = %d, want %d", positions[0], want)
	}
	if r.StopPosition() != positions[4] || r.SyncedPosition() != positions[4] {
		t.Errorf("stop/synced = %d/%d, want %d", r.StopPosition(), r.SyncedPosition(), positions[4])
	}

	var got []string
	count, err := r.Replay(positions[1], positions[4], func(position int64, data []byte) bool {
		got = append(got, string(data))
		return true
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Replay count = %d, want 3", count)
	}
	want := []string{"frame-2", "frame-3", "frame-4"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRecordingReplayStopsWhenHandlerDeclines(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	positions := appendFrames(t, r, 4)
	count, err := r.Replay(0, positions[3], func(int64, []byte) bool { return false })
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Replay count = %d, want 1", count)
	}
}

func TestRecordingReplayRejectsBadRange(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	positions := appendFrames(t, r, 3)
	noop := func(int64, []byte) bool { return true }

	tests := []struct {
		name     string
		from, to int64
		want     error
	}{
		{"beyond stop", 0, positions[2] + 1, ErrPositionOutOfRange},
		{"reversed", positions[1], positions[0], ErrPositionOutOfRange},
		{"from inside frame", 3, positions[2], ErrNotBoundary},
		{"to inside frame", 0, positions[1] - 1, ErrNotBoundary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Replay(tt.from, tt.to, noop); !errors.Is(err, tt.want) {
				t.Errorf("Replay error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRecordingTruncate(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	positions := appendFrames(t, r, 5)
	if err := r.Truncate(positions[1] + 1); !errors.Is(err, ErrNotBoundary) {
		t.Errorf("Truncate inside frame error = %v, want ErrNotBoundary", err)
	}
	if err := r.Truncate(positions[1]); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if r.StopPosition() != positions[1] {
		t.Errorf("stop = %d, want %d", r.StopPosition(), positions[1])
	}
	if r.IsBoundary(positions[2]) {
		t.Error("truncated position still reported as boundary")
	}

	next, err := r.Append([]byte("after"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	r.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if reopened.StopPosition() != next {
		t.Errorf("reopened stop = %d, want %d", reopened.StopPosition(), next)
	}
}

func TestRecordingOpenTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	positions := appendFrames(t, r, 3)
	path := r.path()
	r.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	f.Write([]byte{42, 0, 0, 0, 1, 2})
	f.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.StopPosition() != positions[2] {
		t.Errorf("stop = %d, want %d", reopened.StopPosition(), positions[2])
	}
	info, _ := os.Stat(path)
	if info.Size() != positions[2] {
		t.Errorf("file size = %d, want %d", info.Size(), positions[2])
	}
}

func TestRecordingPurgeAndReset(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	positions := appendFrames(t, r, 4)
	firstID := r.RecordingID()

	if err := r.Purge(positions[1], 3); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if r.RecordingID() == firstID {
		t.Error("Purge should start a new recording id")
	}
	if r.StartPosition() != positions[1] || r.StartTermID() != 3 {
		t.Errorf("start = %d/%d, want %d/3", r.StartPosition(), r.StartTermID(), positions[1])
	}

	var got [][]byte
	if _, err := r.Replay(positions[1], positions[3], func(_ int64, data []byte) bool {
		got = append(got, data)
		return true
	}); err != nil {
		t.Fatalf("Replay after purge failed: %v", err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], []byte("frame-2")) {
		t.Errorf("replayed %q, want frame-2 and frame-3", got)
	}
	if _, err := r.Replay(0, positions[3], func(int64, []byte) bool { return true }); !errors.Is(err, ErrPositionOutOfRange) {
		t.Errorf("Replay before start error = %v, want ErrPositionOutOfRange", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("recording-%d.log", firstID))); !os.IsNotExist(err) {
		t.Errorf("old recording file still present: %v", err)
	}

	if err := r.Reset(1000, 5); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	r.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if reopened.StartPosition() != 1000 || reopened.StopPosition() != 1000 || reopened.StartTermID() != 5 {
		t.Errorf("reopened = [%d, %d) term %d, want [1000, 1000) term 5",
			reopened.StartPosition(), reopened.StopPosition(), reopened.StartTermID())
	}
}

func TestRecordingBoundaryAtOrBefore(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	positions := appendFrames(t, r, 3)

	tests := []struct {
		position int64
		want     int64
	}{
		{0, 0},
		{positions[0] - 1, 0},
		{positions[0], positions[0]},
		{positions[1] + 2, positions[1]},
		{positions[2] + 100, positions[2]},
	}
	for _, tt := range tests {
		if got := r.BoundaryAtOrBefore(tt.position); got != tt.want {
			t.Errorf("BoundaryAtOrBefore(%d) = %d, want %d", tt.position, got, tt.want)
		}
	}
}

func TestRecordingClosed(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.Close()

	if _, err := r.Append([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close error = %v, want ErrClosed", err)
	}
}
