package clustercfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("clustercfg")

const (
	registryFile = "cluster-members.json"
	recoveryFile = "recovery-state.json"
)

// Registry is the persisted member registry.
type Registry struct {
	Members  []Member  `json:"members"`
	Version  int       `json:"version"`
	Modified time.Time `json:"modified"`
}

// RecoveryState is what a node needs to resume after a crash.
type RecoveryState struct {
	TermID         int64     `json:"termId"`
	VotedFor       int32     `json:"votedFor"`
	LeaderID       int32     `json:"leaderId"`
	CommitPosition int64     `json:"commitPosition"`
	Modified       time.Time `json:"modified"`
}

// Dir is a node's cluster directory: the member registry, the recovery
// state, and the subdirectories of the durable log and snapshots.
type Dir struct {
	path string
	mu   sync.Mutex
}

// OpenDir creates the directory layout if needed.
func OpenDir(path string) (*Dir, error) {
	for _, p := range []string{path, filepath.Join(path, "archive"), filepath.Join(path, "snapshots")} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cluster dir: %w", err)
		}
	}
	return &Dir{path: path}, nil
}

func (d *Dir) Path() string        { return d.path }
func (d *Dir) ArchiveDir() string  { return filepath.Join(d.path, "archive") }
func (d *Dir) SnapshotDir() string { return filepath.Join(d.path, "snapshots") }

// LoadRegistry returns the persisted registry and whether one exists.
func (d *Dir) LoadRegistry() (Registry, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var reg Registry
	found, err := d.load(registryFile, &reg)
	if err != nil || !found {
		return Registry{}, found, err
	}

	log.Debugf("loaded member registry version %d with %d members", reg.Version, len(reg.Members))
	return reg, true, nil
}

// SaveRegistry persists the registry, bumping its version.
func (d *Dir) SaveRegistry(reg Registry) (Registry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg.Version++
	reg.Modified = time.Now()
	if err := d.save(registryFile, reg); err != nil {
		return reg, err
	}
	return reg, nil
}

// LoadRecoveryState returns the persisted state, or a fresh state with no
// vote and no leader.
func (d *Dir) LoadRecoveryState() (RecoveryState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := RecoveryState{VotedFor: -1, LeaderID: -1}
	if _, err := d.load(recoveryFile, &state); err != nil {
		return RecoveryState{}, err
	}
	return state, nil
}

// SaveRecoveryState persists the state durably.
func (d *Dir) SaveRecoveryState(state RecoveryState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state.Modified = time.Now()
	return d.save(recoveryFile, state)
}

func (d *Dir) load(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(d.path, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return true, nil
}

func (d *Dir) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(d.path, name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
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
