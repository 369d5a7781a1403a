package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log"

	"github.com/arbha1erao/cluster/archive"
	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

var log = logging.Logger("clustercfg")

// describe is what the tool prints for one cluster directory.
type describe struct {
	Path              string                   `json:"path"`
	Registry          *clustercfg.Registry     `json:"registry,omitempty"`
	RecoveryState     clustercfg.RecoveryState `json:"recoveryState"`
	LogStartPosition  int64                    `json:"logStartPosition"`
	LogStartTermID    int64                    `json:"logStartTermId"`
	LogStopPosition   int64                    `json:"logStopPosition"`
	SnapshotPositions []int64                  `json:"snapshotPositions"`
	Entries           []entrySummary           `json:"entries,omitempty"`
}

type entrySummary struct {
	Position  int64  `json:"position"`
	TermID    int64  `json:"termId"`
	Type      string `json:"type"`
	SessionID int64  `json:"sessionId,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Inspects the cluster directory of a stopped member.
func main() {
	dir := flag.String("dir", "", "Cluster directory of a stopped member (Required)")
	services := flag.Int("services", 1, "Number of clustered services the member runs")
	entries := flag.Bool("entries", false, "List every log entry")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir is required")
		flag.Usage()
		os.Exit(1)
	}

	out, err := inspect(*dir, *services, *entries)
	if err != nil {
		log.Errorf("failed to inspect %s: %v", *dir, err)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Errorf("failed to encode output: %v", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func inspect(path string, services int, listEntries bool) (describe, error) {
	dir, err := clustercfg.OpenDir(path)
	if err != nil {
		return describe{}, err
	}
	out := describe{Path: dir.Path()}

	reg, found, err := dir.LoadRegistry()
	if err != nil {
		return describe{}, err
	}
	if found {
		out.Registry = &reg
	}
	if out.RecoveryState, err = dir.LoadRecoveryState(); err != nil {
		return describe{}, err
	}

	serviceIDs := []int32{protocol.ConsensusModuleServiceID}
	for i := 0; i < services; i++ {
		serviceIDs = append(serviceIDs, int32(i))
	}
	store, err := archive.OpenSnapshotStore(dir.SnapshotDir())
	if err != nil {
		return describe{}, err
	}
	if out.SnapshotPositions, err = store.Positions(serviceIDs); err != nil {
		return describe{}, err
	}

	recording, err := archive.Open(dir.ArchiveDir())
	if err != nil {
		return describe{}, err
	}
	defer recording.Close()

	out.LogStartPosition = recording.StartPosition()
	out.LogStartTermID = recording.StartTermID()
	out.LogStopPosition = recording.StopPosition()

	if listEntries {
		_, err = recording.Replay(recording.StartPosition(), recording.StopPosition(), func(position int64, data []byte) bool {
			out.Entries = append(out.Entries, summarize(position, data))
			return true
		})
		if err != nil {
			return describe{}, err
		}
	}
	return out, nil
}

func summarize(position int64, data []byte) entrySummary {
	e, err := protocol.DecodeEntry(data)
	if err != nil {
		return entrySummary{Position: position, Type: "CORRUPT", Detail: err.Error()}
	}

	s := entrySummary{Position: position, TermID: e.TermID, Type: e.Type.String(), SessionID: e.SessionID}
	switch e.Type {
	case protocol.EntryCommand:
		s.Detail = fmt.Sprintf("%d bytes", len(e.Payload))
	case protocol.EntryNewLeadershipTerm:
		if leaderID, err := e.LeaderID(); err == nil {
			s.Detail = fmt.Sprintf("leader %d", leaderID)
		}
	case protocol.EntryClusterAction:
		if action, err := e.Action(); err == nil {
			s.Detail = action.String()
		}
	case protocol.EntryMembershipChange:
		if change, err := protocol.DecodeMembershipChange(e.Payload); err == nil {
			s.Detail = fmt.Sprintf("%s member %d %s", change.Kind, change.MemberID, change.Endpoints)
		}
	}
	return s
}
