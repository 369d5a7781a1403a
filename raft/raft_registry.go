package raft

import (
	"fmt"
	"sort"

	"github.com/arbha1erao/cluster/clustercfg"
	"github.com/arbha1erao/cluster/protocol"
)

// memberRegistry is the driver's view of cluster membership. Only the
// driver goroutine touches it.
type memberRegistry struct {
	self    int32
	members map[int32]*ClusterMember
}

func newMemberRegistry(self int32, members []clustercfg.Member) *memberRegistry {
	r := &memberRegistry{self: self}
	r.restore(members)
	return r
}

func (r *memberRegistry) restore(members []clustercfg.Member) {
	r.members = make(map[int32]*ClusterMember, len(members))
	for _, m := range members {
		r.members[m.ID] = &ClusterMember{ID: m.ID, Endpoints: m.Endpoints, IsActive: m.Active}
	}
}

func (r *memberRegistry) member(id int32) (ClusterMember, bool) {
	m, ok := r.members[id]
	if !ok {
		return ClusterMember{}, false
	}
	return *m, true
}

func (r *memberRegistry) isActive(id int32) bool {
	m, ok := r.members[id]
	return ok && m.IsActive
}

// all returns every member sorted by id.
func (r *memberRegistry) all() []ClusterMember {
	out := make([]ClusterMember, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memberRegistry) active() []ClusterMember {
	var out []ClusterMember
	for _, m := range r.all() {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out
}

// peers returns the active members other than this node.
func (r *memberRegistry) peers() []ClusterMember {
	var out []ClusterMember
	for _, m := range r.active() {
		if m.ID != r.self {
			out = append(out, m)
		}
	}
	return out
}

func (r *memberRegistry) quorum() int {
	return len(r.active())/2 + 1
}

// apply applies a committed membership change. Applying the same change
// twice leaves the registry unchanged.
func (r *memberRegistry) apply(change *protocol.MembershipChange) error {
	switch change.Kind {
	case protocol.ChangeAdd:
		endpoints, err := clustercfg.ParseEndpoints(change.Endpoints)
		if err != nil {
			return fmt.Errorf("%w: member %d: %v", ErrInvalidEndpoints, change.MemberID, err)
		}
		r.members[change.MemberID] = &ClusterMember{ID: change.MemberID, Endpoints: endpoints, IsActive: true}
	case protocol.ChangeRemove:
		m, ok := r.members[change.MemberID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownMember, change.MemberID)
		}
		m.IsActive = false
	default:
		return fmt.Errorf("%w: membership change kind %d", protocol.ErrMalformed, change.Kind)
	}
	return nil
}

func (r *memberRegistry) toConfig() []clustercfg.Member {
	all := r.all()
	out := make([]clustercfg.Member, 0, len(all))
	for _, m := range all {
		out = append(out, clustercfg.Member{ID: m.ID, Endpoints: m.Endpoints, Active: m.IsActive})
	}
	return out
}

func (r *memberRegistry) membersString(active bool) string {
	var out []clustercfg.Member
	for _, m := range r.toConfig() {
		if m.Active == active {
			out = append(out, m)
		}
	}
	return clustercfg.FormatMembers(out)
}

// consensusState is the consensus module's snapshot record.
type consensusState struct {
	Members  []clustercfg.Member `json:"members"`
	TermID   int64               `json:"termId"`
	LeaderID int32               `json:"leaderId"`
}
