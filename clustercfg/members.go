package clustercfg

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidMembers = errors.New("clustercfg: invalid members")

// Endpoints are the addresses a member serves.
type Endpoints struct {
	Ingress   string `json:"ingress"`
	Consensus string `json:"consensus"`
}

// ParseEndpoints parses "ingress,consensus".
func ParseEndpoints(s string) (Endpoints, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Endpoints{}, fmt.Errorf("%w: endpoints %q must be ingress,consensus", ErrInvalidMembers, s)
	}

	e := Endpoints{Ingress: strings.TrimSpace(parts[0]), Consensus: strings.TrimSpace(parts[1])}
	if err := e.Validate(); err != nil {
		return Endpoints{}, err
	}
	return e, nil
}

// Validate checks both endpoints are host:port addresses.
func (e Endpoints) Validate() error {
	for _, addr := range []string{e.Ingress, e.Consensus} {
		host, port, err := net.SplitHostPort(addr)
		if err != nil || host == "" || port == "" {
			return fmt.Errorf("%w: invalid address %q", ErrInvalidMembers, addr)
		}
	}
	return nil
}

func (e Endpoints) String() string {
	return e.Ingress + "," + e.Consensus
}

// Member is one entry of the member registry.
type Member struct {
	ID        int32     `json:"id"`
	Endpoints Endpoints `json:"endpoints"`
	Active    bool      `json:"active"`
}

// ParseMembers parses "id,ingress,consensus|id,ingress,consensus|...". Every
// parsed member is active.
func ParseMembers(s string) ([]Member, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty members string", ErrInvalidMembers)
	}

	var members []Member
	seen := make(map[int32]bool)
	for _, part := range strings.Split(s, "|") {
		idStr, endpoints, ok := strings.Cut(strings.TrimSpace(part), ",")
		if !ok {
			return nil, fmt.Errorf("%w: member %q", ErrInvalidMembers, part)
		}

		id, err := strconv.ParseInt(idStr, 10, 32)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: member id %q", ErrInvalidMembers, idStr)
		}
		if seen[int32(id)] {
			return nil, fmt.Errorf("%w: duplicate member id %d", ErrInvalidMembers, id)
		}
		seen[int32(id)] = true

		e, err := ParseEndpoints(endpoints)
		if err != nil {
			return nil, err
		}
		members = append(members, Member{ID: int32(id), Endpoints: e, Active: true})
	}

	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// FormatMembers is the inverse of ParseMembers for the given members.
func FormatMembers(members []Member) string {
	parts := make([]string, 0, len(members))
	for _, m := range members {
		parts = append(parts, fmt.Sprintf("%d,%s", m.ID, m.Endpoints))
	}
	return strings.Join(parts, "|")
}
